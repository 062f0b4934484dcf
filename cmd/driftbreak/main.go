// Package main provides the driftbreak command line interface.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/driftbreak/driftbreak/internal/config"
	"github.com/driftbreak/driftbreak/internal/netprobe"
	"github.com/driftbreak/driftbreak/internal/proxy"
	"github.com/driftbreak/driftbreak/internal/queue"
	"github.com/driftbreak/driftbreak/internal/runtime"
	"github.com/driftbreak/driftbreak/internal/sectest"
	"github.com/driftbreak/driftbreak/internal/types"
	"github.com/driftbreak/driftbreak/pkg/version"
)

// Exit codes per command contract.
const (
	exitOK         = 0
	exitVulnerable = 1
	exitError      = 2
)

var (
	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	styleBad  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		usage()
		return exitError
	}

	cfg := config.Load()
	setupLogging(cfg.LogLevel, cfg.LogDir)
	cfg.Validate()

	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Msg("driftbreak starting")

	switch args[0] {
	case "test":
		return cmdTest(cfg, args[1:])
	case "stress":
		return cmdStress(cfg, args[1:])
	case "scrape":
		return cmdScrape(cfg, args[1:])
	case "proxy":
		return cmdProxy(cfg, args[1:])
	case "version":
		fmt.Println(version.Full())
		return exitOK
	default:
		usage()
		return exitError
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `driftbreak - headless-browser bot-defense stress harness

Usage:
  driftbreak test <url>   [-a attempts] [-p] [-b] [-o output-dir]
  driftbreak stress <url> [-c concurrent] [-r requests] [-p]
  driftbreak scrape <url> [-s selector] [-o output-file] [-p] [-b]
  driftbreak proxy        [-f file] [-t]
  driftbreak version
`)
}

// cmdTest runs the security-test mode. Exit code 0 means the target
// held (protected), 1 means at least one bypass (vulnerable).
func cmdTest(cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	attempts := fs.Int("a", 5, "number of probe attempts")
	useProxies := fs.Bool("p", false, "use proxies from the configured list")
	human := fs.Bool("b", false, "humanized interaction pacing")
	outDir := fs.String("o", cfg.ReportDir, "report output directory")

	url, ok := parseTarget(fs, args)
	if !ok {
		return exitError
	}

	ctx, cancel := signalContext()
	defer cancel()

	if *useProxies {
		cfg.ProxyEnabled = cfg.ProxyListFile != ""
	}
	rt, err := runtime.New(ctx, cfg, nil)
	if err != nil {
		return fail("runtime", err)
	}
	defer rt.Close()

	report, err := rt.Tester.Run(ctx, sectest.SecurityOptions{
		URL:           url,
		Attempts:      *attempts,
		UseProxies:    *useProxies && rt.Proxies != nil,
		HumanBehavior: *human,
		Screenshots:   true,
	})
	if err != nil {
		return fail("security test", err)
	}

	writer := &sectest.ReportWriter{Dir: *outDir, Markdown: true}
	path, err := writer.Write(report)
	if err != nil {
		return fail("report", err)
	}

	if report.BypassSuccess {
		fmt.Println(styleBad.Render(fmt.Sprintf(
			"VULNERABLE: bypass succeeded, detection rate %.0f%%, %d finding(s)",
			report.DetectionRate*100, len(report.Vulnerabilities))))
		fmt.Println(styleDim.Render("report: " + path))
		return exitVulnerable
	}
	fmt.Println(styleOK.Render(fmt.Sprintf(
		"PROTECTED: every attempt challenged or blocked (detection rate %.0f%%)",
		report.DetectionRate*100)))
	fmt.Println(styleDim.Render("report: " + path))
	return exitOK
}

// cmdStress runs the stress mode.
func cmdStress(cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("stress", flag.ContinueOnError)
	concurrent := fs.Int("c", 5, "concurrent sessions")
	requests := fs.Int("r", 10, "requests per session")
	useProxies := fs.Bool("p", false, "use proxies from the configured list")

	url, ok := parseTarget(fs, args)
	if !ok {
		return exitError
	}

	ctx, cancel := signalContext()
	defer cancel()

	if *useProxies {
		cfg.ProxyEnabled = cfg.ProxyListFile != ""
	}
	// The stress mode needs one live session per concurrent sequence.
	if cfg.MaxSessions < *concurrent {
		cfg.MaxSessions = *concurrent
	}
	rt, err := runtime.New(ctx, cfg, nil)
	if err != nil {
		return fail("runtime", err)
	}
	defer rt.Close()

	report, err := rt.Tester.Stress(ctx, sectest.StressOptions{
		URL:                url,
		ConcurrentSessions: *concurrent,
		RequestsPerSession: *requests,
		UseProxies:         *useProxies && rt.Proxies != nil,
	})
	if err != nil {
		return fail("stress test", err)
	}

	fmt.Println(styleOK.Render(fmt.Sprintf(
		"STRESS: %d requests, %d ok, %d detected, %d failed, avg %.1fms",
		report.TotalRequests, report.Succeeded, report.Detected, report.Failed, report.AvgResponseMs)))
	return exitOK
}

// cmdScrape enqueues one extraction task and waits for its result.
func cmdScrape(cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("scrape", flag.ContinueOnError)
	selector := fs.String("s", "body", "CSS selector to extract")
	outFile := fs.String("o", "", "output file (default stdout)")
	useProxies := fs.Bool("p", false, "use proxies from the configured list")
	human := fs.Bool("b", false, "humanized interaction pacing")

	url, ok := parseTarget(fs, args)
	if !ok {
		return exitError
	}

	ctx, cancel := signalContext()
	defer cancel()

	if *useProxies {
		cfg.ProxyEnabled = cfg.ProxyListFile != ""
	}
	rt, err := runtime.New(ctx, cfg, nil)
	if err != nil {
		return fail("runtime", err)
	}
	defer rt.Close()

	results := make(chan types.TaskResult, 1)
	rt.Queue.OnCompleted(func(r types.TaskResult) { results <- r })
	rt.Queue.OnFailed(func(id, reason string) {
		results <- types.TaskResult{TaskID: id, Failed: true, Reason: reason}
	})

	_, err = rt.Queue.Enqueue(ctx, types.Task{
		URL:           url,
		Extractors:    []types.Extractor{{Name: "content", Selector: *selector, All: true}},
		HumanBehavior: *human,
	}, queue.EnqueueOptions{Priority: 10})
	if err != nil {
		return fail("enqueue", err)
	}
	if err := rt.Workers.Start(); err != nil {
		return fail("workers", err)
	}

	select {
	case <-ctx.Done():
		fmt.Println(styleWarn.Render("interrupted"))
		return exitError
	case r := <-results:
		if r.Failed {
			fmt.Println(styleBad.Render("scrape failed: " + r.Reason))
			return exitError
		}
		data, err := json.MarshalIndent(r.Data, "", "  ")
		if err != nil {
			return fail("encode", err)
		}
		if *outFile == "" {
			fmt.Println(string(data))
			return exitOK
		}
		if dir := filepath.Dir(*outFile); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fail("output dir", err)
			}
		}
		if err := os.WriteFile(*outFile, data, 0o644); err != nil {
			return fail("write output", err)
		}
		fmt.Println(styleOK.Render("scraped to " + *outFile))
		return exitOK
	}
}

// cmdProxy loads and optionally probes the proxy list.
func cmdProxy(cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("proxy", flag.ContinueOnError)
	file := fs.String("f", cfg.ProxyListFile, "proxy list file")
	test := fs.Bool("t", false, "probe each proxy and update scores")
	if err := fs.Parse(args); err != nil {
		return exitError
	}

	if *file == "" {
		fmt.Println(styleBad.Render("no proxy list: set -f or PROXY_LIST_FILE"))
		return exitError
	}

	pool := proxy.NewPool(proxy.PoolConfig{
		RotationInterval: cfg.ProxyRotationEvery,
		EvictThreshold:   cfg.ProxyEvictThreshold,
	})
	loaded, err := pool.LoadFile(*file)
	if err != nil {
		return fail("load proxies", err)
	}

	if *test {
		ctx, cancel := signalContext()
		defer cancel()

		fmt.Println(styleDim.Render(fmt.Sprintf("probing %d proxies...", loaded)))
		results := netprobe.TestAll(ctx, pool, netprobe.Options{})
		for key, res := range results {
			if res.OK {
				fmt.Printf("%s %s (%dms, status %d)\n", styleOK.Render("OK  "), key, res.LatencyMs, res.Status)
			} else {
				fmt.Printf("%s %s (%s)\n", styleBad.Render("FAIL"), key, res.Error)
			}
		}
	}

	stats := pool.Stats()
	fmt.Println(styleOK.Render(fmt.Sprintf(
		"proxies: %d total, %d healthy, %d residential, avg score %.2f",
		stats.Total, stats.Healthy, stats.Residential, stats.AvgScore)))
	return exitOK
}

// parseTarget parses flags plus the single positional URL argument,
// accepting "driftbreak test <url> -a 5" argument order.
func parseTarget(fs *flag.FlagSet, args []string) (string, bool) {
	var positional []string
	var flags []string
	for _, a := range args {
		if len(a) > 0 && a[0] != '-' && len(positional) == 0 && len(flags) == 0 {
			positional = append(positional, a)
			continue
		}
		flags = append(flags, a)
	}
	if err := fs.Parse(flags); err != nil {
		return "", false
	}
	positional = append(positional, fs.Args()...)

	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, styleBad.Render("exactly one target url required"))
		return "", false
	}
	return positional[0], true
}

// fail prints the one-line error summary and returns the error code.
func fail(what string, err error) int {
	log.Error().Err(err).Msg(what + " failed")
	fmt.Println(styleBad.Render(fmt.Sprintf("error: %s: %v", what, err)))
	return exitError
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// setupLogging configures zerolog: console always, JSON file when a
// log directory is set.
func setupLogging(level, dir string) {
	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err == nil {
			path := filepath.Join(dir, "driftbreak.log")
			if f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
				log.Logger = log.Output(zerolog.MultiLevelWriter(console, f))
			} else {
				log.Logger = log.Output(console)
			}
		} else {
			log.Logger = log.Output(console)
		}
	} else {
		log.Logger = log.Output(console)
	}

	switch level {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
