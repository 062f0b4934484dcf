package netprobe

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/driftbreak/driftbreak/internal/proxy"
)

// fakeConnectProxy accepts one connection, answers CONNECT with the
// given status, then serves a canned HTTP response to the tunneled GET.
func fakeConnectProxy(t *testing.T, connectStatus string, upstreamResponse string) proxy.Proxy {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		r := bufio.NewReader(conn)
		// Consume the CONNECT request.
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if line == "\r\n" || line == "\n" {
				break
			}
		}
		if _, err := conn.Write([]byte(connectStatus)); err != nil {
			return
		}
		if !strings.Contains(connectStatus, "200") {
			return
		}

		// Consume the tunneled GET.
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if line == "\r\n" || line == "\n" {
				break
			}
		}
		_, _ = conn.Write([]byte(upstreamResponse))
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return proxy.Proxy{Type: proxy.TypeHTTP, Host: host, Port: port}
}

func TestProbeThroughHTTPProxy(t *testing.T) {
	p := fakeConnectProxy(t,
		"HTTP/1.1 200 Connection established\r\n\r\n",
		"HTTP/1.1 204 No Content\r\nContent-Length: 0\r\n\r\n")

	res := Probe(context.Background(), p, Options{
		TargetURL: "http://upstream.test/",
		Timeout:   3 * time.Second,
	})

	if !res.OK {
		t.Fatalf("probe failed: %+v", res)
	}
	if res.Status != 204 {
		t.Errorf("Status = %d, want 204", res.Status)
	}
	if res.LatencyMs < 0 {
		t.Errorf("latency should be non-negative: %d", res.LatencyMs)
	}
}

func TestProbeConnectRefused(t *testing.T) {
	p := fakeConnectProxy(t, "HTTP/1.1 407 Proxy Authentication Required\r\n\r\n", "")

	res := Probe(context.Background(), p, Options{
		TargetURL: "http://upstream.test/",
		Timeout:   3 * time.Second,
	})

	if res.OK {
		t.Fatal("probe should fail when CONNECT is refused")
	}
	if !strings.Contains(res.Error, "407") {
		t.Errorf("error = %q, want CONNECT status mentioned", res.Error)
	}
}

func TestProbeUpstreamError(t *testing.T) {
	p := fakeConnectProxy(t,
		"HTTP/1.1 200 Connection established\r\n\r\n",
		"HTTP/1.1 502 Bad Gateway\r\n\r\n")

	res := Probe(context.Background(), p, Options{
		TargetURL: "http://upstream.test/",
		Timeout:   3 * time.Second,
	})

	if res.OK {
		t.Fatal("5xx upstream should not count as OK")
	}
	if res.Status != 502 {
		t.Errorf("Status = %d, want 502", res.Status)
	}
}

func TestProbeUnreachableProxy(t *testing.T) {
	p := proxy.Proxy{Type: proxy.TypeHTTP, Host: "127.0.0.1", Port: 1} // nothing listens on port 1

	res := Probe(context.Background(), p, Options{
		TargetURL: "http://upstream.test/",
		Timeout:   time.Second,
	})
	if res.OK || res.Error == "" {
		t.Errorf("unreachable proxy should fail: %+v", res)
	}
}

func TestProbeBadTarget(t *testing.T) {
	p := proxy.Proxy{Type: proxy.TypeHTTP, Host: "127.0.0.1", Port: 8080}
	res := Probe(context.Background(), p, Options{TargetURL: "::not-a-url::", Timeout: time.Second})
	if res.OK {
		t.Error("bad target should fail")
	}
}

func TestTestAllUpdatesScores(t *testing.T) {
	pool := proxy.NewPool(proxy.PoolConfig{})
	dead := proxy.Proxy{Type: proxy.TypeHTTP, Host: "127.0.0.1", Port: 1, Score: 0.5}
	pool.Add(dead)

	results := TestAll(context.Background(), pool, Options{
		TargetURL: "http://upstream.test/",
		Timeout:   500 * time.Millisecond,
	})

	res, ok := results[dead.Key()]
	if !ok || res.OK {
		t.Fatalf("expected failed probe result, got %+v", results)
	}

	p, err := pool.Get(dead.Key())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Score >= 0.5 {
		t.Errorf("failed probe should lower score: %v", p.Score)
	}
}
