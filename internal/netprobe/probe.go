// Package netprobe tests proxy liveness out of band: it dials the
// target through the proxy and completes a TLS handshake whose
// ClientHello matches a browser persona's TLS profile, so the probe's
// wire fingerprint is consistent with the sessions that will follow.
package netprobe

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	utls "github.com/refraction-networking/utls"
	"github.com/rs/zerolog/log"
	xproxy "golang.org/x/net/proxy"

	"github.com/driftbreak/driftbreak/internal/identity"
	"github.com/driftbreak/driftbreak/internal/proxy"
	"github.com/driftbreak/driftbreak/internal/types"
)

// Result is one probe outcome.
type Result struct {
	OK        bool   `json:"ok"`
	LatencyMs int64  `json:"latencyMs"`
	Status    int    `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Options configure a probe.
type Options struct {
	// TargetURL is fetched through the proxy. Defaults to a stable
	// plain https endpoint.
	TargetURL string
	// TLSProfileID selects the ClientHello; empty uses chrome-auto.
	TLSProfileID string
	Timeout      time.Duration
}

// DefaultTarget is probed when no target is configured.
const DefaultTarget = "https://www.example.com/"

// Probe tests one proxy. The proxy's score is not touched here; feed
// the result into the pool's Update if desired.
func Probe(ctx context.Context, p proxy.Proxy, opts Options) Result {
	if opts.TargetURL == "" {
		opts.TargetURL = DefaultTarget
	}
	if opts.TLSProfileID == "" {
		opts.TLSProfileID = "chrome-auto"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	start := time.Now()
	status, err := fetchThrough(ctx, p, opts)
	latency := time.Since(start).Milliseconds()

	if err != nil {
		log.Debug().Err(err).Str("proxy", p.Key()).Msg("Proxy probe failed")
		return Result{OK: false, LatencyMs: latency, Error: err.Error()}
	}

	ok := status >= 200 && status < 400
	return Result{OK: ok, LatencyMs: latency, Status: status}
}

// fetchThrough performs the proxied fetch and returns the HTTP status.
func fetchThrough(ctx context.Context, p proxy.Proxy, opts Options) (int, error) {
	target, err := url.Parse(opts.TargetURL)
	if err != nil || target.Host == "" {
		return 0, fmt.Errorf("%w: target %q", types.ErrInvalidInput, opts.TargetURL)
	}
	host := target.Hostname()
	port := target.Port()
	if port == "" {
		if target.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	hostPort := net.JoinHostPort(host, port)

	conn, err := dialViaProxy(ctx, p, hostPort)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", types.ErrProxyTestFailed, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if target.Scheme == "https" {
		hello, err := identity.TLSClientHello(opts.TLSProfileID)
		if err != nil {
			return 0, err
		}
		uconn := utls.UClient(conn, &utls.Config{ServerName: host}, hello)
		if err := uconn.HandshakeContext(ctx); err != nil {
			return 0, fmt.Errorf("%w: tls handshake: %v", types.ErrProxyTestFailed, err)
		}
		conn = uconn
	}

	path := target.Path
	if path == "" {
		path = "/"
	}
	req := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\nConnection: close\r\nUser-Agent: Mozilla/5.0\r\n\r\n", path, target.Host)
	if _, err := conn.Write([]byte(req)); err != nil {
		return 0, fmt.Errorf("%w: write: %v", types.ErrProxyTestFailed, err)
	}

	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, fmt.Errorf("%w: read: %v", types.ErrProxyTestFailed, err)
	}
	fields := strings.Fields(line)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") {
		return 0, fmt.Errorf("%w: malformed response", types.ErrProxyTestFailed)
	}
	var status int
	if _, err := fmt.Sscanf(fields[1], "%d", &status); err != nil {
		return 0, fmt.Errorf("%w: malformed status", types.ErrProxyTestFailed)
	}
	return status, nil
}

// dialViaProxy opens a TCP stream to addr through the proxy.
func dialViaProxy(ctx context.Context, p proxy.Proxy, addr string) (net.Conn, error) {
	proxyAddr := net.JoinHostPort(p.Host, fmt.Sprint(p.Port))
	var d net.Dialer

	switch p.Type {
	case proxy.TypeSOCKS5:
		var auth *xproxy.Auth
		if p.Auth != nil {
			auth = &xproxy.Auth{User: p.Auth.Username, Password: p.Auth.Password}
		}
		dialer, err := xproxy.SOCKS5("tcp", proxyAddr, auth, &d)
		if err != nil {
			return nil, err
		}
		if cd, ok := dialer.(xproxy.ContextDialer); ok {
			return cd.DialContext(ctx, "tcp", addr)
		}
		return dialer.Dial("tcp", addr)

	case proxy.TypeSOCKS4:
		// x/net has no socks4 client; reachability of the proxy itself is
		// the best signal available without a handshake implementation.
		conn, err := d.DialContext(ctx, "tcp", proxyAddr)
		if err != nil {
			return nil, err
		}
		conn.Close()
		return nil, fmt.Errorf("%w: socks4 probe is reachability-only", types.ErrProxyTestFailed)

	case proxy.TypeHTTP, proxy.TypeHTTPS:
		conn, err := d.DialContext(ctx, "tcp", proxyAddr)
		if err != nil {
			return nil, err
		}
		if err := httpConnect(conn, addr, p.Auth); err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil

	default:
		return nil, fmt.Errorf("%w: type %q", types.ErrInvalidProxy, p.Type)
	}
}

// httpConnect issues a CONNECT through an HTTP proxy.
func httpConnect(conn net.Conn, addr string, auth *proxy.Auth) error {
	var b strings.Builder
	fmt.Fprintf(&b, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", addr, addr)
	if auth != nil {
		cred := base64.StdEncoding.EncodeToString([]byte(auth.Username + ":" + auth.Password))
		fmt.Fprintf(&b, "Proxy-Authorization: Basic %s\r\n", cred)
	}
	b.WriteString("\r\n")

	if _, err := conn.Write([]byte(b.String())); err != nil {
		return fmt.Errorf("connect write: %w", err)
	}

	// One byte-at-a-time reader: no read-ahead may swallow bytes that
	// belong to the TLS handshake following the tunnel establishment.
	r := newLineReader(conn)
	status, err := readStatusLine(r)
	if err != nil {
		return fmt.Errorf("connect response: %w", err)
	}
	if status != 200 {
		return fmt.Errorf("proxy refused CONNECT: status %d", status)
	}
	for {
		line, err := r.ReadLine()
		if err != nil {
			return err
		}
		if line == "" {
			return nil
		}
	}
}

// lineReader reads CRLF-terminated lines one byte at a time so nothing
// beyond the current line is consumed from the connection.
type lineReader struct {
	conn net.Conn
	buf  [1]byte
}

func newLineReader(conn net.Conn) *lineReader {
	return &lineReader{conn: conn}
}

// ReadLine returns one line without its CRLF terminator.
func (l *lineReader) ReadLine() (string, error) {
	var b strings.Builder
	for {
		if _, err := l.conn.Read(l.buf[:]); err != nil {
			return "", err
		}
		if l.buf[0] == '\n' {
			return strings.TrimSuffix(b.String(), "\r"), nil
		}
		b.WriteByte(l.buf[0])
		if b.Len() > 8192 {
			return "", fmt.Errorf("status line too long")
		}
	}
}

// readStatusLine parses the status code from an HTTP status line.
func readStatusLine(r *lineReader) (int, error) {
	line, err := r.ReadLine()
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(line)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") {
		return 0, fmt.Errorf("malformed status line %q", line)
	}
	var status int
	if _, err := fmt.Sscanf(fields[1], "%d", &status); err != nil {
		return 0, fmt.Errorf("malformed status %q", fields[1])
	}
	return status, nil
}

// TestAll probes every proxy in the pool and feeds the outcomes back
// into the pool's health scores. Returns results keyed by proxy.
func TestAll(ctx context.Context, pool *proxy.Pool, opts Options) map[string]Result {
	results := make(map[string]Result)
	for _, p := range pool.Snapshot() {
		res := Probe(ctx, p, opts)
		results[p.Key()] = res
		if err := pool.Update(p.Key(), res.OK); err != nil && err != types.ErrProxyNotFound {
			log.Debug().Err(err).Str("proxy", p.Key()).Msg("Score update after probe failed")
		}
	}
	return results
}
