package proxy

import (
	"errors"
	"strings"
	"testing"

	"github.com/driftbreak/driftbreak/internal/types"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    Proxy
		wantErr bool
	}{
		{
			name: "bare host port",
			line: "10.0.0.1:8080",
			want: Proxy{Type: TypeHTTP, Host: "10.0.0.1", Port: 8080, Score: InitialScore},
		},
		{
			name: "with credentials",
			line: "10.0.0.1:8080@alice:s3cret",
			want: Proxy{Type: TypeHTTP, Host: "10.0.0.1", Port: 8080, Auth: &Auth{Username: "alice", Password: "s3cret"}, Score: InitialScore},
		},
		{
			name: "socks5 scheme",
			line: "socks5://10.0.0.2:1080",
			want: Proxy{Type: TypeSOCKS5, Host: "10.0.0.2", Port: 1080, Score: InitialScore},
		},
		{
			name: "scheme and credentials",
			line: "https://proxy.example.com:443@u:p",
			want: Proxy{Type: TypeHTTPS, Host: "proxy.example.com", Port: 443, Auth: &Auth{Username: "u", Password: "p"}, Score: InitialScore},
		},
		{name: "empty", line: "   ", wantErr: true},
		{name: "missing port", line: "justahost", wantErr: true},
		{name: "bad port", line: "host:99999", wantErr: true},
		{name: "bad scheme", line: "ftp://host:21", wantErr: true},
		{name: "credentials without password", line: "host:8080@useronly", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLine(tt.line)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseLine(%q) succeeded, want error", tt.line)
				}
				if !errors.Is(err, types.ErrInvalidProxy) {
					t.Errorf("error = %v, want ErrInvalidProxy", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseLine(%q) failed: %v", tt.line, err)
			}
			if got.Type != tt.want.Type || got.Host != tt.want.Host || got.Port != tt.want.Port {
				t.Errorf("ParseLine(%q) = %+v, want %+v", tt.line, got, tt.want)
			}
			if (got.Auth == nil) != (tt.want.Auth == nil) {
				t.Fatalf("auth presence mismatch: %+v vs %+v", got.Auth, tt.want.Auth)
			}
			if got.Auth != nil && *got.Auth != *tt.want.Auth {
				t.Errorf("auth = %+v, want %+v", got.Auth, tt.want.Auth)
			}
		})
	}
}

// Round-trip law: parse then format returns the original line for
// well-formed input.
func TestParseFormatRoundTrip(t *testing.T) {
	lines := []string{
		"10.0.0.1:8080",
		"10.0.0.1:8080@alice:s3cret",
		"socks5://10.0.0.2:1080",
		"socks4://gateway.example.net:4145@u:p",
	}
	for _, line := range lines {
		p, err := ParseLine(line)
		if err != nil {
			t.Fatalf("ParseLine(%q): %v", line, err)
		}
		if got := FormatLine(p); got != line {
			t.Errorf("round trip: %q -> %q", line, got)
		}
	}
}

func TestToDriverForm(t *testing.T) {
	p := Proxy{Type: TypeSOCKS5, Host: "10.1.2.3", Port: 1080, Auth: &Auth{Username: "u", Password: "p"}}
	f := ToDriverForm(p)

	if f.Server != "socks5://10.1.2.3:1080" {
		t.Errorf("Server = %q", f.Server)
	}
	if f.Username != "u" || f.Password != "p" {
		t.Errorf("credentials not carried: %+v", f)
	}

	plain := ToDriverForm(Proxy{Type: TypeHTTP, Host: "h", Port: 80})
	if plain.Username != "" || plain.Password != "" {
		t.Errorf("credential-free proxy should have empty auth: %+v", plain)
	}
}

func TestProviderSessionEncoding(t *testing.T) {
	pr := NewProvider(ProviderConfig{
		Host:     "gw.provider.example",
		Port:     7777,
		Customer: "acme",
		Password: "pw",
		Country:  "de",
	})

	p := pr.Session()
	if !p.Residential {
		t.Error("provider descriptor should be residential")
	}
	if p.Auth == nil {
		t.Fatal("provider descriptor should carry auth")
	}
	for _, want := range []string{"customer-acme", "session-", "country-de"} {
		if !strings.Contains(p.Auth.Username, want) {
			t.Errorf("username %q missing %q", p.Auth.Username, want)
		}
	}
}

func TestProviderRotatesAfterFailures(t *testing.T) {
	pr := NewProvider(ProviderConfig{Host: "gw", Port: 1, Customer: "c", Password: "p", MaxFailures: 2})

	first := pr.Session().Auth.Username
	pr.ReportFailure()
	if got := pr.Session().Auth.Username; got != first {
		t.Error("session should survive a single failure")
	}
	pr.ReportFailure()
	if got := pr.Session().Auth.Username; got == first {
		t.Error("session should rotate after max failures")
	}
}
