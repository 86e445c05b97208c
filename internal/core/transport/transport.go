// Package transport builds the HTTP client shared by the authenticator and
// the resource fetcher: one cookie jar per account, a fixed user agent, a
// per-request timeout and dialing restricted to a single IP family.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/cookiejar"
	"time"

	"golang.org/x/net/publicsuffix"
)

// DefaultUserAgent mimics a desktop browser; the upstream login page serves
// different markup to unknown clients.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36"

// Family selects which IP address family the dialer may use.
type Family string

const (
	FamilyIPv4 Family = "ipv4"
	FamilyIPv6 Family = "ipv6"
	FamilyAny  Family = "any"
)

// network maps the family to a net.Dial network name.
func (f Family) network() (string, error) {
	switch f {
	case FamilyIPv4, "":
		return "tcp4", nil
	case FamilyIPv6:
		return "tcp6", nil
	case FamilyAny:
		return "tcp", nil
	default:
		return "", fmt.Errorf("transport: unknown ip family %q", f)
	}
}

// Config holds transport settings.
type Config struct {
	Family    Family
	Timeout   time.Duration
	UserAgent string
}

// --- Dialer ---

// familyDialer forces every connection onto one address family, so a host
// with a broken IPv6 route never gets tried over IPv6.
type familyDialer struct {
	network string
	dialer  *net.Dialer
	log     *slog.Logger
}

func (d *familyDialer) DialContext(ctx context.Context, _, addr string) (net.Conn, error) {
	conn, err := d.dialer.DialContext(ctx, d.network, addr)
	if err != nil {
		d.log.Debug("dial failed", "network", d.network, "addr", addr, "error", err)
		return nil, err
	}
	return conn, nil
}

// --- User agent ---

type userAgentTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}
	return t.base.RoundTrip(req)
}

// NewClient creates an HTTP client with its own cookie jar. Redirects are
// followed so the session cookie set by the login redirect is captured.
func NewClient(cfg Config, log *slog.Logger) (*http.Client, error) {
	network, err := cfg.Family.network()
	if err != nil {
		return nil, err
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("transport: cookie jar: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}

	d := &familyDialer{
		network: network,
		dialer: &net.Dialer{
			Timeout:   15 * time.Second,
			KeepAlive: 30 * time.Second,
		},
		log: log,
	}

	base := http.DefaultTransport.(*http.Transport).Clone()
	base.DialContext = d.DialContext

	return &http.Client{
		Jar:       jar,
		Timeout:   timeout,
		Transport: &userAgentTransport{base: base, userAgent: ua},
	}, nil
}
