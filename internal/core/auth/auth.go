// Package auth performs the DailyConnect web login and keeps the anti-forgery
// token that every later request must carry.
package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/trymwestin/dailyconnect/internal/core/retry"
)

// TokenField is the form field (and script variable) carrying the token.
const TokenField = "__srf_token__"

const previewLen = 200

var (
	// ErrInvalidCredentials means the service rejected the login. Fatal until
	// the user supplies new credentials.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrTransport means the login could not be completed because of the
	// network or an unavailable server.
	ErrTransport = errors.New("auth: transport error")
)

var tokenPattern = regexp.MustCompile(`var\s+` + regexp.QuoteMeta(TokenField) + `\s*=\s*'([^']+)'`)

// Outcome is the tri-state result of a login attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeInvalidCredentials
	OutcomeTransportError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeInvalidCredentials:
		return "invalid_credentials"
	case OutcomeTransportError:
		return "transport_error"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// OutcomeOf classifies an error returned by Login.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrInvalidCredentials):
		return OutcomeInvalidCredentials
	default:
		return OutcomeTransportError
	}
}

// Credentials identify one DailyConnect account.
type Credentials struct {
	Email    string
	Password string
}

// Session is one authenticated account. The token is written only by Login.
type Session struct {
	baseURL string
	creds   Credentials
	client  *http.Client
	policy  retry.Policy
	log     *slog.Logger

	mu    sync.RWMutex
	token string
}

// NewSession creates a session for the account. The client should come from
// transport.NewClient so the session cookie persists between calls.
func NewSession(baseURL string, creds Credentials, client *http.Client, policy retry.Policy, log *slog.Logger) *Session {
	return &Session{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		client:  client,
		policy:  policy,
		log:     log,
	}
}

// BaseURL returns the service root without a trailing slash.
func (s *Session) BaseURL() string { return s.baseURL }

// Client returns the HTTP client bound to this session.
func (s *Session) Client() *http.Client { return s.client }

// Policy returns the retry policy for calls made on this session.
func (s *Session) Policy() retry.Policy { return s.policy }

// Token returns the current token, or "" before the first successful login.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Invalidate drops the token so the next cycle logs in again.
func (s *Session) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
}

// Login authenticates and stores the scraped token. Network failures are
// retried per the session policy.
func (s *Session) Login(ctx context.Context) (string, error) {
	token, err := retry.Do(ctx, s.policy, "login", s.login)
	if err != nil {
		s.Invalidate()
		if !errors.Is(err, ErrInvalidCredentials) && !errors.Is(err, ErrTransport) {
			err = fmt.Errorf("%w: %w", ErrTransport, err)
		}
		return "", err
	}

	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return token, nil
}

func (s *Session) login(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("username", s.creds.Email)
	form.Set("password", s.creds.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/Cmd?cmd=UserAuth", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("auth: build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("%w: login returned status %d", ErrTransport, resp.StatusCode)
	}

	content := NormalizeLineEndings(string(body))
	token, ok := ExtractToken(content)
	if !ok {
		s.log.Error("token not found in login response; the login page format may have changed",
			"status", resp.StatusCode,
			"preview", Preview(content))
		return "", fmt.Errorf("%w: token not found in login response (status %d)", ErrInvalidCredentials, resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusFound {
		s.log.Error("login failed", "status", resp.StatusCode, "preview", Preview(content))
		return "", fmt.Errorf("%w: login returned status %d", ErrInvalidCredentials, resp.StatusCode)
	}

	s.log.Debug("login successful", "status", resp.StatusCode)
	return token, nil
}

// NormalizeLineEndings converts CRLF and lone CR line breaks to LF.
func NormalizeLineEndings(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// ExtractToken finds `var __srf_token__ = '<value>'` in a login page.
func ExtractToken(content string) (string, bool) {
	m := tokenPattern.FindStringSubmatch(content)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Preview truncates a response body for diagnostics.
func Preview(content string) string {
	r := []rune(content)
	if len(r) <= previewLen {
		return content
	}
	return string(r[:previewLen])
}
