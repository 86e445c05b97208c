package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	delays []time.Duration
}

func (r *recorder) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func testPolicy(r *recorder) Policy {
	p := Default(slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.Sleep = r.sleep
	return p
}

func transportErr() error {
	return &url.Error{Op: "Post", URL: "https://example.invalid", Err: &net.OpError{Op: "dial", Err: errors.New("connection refused")}}
}

func TestDoSucceedsOnThirdAttempt(t *testing.T) {
	rec := &recorder{}
	calls := 0
	got, err := Do(context.Background(), testPolicy(rec), "user_info", func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", transportErr()
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, rec.delays)
}

func TestDoExhaustsAttempts(t *testing.T) {
	rec := &recorder{}
	calls := 0
	last := transportErr()
	_, err := Do(context.Background(), testPolicy(rec), "status", func(context.Context) (int, error) {
		calls++
		return 0, last
	})

	assert.Same(t, last, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, rec.delays)
}

func TestDoDoesNotRetryTerminalErrors(t *testing.T) {
	rec := &recorder{}
	calls := 0
	terminal := errors.New("http status 500")
	_, err := Do(context.Background(), testPolicy(rec), "summary", func(context.Context) (int, error) {
		calls++
		return 0, terminal
	})

	assert.ErrorIs(t, err, terminal)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.delays)
}

func TestDelayClampsToLastValue(t *testing.T) {
	p := Default(nil)
	p.MaxAttempts = 6
	assert.Equal(t, time.Duration(0), p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 8*time.Second, p.Delay(4))
	assert.Equal(t, 8*time.Second, p.Delay(5))
	assert.Equal(t, 8*time.Second, p.Delay(6))
}

func TestDoStopsWhenSleepIsCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Default(nil)
	p.Sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}
	calls := 0
	_, err := Do(ctx, p, "calendar", func(context.Context) (int, error) {
		calls++
		return 0, transportErr()
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"url error", transportErr(), true},
		{"wrapped url error", fmt.Errorf("api: user info: %w", transportErr()), true},
		{"deadline", context.DeadlineExceeded, true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"cancelled", context.Canceled, false},
		{"plain", errors.New("shape mismatch"), false},
		{"url timeout", &url.Error{Op: "Get", URL: "u", Err: context.DeadlineExceeded}, true},
		{"url eof", &url.Error{Op: "Get", URL: "u", Err: io.EOF}, true},
		{"bad scheme", &url.Error{Op: "Get", URL: "ftp://x", Err: errors.New(`unsupported protocol scheme "ftp"`)}, false},
		{"redirect limit", &url.Error{Op: "Get", URL: "u", Err: errors.New("stopped after 10 redirects")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestDoDoesNotRetryBadScheme(t *testing.T) {
	rec := &recorder{}
	calls := 0
	_, err := Do(context.Background(), testPolicy(rec), "login", func(context.Context) (string, error) {
		calls++
		return "", &url.Error{Op: "Post", URL: "ftp://x", Err: errors.New(`unsupported protocol scheme "ftp"`)}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.delays)
}
