// Package api issues the typed DailyConnect data commands on an authenticated
// session and normalizes their loosely-shaped JSON responses.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/trymwestin/dailyconnect/internal/core/auth"
	"github.com/trymwestin/dailyconnect/internal/core/retry"
	"github.com/trymwestin/dailyconnect/internal/core/state"
)

// DateLayout is the yymmdd format the service expects for dates.
const DateLayout = "060102"

// DefaultCalendarDays is how far ahead calendar events are requested.
const DefaultCalendarDays = 30

var (
	// ErrNotAuthenticated is returned when a data method is called before a
	// token exists. It is a programming error, not a runtime condition.
	ErrNotAuthenticated = errors.New("api: not authenticated")
	// ErrUnavailable marks an absent result: bad status, network failure
	// after retries, or an unusable payload.
	ErrUnavailable = errors.New("api: result unavailable")
	// ErrShapeMismatch means the payload decoded but had the wrong JSON kind.
	ErrShapeMismatch = errors.New("api: unexpected response shape")
)

// StatusError is a non-200 HTTP response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d", e.Code)
}

// Session is the part of auth.Session the client needs.
type Session interface {
	BaseURL() string
	Client() *http.Client
	Policy() retry.Policy
	Token() string
}

var _ Session = (*auth.Session)(nil)

// Client issues data commands.
type Client struct {
	session Session
	log     *slog.Logger
	now     func() time.Time
}

// NewClient creates a client on top of an authenticated session.
func NewClient(session Session, log *slog.Logger) *Client {
	return &Client{session: session, log: log, now: time.Now}
}

// UserInfo returns the account object, including the myKids list.
func (c *Client) UserInfo(ctx context.Context) (map[string]any, error) {
	form := url.Values{}
	form.Set("cmd", "UserInfoW")
	return c.object(ctx, "user_info", "/CmdW?cmd=UserInfoW", form)
}

// ChildSummary returns the daily counters for a child. A zero date means
// today in local time.
func (c *Client) ChildSummary(ctx context.Context, childID string, date time.Time) (map[string]any, error) {
	form := url.Values{}
	form.Set("cmd", "KidGetSummary")
	form.Set("Kid", childID)
	form.Set("pdt", c.localDate(date))
	return c.object(ctx, "child_summary", "/CmdW", form)
}

// ChildStatus returns the activity list for a child. A zero date means today
// in local time.
func (c *Client) ChildStatus(ctx context.Context, childID string, date time.Time) (map[string]any, error) {
	form := url.Values{}
	form.Set("cmd", "StatusList")
	form.Set("Kid", childID)
	form.Set("pdt", c.localDate(date))
	form.Set("fmt", "long")
	return c.object(ctx, "child_status", "/CmdListW", form)
}

// CalendarEvents returns the events from today (UTC) through daysAhead days.
// A payload that is not an array yields an empty slice and no error.
func (c *Client) CalendarEvents(ctx context.Context, accountID string, daysAhead int) ([]state.CalendarEvent, error) {
	if daysAhead <= 0 {
		daysAhead = DefaultCalendarDays
	}
	now := c.now().UTC()

	form := url.Values{}
	form.Set("command", "getEvents")
	form.Set("start", now.Format(DateLayout))
	form.Set("end", now.AddDate(0, 0, daysAhead).Format(DateLayout))
	form.Set("parent", "true")
	form.Set("uid", accountID)

	v, err := c.command(ctx, "calendar", "/CmdW?cmd=CalendarCmd", form)
	if err != nil {
		return nil, err
	}
	items, ok := v.([]any)
	if !ok {
		c.log.Warn("calendar response is not a list, using empty calendar", "type", kindOf(v))
		return []state.CalendarEvent{}, nil
	}
	return normalizeCalendar(items, c.log), nil
}

// Photo downloads a photo by id, full size or thumbnail.
func (c *Client) Photo(ctx context.Context, photoID string, thumbnail bool) ([]byte, error) {
	if c.session.Token() == "" {
		return nil, ErrNotAuthenticated
	}
	thumb := "0"
	if thumbnail {
		thumb = "1"
	}
	q := url.Values{}
	q.Set("cmd", "PhotoGet")
	q.Set("id", photoID)
	q.Set("thumb", thumb)
	endpoint := c.session.BaseURL() + "/GetCmd?" + q.Encode()

	data, err := retry.Do(ctx, c.session.Policy(), "photo", func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		return c.do(req)
	})
	if err != nil {
		c.log.Error("failed to get photo", "photo_id", photoID, "error", err)
		return nil, fmt.Errorf("%w: photo %s: %w", ErrUnavailable, photoID, err)
	}
	c.log.Debug("retrieved photo", "photo_id", photoID, "bytes", len(data))
	return data, nil
}

// --- internals ---

func (c *Client) localDate(date time.Time) string {
	if date.IsZero() {
		date = c.now()
	}
	return date.Local().Format(DateLayout)
}

// object runs a command whose response must be a JSON object.
func (c *Client) object(ctx context.Context, op, path string, form url.Values) (map[string]any, error) {
	v, err := c.command(ctx, op, path, form)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		c.log.Error("response is not an object", "op", op, "type", kindOf(v))
		return nil, fmt.Errorf("%w: %s: %w: got %s", ErrUnavailable, op, ErrShapeMismatch, kindOf(v))
	}
	return obj, nil
}

// command posts a form with the token and decodes the JSON response.
func (c *Client) command(ctx context.Context, op, path string, form url.Values) (any, error) {
	token := c.session.Token()
	if token == "" {
		return nil, ErrNotAuthenticated
	}
	form.Set(auth.TokenField, token)
	body := form.Encode()
	endpoint := c.session.BaseURL() + path

	data, err := retry.Do(ctx, c.session.Policy(), op, func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
		return c.do(req)
	})
	if err != nil {
		c.log.Error("request failed", "op", op, "error", err)
		return nil, fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
	}

	v, err := decode(data)
	if err != nil {
		c.log.Error("response is not valid JSON", "op", op, "error", err)
		return nil, fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
	}
	c.log.Debug("response received", "op", op, "preview", auth.Preview(string(data)))
	return v, nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.session.Client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{Code: resp.StatusCode}
	}
	return io.ReadAll(resp.Body)
}

func decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case json.Number:
		return "number"
	case bool:
		return "bool"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func normalizeCalendar(items []any, log *slog.Logger) []state.CalendarEvent {
	events := make([]state.CalendarEvent, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			log.Warn("skipping calendar entry that is not an object", "index", i, "type", kindOf(item))
			continue
		}
		ev := state.CalendarEvent{
			Title:       String(obj["title"]),
			Description: String(obj["description"]),
			Start:       String(obj["start"]),
			End:         String(obj["end"]),
		}
		for _, key := range []string{"allDay", "all_day"} {
			if b, ok := obj[key].(bool); ok {
				ev.AllDay = &b
				break
			}
		}
		events = append(events, ev)
	}
	return events
}

// String renders an identifier or text field that may arrive as a string or
// a number. Nil becomes "".
func String(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}
