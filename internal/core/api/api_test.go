package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trymwestin/dailyconnect/internal/core/retry"
)

type fakeSession struct {
	base   string
	client *http.Client
	token  string
}

func (f *fakeSession) BaseURL() string      { return f.base }
func (f *fakeSession) Client() *http.Client { return f.client }
func (f *fakeSession) Token() string        { return f.token }
func (f *fakeSession) Policy() retry.Policy {
	p := retry.Default(testLogger())
	p.Sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newClient(t *testing.T, h http.HandlerFunc) (*Client, *fakeSession) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	fs := &fakeSession{base: srv.URL, client: srv.Client(), token: "tok"}
	c := NewClient(fs, testLogger())
	c.now = func() time.Time { return time.Date(2024, 1, 23, 12, 0, 0, 0, time.UTC) }
	return c, fs
}

func TestUserInfoPostsTokenAndKeepsIntegerIDs(t *testing.T) {
	c, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/CmdW", r.URL.Path)
		assert.Equal(t, "UserInfoW", r.URL.Query().Get("cmd"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "tok", r.PostForm.Get("__srf_token__"))
		assert.Equal(t, "UserInfoW", r.PostForm.Get("cmd"))
		io.WriteString(w, `{"Id": 9007199254740993, "myKids": [{"Id": 123, "Name": "Ada"}]}`)
	})

	info, err := c.UserInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "9007199254740993", String(info["Id"]))

	kids, ok := info["myKids"].([]any)
	require.True(t, ok)
	require.Len(t, kids, 1)
	assert.Equal(t, "123", String(kids[0].(map[string]any)["Id"]))
}

func TestChildSummaryAndStatusForms(t *testing.T) {
	c, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "123", r.PostForm.Get("Kid"))
		assert.Equal(t, "240115", r.PostForm.Get("pdt"))
		switch r.PostForm.Get("cmd") {
		case "KidGetSummary":
			assert.Equal(t, "/CmdW", r.URL.Path)
			io.WriteString(w, `{"summary": {"nrOfDiapers": 3}}`)
		case "StatusList":
			assert.Equal(t, "/CmdListW", r.URL.Path)
			assert.Equal(t, "long", r.PostForm.Get("fmt"))
			io.WriteString(w, `{"list": []}`)
		default:
			t.Errorf("unexpected cmd %q", r.PostForm.Get("cmd"))
		}
	})

	day := time.Date(2024, 1, 15, 12, 0, 0, 0, time.Local)
	sum, err := c.ChildSummary(context.Background(), "123", day)
	require.NoError(t, err)
	assert.Contains(t, sum, "summary")

	st, err := c.ChildStatus(context.Background(), "123", day)
	require.NoError(t, err)
	assert.Contains(t, st, "list")
}

func TestNotAuthenticated(t *testing.T) {
	c, fs := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	fs.token = ""

	_, err := c.UserInfo(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	_, err = c.CalendarEvents(context.Background(), "1", 0)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	_, err = c.Photo(context.Background(), "p", false)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestBadStatusIsUnavailableWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	c, fs := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := c.ChildStatus(context.Background(), "1", time.Time{})
	require.ErrorIs(t, err, ErrUnavailable)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusForbidden, se.Code)
	assert.Equal(t, int32(1), calls.Load())

	// The token stays usable for the rest of the cycle.
	assert.Equal(t, "tok", fs.Token())
	_, err = c.ChildSummary(context.Background(), "2", time.Time{})
	assert.NotErrorIs(t, err, ErrNotAuthenticated)
}

func TestObjectShapeMismatch(t *testing.T) {
	c, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `["not", "an", "object"]`)
	})

	_, err := c.ChildSummary(context.Background(), "1", time.Time{})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestInvalidJSONIsUnavailable(t *testing.T) {
	c, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `<html>session expired</html>`)
	})

	_, err := c.UserInfo(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestCalendarEvents(t *testing.T) {
	c, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "CalendarCmd", r.URL.Query().Get("cmd"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "getEvents", r.PostForm.Get("command"))
		assert.Equal(t, "240123", r.PostForm.Get("start"))
		assert.Equal(t, "240222", r.PostForm.Get("end"))
		assert.Equal(t, "true", r.PostForm.Get("parent"))
		assert.Equal(t, "42", r.PostForm.Get("uid"))
		io.WriteString(w, `[
			{"title": "Closed", "start": "2024-01-23", "allDay": true},
			"junk",
			{"title": "Pictures", "description": "Class photos", "start": "2024-01-24T10:00:00", "end": "2024-01-24T11:00:00", "all_day": false}
		]`)
	})

	events, err := c.CalendarEvents(context.Background(), "42", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "Closed", events[0].Title)
	require.NotNil(t, events[0].AllDay)
	assert.True(t, *events[0].AllDay)
	assert.Empty(t, events[0].End)

	assert.Equal(t, "Class photos", events[1].Description)
	assert.Equal(t, "2024-01-24T11:00:00", events[1].End)
	require.NotNil(t, events[1].AllDay)
	assert.False(t, *events[1].AllDay)
}

func TestCalendarObjectYieldsEmptySlice(t *testing.T) {
	c, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"error": "none"}`)
	})

	events, err := c.CalendarEvents(context.Background(), "42", 30)
	require.NoError(t, err)
	assert.NotNil(t, events)
	assert.Empty(t, events)
}

func TestPhoto(t *testing.T) {
	c, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/GetCmd", r.URL.Path)
		assert.Equal(t, "PhotoGet", r.URL.Query().Get("cmd"))
		assert.Equal(t, "p1", r.URL.Query().Get("id"))
		assert.Equal(t, "1", r.URL.Query().Get("thumb"))
		w.Write([]byte{0xff, 0xd8, 0xff})
	})

	data, err := c.Photo(context.Background(), "p1", true)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xd8, 0xff}, data)
}

func TestString(t *testing.T) {
	assert.Equal(t, "", String(nil))
	assert.Equal(t, "abc", String("abc"))
	assert.Equal(t, "12", String(float64(12)))
	assert.Equal(t, "12", String(12))
	assert.Equal(t, "true", String(true))
}
