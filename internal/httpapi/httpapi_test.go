package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trymwestin/dailyconnect/internal/core/coordinator"
	"github.com/trymwestin/dailyconnect/internal/core/state"
	"github.com/trymwestin/dailyconnect/internal/entities"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePoller struct {
	mu         sync.Mutex
	snap       *state.Snapshot
	status     coordinator.Status
	refreshErr error
	refreshes  int
	resumed    bool
}

func (f *fakePoller) Snapshot() *state.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakePoller) Status() coordinator.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakePoller) Refresh(context.Context) (*state.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return f.snap, nil
}

func (f *fakePoller) Resume() {
	f.mu.Lock()
	f.resumed = true
	f.mu.Unlock()
}

type fakePhotos struct {
	err error
}

func (f *fakePhotos) Latest(_ context.Context, _ string, child state.ChildSnapshot) (entities.Photo, bool, error) {
	if f.err != nil {
		return entities.Photo{}, false, f.err
	}
	id, ok := entities.LatestPhotoID(child)
	if !ok {
		return entities.Photo{}, false, nil
	}
	return entities.Photo{ID: id, Data: []byte("jpeg"), ContentType: entities.PhotoContentType}, true, nil
}

var testNow = time.Date(2024, 1, 23, 12, 0, 0, 0, time.UTC)

func testSnapshot() *state.Snapshot {
	return &state.Snapshot{
		Children: map[string]state.ChildSnapshot{
			"123": {
				Name: "Ada",
				Summary: map[string]any{"summary": map[string]any{
					"isSleeping":  false,
					"nrOfDiapers": json.Number("2"),
					"Id":          json.Number("123"),
				}},
				Status: map[string]any{"list": []any{
					map[string]any{"Cat": json.Number("1000"), "Txt": "Painting", "Utm": "10:30", "Photo": json.Number("555")},
				}},
			},
			"456": {Name: "Bo", Summary: map[string]any{}, Status: map[string]any{}},
		},
		Calendar: []state.CalendarEvent{
			{Title: "Closed", Start: "2024-01-25"},
			{Title: "Picnic", Start: "2024-03-01T10:00:00", End: "2024-03-01T12:00:00"},
		},
		AccountID: "77",
		FetchedAt: testNow,
	}
}

func newTestServer(t *testing.T, p *fakePoller, photos PhotoSource, corsAll bool) (*Server, *state.EventBus) {
	t.Helper()
	bus := state.NewEventBus(testLogger())
	settings := map[string]any{"email": "parent@example.com", "password": "secret", "update_interval": 30}
	s := NewServer(p, photos, bus, settings, corsAll, testLogger())
	s.now = func() time.Time { return testNow }
	return s, bus
}

func do(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestStatus(t *testing.T) {
	p := &fakePoller{status: coordinator.Status{
		Status: state.Status{LastUpdateSuccess: true, UpdateInterval: 30 * time.Minute},
		Phase:  coordinator.PhasePublished,
	}}
	s, _ := newTestServer(t, p, nil, false)

	rec := do(t, s, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["last_update_success"])
	assert.Equal(t, "published", body["phase"])
	assert.Equal(t, false, body["paused"])
}

func TestSnapshotNotReady(t *testing.T) {
	s, _ := newTestServer(t, &fakePoller{}, nil, false)

	rec := do(t, s, http.MethodGet, "/api/snapshot")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/children/123/sensors")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSnapshot(t *testing.T) {
	s, _ := newTestServer(t, &fakePoller{snap: testSnapshot()}, nil, false)

	rec := do(t, s, http.MethodGet, "/api/snapshot")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "77", body["account_id"])
	assert.Len(t, body["children"], 2)
}

func TestChildren(t *testing.T) {
	p := &fakePoller{
		snap:   testSnapshot(),
		status: coordinator.Status{Status: state.Status{LastUpdateSuccess: true}},
	}
	s, _ := newTestServer(t, p, nil, false)

	rec := do(t, s, http.MethodGet, "/api/children")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Children []childResponse `json:"children"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Children, 2)
	assert.Equal(t, "123", body.Children[0].ID)
	assert.Equal(t, "Ada", body.Children[0].Name)
	assert.True(t, body.Children[0].Available)
	assert.Equal(t, "456", body.Children[1].ID)
}

func TestChildrenEmpty(t *testing.T) {
	s, _ := newTestServer(t, &fakePoller{}, nil, false)

	rec := do(t, s, http.MethodGet, "/api/children")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"children":[]}`, rec.Body.String())
}

func TestChildSensors(t *testing.T) {
	s, _ := newTestServer(t, &fakePoller{snap: testSnapshot()}, nil, false)

	rec := do(t, s, http.MethodGet, "/api/children/123/sensors")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		ID      string                 `json:"id"`
		Name    string                 `json:"name"`
		Sensors []entities.SensorState `json:"sensors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "123", body.ID)
	assert.Equal(t, "Ada", body.Name)

	values := map[string]any{}
	for _, st := range body.Sensors {
		values[st.Key] = st.Value
	}
	assert.Equal(t, float64(2), values["diaper_count"])
	assert.Equal(t, "awake", values["sleep_status"])

	rec = do(t, s, http.MethodGet, "/api/children/999/sensors")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChildPhoto(t *testing.T) {
	s, _ := newTestServer(t, &fakePoller{snap: testSnapshot()}, &fakePhotos{}, false)

	rec := do(t, s, http.MethodGet, "/api/children/123/photo")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, "555", rec.Header().Get("X-Photo-Id"))
	assert.Equal(t, "jpeg", rec.Body.String())

	rec = do(t, s, http.MethodGet, "/api/children/456/photo")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChildPhotoErrors(t *testing.T) {
	s, _ := newTestServer(t, &fakePoller{snap: testSnapshot()}, nil, false)
	rec := do(t, s, http.MethodGet, "/api/children/123/photo")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	s, _ = newTestServer(t, &fakePoller{snap: testSnapshot()}, &fakePhotos{err: errors.New("boom")}, false)
	rec = do(t, s, http.MethodGet, "/api/children/123/photo")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "boom")
}

func TestCalendar(t *testing.T) {
	s, _ := newTestServer(t, &fakePoller{snap: testSnapshot()}, nil, false)

	// Default window is the next 30 days.
	rec := do(t, s, http.MethodGet, "/api/calendar")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Events []entities.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Events, 1)
	assert.Equal(t, "Closed", body.Events[0].Title)
	assert.True(t, body.Events[0].AllDay)

	rec = do(t, s, http.MethodGet, "/api/calendar?start=2024-03-01T11:00:00Z&end=2024-03-02T00:00:00Z")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Events, 1)
	assert.Equal(t, "Picnic", body.Events[0].Title)

	rec = do(t, s, http.MethodGet, "/api/calendar?start=2025-01-01T00:00:00Z&end=2025-02-01T00:00:00Z")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"events":[]}`, rec.Body.String())
}

func TestCalendarBadParams(t *testing.T) {
	s, _ := newTestServer(t, &fakePoller{snap: testSnapshot()}, nil, false)

	rec := do(t, s, http.MethodGet, "/api/calendar?start=yesterday")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/calendar?start=2024-02-01T00:00:00Z&end=2024-01-01T00:00:00Z")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNextEvent(t *testing.T) {
	s, _ := newTestServer(t, &fakePoller{snap: testSnapshot()}, nil, false)

	rec := do(t, s, http.MethodGet, "/api/calendar/next")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Event *entities.Event `json:"event"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.Event)
	assert.Equal(t, "Closed", body.Event.Title)

	s, _ = newTestServer(t, &fakePoller{}, nil, false)
	rec = do(t, s, http.MethodGet, "/api/calendar/next")
	assert.JSONEq(t, `{"event":null}`, rec.Body.String())
}

func TestRefresh(t *testing.T) {
	p := &fakePoller{snap: testSnapshot()}
	s, _ := newTestServer(t, p, nil, false)

	rec := do(t, s, http.MethodPost, "/api/refresh")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, p.refreshes)

	rec = do(t, s, http.MethodGet, "/api/refresh")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRefreshErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"credentials", &coordinator.UpdateError{Kind: state.KindCredentials, Err: errors.New("bad password")}, http.StatusUnauthorized},
		{"transport", &coordinator.UpdateError{Kind: state.KindTransport, Err: errors.New("timeout")}, http.StatusBadGateway},
		{"shape", &coordinator.UpdateError{Kind: state.KindShape, Err: errors.New("no myKids")}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(t, &fakePoller{refreshErr: tt.err}, nil, false)
			rec := do(t, s, http.MethodPost, "/api/refresh")
			assert.Equal(t, tt.code, rec.Code)
			assert.NotEmpty(t, decode(t, rec)["error"])
		})
	}
}

func TestResume(t *testing.T) {
	p := &fakePoller{}
	s, _ := newTestServer(t, p, nil, false)

	rec := do(t, s, http.MethodPost, "/api/resume")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, p.resumed)
}

func TestRedact(t *testing.T) {
	in := map[string]any{
		"Email": "a@b.c",
		"nested": map[string]any{
			"PASSWORD": "x",
			"list":     []any{map[string]any{"Id": 1, "name": "Ada"}},
		},
		"keep": "me",
	}
	out := Redact(in).(map[string]any)
	assert.Equal(t, redacted, out["Email"])
	assert.Equal(t, "me", out["keep"])
	nested := out["nested"].(map[string]any)
	assert.Equal(t, redacted, nested["PASSWORD"])
	item := nested["list"].([]any)[0].(map[string]any)
	assert.Equal(t, redacted, item["Id"])
	assert.Equal(t, "Ada", item["name"])

	// Input is left untouched.
	assert.Equal(t, "a@b.c", in["Email"])
}

func TestDiagnostics(t *testing.T) {
	p := &fakePoller{
		snap: testSnapshot(),
		status: coordinator.Status{Status: state.Status{
			LastUpdateSuccess: true,
			LastSuccessAt:     testNow,
			UpdateInterval:    30 * time.Minute,
		}},
	}
	s, _ := newTestServer(t, p, nil, false)

	rec := do(t, s, http.MethodGet, "/api/diagnostics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)

	cfg := body["config"].(map[string]any)
	assert.Equal(t, redacted, cfg["email"])
	assert.Equal(t, redacted, cfg["password"])
	assert.Equal(t, float64(30), cfg["update_interval"])

	coord := body["coordinator"].(map[string]any)
	assert.Equal(t, true, coord["last_update_success"])
	assert.Equal(t, float64(1800), coord["update_interval"])
	assert.Equal(t, "2024-01-23T12:00:00Z", coord["last_update_time"])

	data := body["data"].(map[string]any)
	assert.Equal(t, redacted, data["account_id"])
	summary := data["children"].(map[string]any)["123"].(map[string]any)["summary"].(map[string]any)["summary"].(map[string]any)
	assert.Equal(t, redacted, summary["Id"])
	assert.Equal(t, float64(2), summary["nrOfDiapers"])
	assert.NotContains(t, rec.Body.String(), "secret")
}

func TestDiagnosticsBeforeFirstUpdate(t *testing.T) {
	s, _ := newTestServer(t, &fakePoller{}, nil, false)

	body := decode(t, do(t, s, http.MethodGet, "/api/diagnostics"))
	assert.Nil(t, body["data"])
	assert.Nil(t, body["coordinator"].(map[string]any)["last_update_time"])
}

func TestCORS(t *testing.T) {
	s, _ := newTestServer(t, &fakePoller{}, nil, true)

	rec := do(t, s, http.MethodOptions, "/api/status")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = do(t, s, http.MethodGet, "/api/status")
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	s, _ = newTestServer(t, &fakePoller{}, nil, false)
	rec = do(t, s, http.MethodGet, "/api/status")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestWebSocketStreamsEvents(t *testing.T) {
	p := &fakePoller{snap: testSnapshot()}
	s, bus := newTestServer(t, p, nil, false)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first map[string]any
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, string(state.EventSnapshotPublished), first["type"])

	// The subscription is registered before the initial frame is written.
	bus.Publish(state.Event{Type: state.EventUpdateFailed, Data: state.Status{LastError: "boom"}})

	var next map[string]any
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, string(state.EventUpdateFailed), next["type"])
	assert.Equal(t, "boom", next["data"].(map[string]any)["last_error"])
}
