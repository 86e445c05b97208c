package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/websocket"

	"github.com/trymwestin/dailyconnect/internal/core/coordinator"
	"github.com/trymwestin/dailyconnect/internal/core/state"
	"github.com/trymwestin/dailyconnect/internal/entities"
)

// Poller is the coordinator surface the API needs.
type Poller interface {
	Snapshot() *state.Snapshot
	Status() coordinator.Status
	Refresh(ctx context.Context) (*state.Snapshot, error)
	Resume()
}

var _ Poller = (*coordinator.Coordinator)(nil)

// PhotoSource returns a child's latest photo.
type PhotoSource interface {
	Latest(ctx context.Context, childID string, child state.ChildSnapshot) (entities.Photo, bool, error)
}

// Server is the HTTP API server.
type Server struct {
	poller   Poller
	photos   PhotoSource
	bus      *state.EventBus
	settings map[string]any
	corsAll  bool
	log      *slog.Logger
	mux      *http.ServeMux
	upgrader websocket.Upgrader
	now      func() time.Time
}

// NewServer creates a new HTTP API server. settings is echoed, redacted, by
// the diagnostics endpoint.
func NewServer(
	poller Poller,
	photos PhotoSource,
	bus *state.EventBus,
	settings map[string]any,
	corsAll bool,
	log *slog.Logger,
) *Server {
	s := &Server{
		poller:   poller,
		photos:   photos,
		bus:      bus,
		settings: settings,
		corsAll:  corsAll,
		log:      log,
		mux:      http.NewServeMux(),
		upgrader: newUpgrader(corsAll),
		now:      time.Now,
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	if !s.corsAll {
		return s.mux
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.corsHeaders(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.mux.ServeHTTP(w, r)
	})
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/status", s.handleGetStatus)
	s.mux.HandleFunc("GET /api/snapshot", s.handleGetSnapshot)
	s.mux.HandleFunc("GET /api/children", s.handleGetChildren)
	s.mux.HandleFunc("GET /api/children/{id}/sensors", s.handleGetChildSensors)
	s.mux.HandleFunc("GET /api/children/{id}/photo", s.handleGetChildPhoto)
	s.mux.HandleFunc("GET /api/calendar", s.handleGetCalendar)
	s.mux.HandleFunc("GET /api/calendar/next", s.handleGetNextEvent)
	s.mux.HandleFunc("GET /api/diagnostics", s.handleGetDiagnostics)
	s.mux.HandleFunc("GET /api/ws", s.handleWebSocket)

	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	s.mux.HandleFunc("POST /api/resume", s.handleResume)
}

func (s *Server) corsHeaders(w http.ResponseWriter) {
	if s.corsAll {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	s.corsHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.corsHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// child resolves the {id} path value against the latest snapshot.
func (s *Server) child(w http.ResponseWriter, r *http.Request) (string, state.ChildSnapshot, bool) {
	id := r.PathValue("id")
	snap := s.poller.Snapshot()
	if snap == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no data yet")
		return "", state.ChildSnapshot{}, false
	}
	c, ok := snap.Child(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown child "+id)
		return "", state.ChildSnapshot{}, false
	}
	return id, c, true
}

// --- Handlers ---

func (s *Server) handleGetStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.poller.Status())
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, _ *http.Request) {
	snap := s.poller.Snapshot()
	if snap == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no data yet")
		return
	}
	s.writeJSON(w, snap)
}

type childResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

func (s *Server) handleGetChildren(w http.ResponseWriter, _ *http.Request) {
	snap := s.poller.Snapshot()
	st := s.poller.Status().Status
	children := []childResponse{}
	if snap != nil {
		for id, c := range snap.Children {
			children = append(children, childResponse{ID: id, Name: c.Name, Available: entities.Available(st, snap, id)})
		}
	}
	sort.Slice(children, func(i, j int) bool { return children[i].ID < children[j].ID })
	s.writeJSON(w, map[string]interface{}{"children": children})
}

func (s *Server) handleGetChildSensors(w http.ResponseWriter, r *http.Request) {
	id, c, ok := s.child(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, map[string]interface{}{
		"id":      id,
		"name":    c.Name,
		"sensors": entities.Evaluate(c),
	})
}

func (s *Server) handleGetChildPhoto(w http.ResponseWriter, r *http.Request) {
	if s.photos == nil {
		s.writeError(w, http.StatusServiceUnavailable, "photos are not enabled")
		return
	}
	id, c, ok := s.child(w, r)
	if !ok {
		return
	}
	photo, found, err := s.photos.Latest(r.Context(), id, c)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, "failed to fetch photo: "+err.Error())
		return
	}
	if !found {
		s.writeError(w, http.StatusNotFound, "no photo today")
		return
	}
	s.corsHeaders(w)
	w.Header().Set("Content-Type", photo.ContentType)
	w.Header().Set("X-Photo-Id", photo.ID)
	w.Write(photo.Data)
}

func (s *Server) handleGetCalendar(w http.ResponseWriter, r *http.Request) {
	start := s.now()
	end := start.AddDate(0, 0, 30)
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"start", &start}, {"end", &end}} {
		v := r.URL.Query().Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid "+p.name+": "+err.Error())
			return
		}
		*p.dst = t
	}
	if end.Before(start) {
		s.writeError(w, http.StatusBadRequest, "end is before start")
		return
	}

	events := entities.EventsBetween(s.poller.Snapshot(), start, end)
	if events == nil {
		events = []entities.Event{}
	}
	s.writeJSON(w, map[string]interface{}{"events": events})
}

func (s *Server) handleGetNextEvent(w http.ResponseWriter, _ *http.Request) {
	ev, ok := entities.NextEvent(s.poller.Snapshot(), s.now())
	if !ok {
		s.writeJSON(w, map[string]interface{}{"event": nil})
		return
	}
	s.writeJSON(w, map[string]interface{}{"event": ev})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	_, err := s.poller.Refresh(r.Context())
	if err != nil {
		code := http.StatusBadGateway
		var uerr *coordinator.UpdateError
		if errors.As(err, &uerr) && uerr.Kind == state.KindCredentials {
			code = http.StatusUnauthorized
		}
		s.writeError(w, code, err.Error())
		return
	}
	s.writeJSON(w, s.poller.Status())
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.poller.Resume()
	s.writeJSON(w, map[string]string{"status": "ok"})
}
