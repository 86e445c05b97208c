package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
)

const redacted = "**REDACTED**"

// redactKeys are matched case-insensitively at any depth.
var redactKeys = map[string]bool{
	"email":      true,
	"password":   true,
	"id":         true,
	"account_id": true,
}

// Redact returns a copy of v with sensitive keys replaced. v is first
// normalized through JSON so structs are handled like maps.
func Redact(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil
	}
	return redactValue(generic)
}

func redactValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			if redactKeys[strings.ToLower(k)] {
				out[k] = redacted
				continue
			}
			out[k] = redactValue(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = redactValue(val)
		}
		return out
	default:
		return v
	}
}

func (s *Server) handleGetDiagnostics(w http.ResponseWriter, _ *http.Request) {
	st := s.poller.Status()

	coord := map[string]any{
		"last_update_success": st.LastUpdateSuccess,
		"last_update_time":    nil,
		"update_interval":     st.UpdateInterval.Seconds(),
		"phase":               st.Phase,
		"paused":              st.Paused,
		"last_error":          st.LastError,
		"last_error_kind":     st.LastErrorKind,
	}
	if !st.LastSuccessAt.IsZero() {
		coord["last_update_time"] = st.LastSuccessAt
	}

	var data any
	if snap := s.poller.Snapshot(); snap != nil {
		data = Redact(snap)
	}

	s.writeJSON(w, map[string]any{
		"config":      Redact(s.settings),
		"coordinator": coord,
		"data":        data,
	})
}
