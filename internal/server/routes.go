package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/workspace/cli-supervisor/internal/supervisor"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListSessions returns all sessions, optionally filtered by the
// status, cliType or tag query parameters.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	var sessions []supervisor.Session
	switch {
	case r.URL.Query().Get("status") != "":
		sessions = s.sup.SessionsByStatus(supervisor.Status(r.URL.Query().Get("status")))
	case r.URL.Query().Get("cliType") != "":
		sessions = s.sup.SessionsByCLIType(r.URL.Query().Get("cliType"))
	case r.URL.Query().Get("tag") != "":
		sessions = s.sup.SessionsByTag(r.URL.Query().Get("tag"))
	default:
		sessions = s.sup.Sessions()
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sup.GetSession(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, supervisor.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleSessionLogs returns the session's retained log tail. The limit query
// parameter bounds the number of entries; absent or non-positive means all.
func (s *Server) handleSessionLogs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	entries, err := s.sup.SessionLogs(r.PathValue("id"), limit)
	if err != nil {
		if errors.Is(err, supervisor.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.GetStats())
}

func (s *Server) handleHostInfo(w http.ResponseWriter, r *http.Request) {
	snap, err := s.host.Collect()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
