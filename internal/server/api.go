package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	errs "github.com/pointsink/pointsink/internal/errors"
)

// writeJSON writes v as a JSON response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Meta.Health(r.Context()); err != nil {
		writeAPIError(w, http.StatusServiceUnavailable, "metastore unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.opts.Meta.ListSessions(r.Context())
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	agg, err := s.opts.Meta.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		if errs.Is(err, errs.ErrSessionNotFound) {
			writeAPIError(w, http.StatusNotFound, "session not found")
			return
		}
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

func (s *Server) handleSessionScans(w http.ResponseWriter, r *http.Request) {
	scans, err := s.opts.Meta.GetScansBySession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scans": scans})
}

// handleScansByRange serves GET /api/scans?start=<ms>&end=<ms>. The range is
// half-open: start inclusive, end exclusive.
func (s *Server) handleScansByRange(w http.ResponseWriter, r *http.Request) {
	start, err := parseMsParam(r, "start", 0)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid start")
		return
	}
	end, err := parseMsParam(r, "end", int64(1)<<62)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid end")
		return
	}

	scans, err := s.opts.Meta.GetScansByTimeRange(r.Context(), start, end)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scans": scans})
}

func parseMsParam(r *http.Request, name string, def int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"queue":    s.opts.Queue.Stats(),
		"registry": s.opts.Registry.Stats(),
	}
	if s.opts.Ingest != nil {
		out["ingest"] = s.opts.Ingest.Stats()
	}
	if s.opts.Sweeper != nil {
		out["retention"] = s.opts.Sweeper.Stats()
	}
	if st, err := s.opts.Meta.Stats(r.Context()); err == nil {
		out["store"] = st
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"connections": s.opts.Registry.ListActive(),
	})
}
