package api

import (
	"net/http"
	"strings"

	"github.com/xela07ax/signal-risk-engine/internal/domain"
)

func (s *Server) cacheStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Cache.Stats())
}

// resetCacheStats обнуляет счетчики, содержимое кэша остается.
func (s *Server) resetCacheStats(w http.ResponseWriter, _ *http.Request) {
	s.deps.Cache.ResetStats()
	w.WriteHeader(http.StatusNoContent)
}

// invalidateVerdict выбрасывает вердикт одного URL: следующая оценка пойдет мимо кэша.
func (s *Server) invalidateVerdict(w http.ResponseWriter, r *http.Request) {
	var req evaluateURLRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	if !s.deps.Verdicts.Invalidate(req.URL) {
		writeError(w, http.StatusNotFound, "verdict not cached")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) updateSession(w http.ResponseWriter, r *http.Request) {
	var req domain.SessionContext
	if !decodeJSON(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Session.Update(req))
}
