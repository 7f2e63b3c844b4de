package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/signal-risk-engine/internal/domain"
)

func (s *Server) getBaseline(w http.ResponseWriter, r *http.Request) {
	key, ok := parseKey(chi.URLParam(r, "actor"), chi.URLParam(r, "resource"))
	if !ok {
		writeError(w, http.StatusBadRequest, "bad actor or resource")
		return
	}

	rec, err := s.deps.Baselines.Get(r.Context(), key)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "baseline not found")
	case err != nil:
		s.logger.Error("baseline read failed", zap.String("key", key.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

type refreshRequest struct {
	ActorID      string `json:"actor_id,omitempty"`
	ResourceType string `json:"resource_type,omitempty"`
}

// refreshBaselines: с ключом - пересчет одной пары, без тела - полный обход.
func (s *Server) refreshBaselines(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}

	if req.ActorID == "" && req.ResourceType == "" {
		if err := s.deps.Refresher.RefreshAll(r.Context()); err != nil {
			s.logger.Error("refresh all failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
		return
	}

	key, ok := parseKey(req.ActorID, req.ResourceType)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad actor or resource")
		return
	}
	outcome, err := s.deps.Refresher.Recompute(r.Context(), key)
	if err != nil {
		s.logger.Error("recompute failed", zap.String("key", key.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "recompute failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(outcome)})
}

func parseKey(actor, resource string) (domain.BaselineKey, bool) {
	res, ok := domain.ParseResourceType(resource)
	if !ok || actor == "" {
		return domain.BaselineKey{}, false
	}
	return domain.BaselineKey{ActorID: actor, Resource: res}, true
}
