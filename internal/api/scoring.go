package api

import (
	"net/http"
	"strings"

	"github.com/xela07ax/signal-risk-engine/internal/risk"
)

const defaultTopDeviations = 3

type evaluateURLRequest struct {
	URL string `json:"url"`
}

func (s *Server) evaluateURL(w http.ResponseWriter, r *http.Request) {
	var req evaluateURLRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Scorer.Evaluate(r.Context(), req.URL))
}

// Либо готовый вектор признаков, либо URL, из которого он извлекается.
type anomalyRequest struct {
	Features []float64 `json:"features,omitempty"`
	URL      string    `json:"url,omitempty"`
	Top      int       `json:"top,omitempty"`
}

type anomalyResponse struct {
	risk.AnomalyScore
	Features      []float64        `json:"features"`
	TopDeviations []risk.Deviation `json:"top_deviations"`
}

func (s *Server) scoreAnomaly(w http.ResponseWriter, r *http.Request) {
	var req anomalyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	features := req.Features
	if req.URL != "" {
		features = risk.ExtractURLFeatures(req.URL)
		if features == nil {
			writeError(w, http.StatusUnprocessableEntity, "unparsable url")
			return
		}
	}
	if len(features) == 0 {
		writeError(w, http.StatusBadRequest, "features or url is required")
		return
	}

	top := req.Top
	if top <= 0 {
		top = defaultTopDeviations
	}
	writeJSON(w, http.StatusOK, anomalyResponse{
		AnomalyScore:  s.deps.Anomaly.Score(features),
		Features:      features,
		TopDeviations: s.deps.Anomaly.TopDeviations(features, top),
	})
}
