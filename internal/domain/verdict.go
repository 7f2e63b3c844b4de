package domain

import "math"

// VerdictStatus - итог оценки риска.
type VerdictStatus string

const (
	VerdictClean      VerdictStatus = "CLEAN"
	VerdictUnknown    VerdictStatus = "UNKNOWN"
	VerdictSuspicious VerdictStatus = "SUSPICIOUS"
	VerdictMalicious  VerdictStatus = "MALICIOUS"
)

// RiskVerdict создается заново на каждый вызов и ядром не персистится.
type RiskVerdict struct {
	Provider string            `json:"provider"`
	Status   VerdictStatus     `json:"status"`
	Score    float64           `json:"score"`
	Details  map[string]string `json:"details"`
}

// Clamp01 прижимает значение к [0,1]. NaN считаем нулем.
func Clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
