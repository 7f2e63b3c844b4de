package risk

import (
	"math"
	"sort"

	"github.com/xela07ax/signal-risk-engine/internal/domain"
)

// FeatureBaseline - эталонное распределение одного признака.
type FeatureBaseline struct {
	Name   string
	Mean   float64
	StdDev float64
}

// Значения для индексов без эталона
const (
	fallbackMean   = 0.0
	fallbackStdDev = 1.0
)

const (
	mildZ    = 1.5
	severeZ  = 2.5 // он же порог isOutlier
	zScaling = 3.0

	weightStructural  = 0.3
	weightBehavioral  = 0.4
	weightStatistical = 0.3
)

// DefaultURLBaselines - эталон признаков из ExtractURLFeatures.
var DefaultURLBaselines = []FeatureBaseline{
	FeatURLLength:    {Name: "url_length", Mean: 45, StdDev: 20},
	FeatHostLength:   {Name: "host_length", Mean: 15, StdDev: 6},
	FeatPathLength:   {Name: "path_length", Mean: 15, StdDev: 12},
	FeatSubdomains:   {Name: "subdomains", Mean: 1, StdDev: 0.8},
	FeatHostDigits:   {Name: "host_digits", Mean: 0.5, StdDev: 1.2},
	FeatHostHyphens:  {Name: "host_hyphens", Mean: 0.3, StdDev: 0.7},
	FeatQueryParams:  {Name: "query_params", Mean: 1, StdDev: 1.5},
	FeatKeywordHits:  {Name: "keyword_hits", Mean: 0.3, StdDev: 0.6},
	FeatSpecialChars: {Name: "special_chars", Mean: 3, StdDev: 2.5},
	FeatHostEntropy:  {Name: "host_entropy", Mean: 3.2, StdDev: 0.5},
	FeatIsHTTPS:      {Name: "is_https", Mean: 0.9, StdDev: 0.3},
	FeatPathDepth:    {Name: "path_depth", Mean: 2, StdDev: 1.3},
}

var (
	defaultStructural = []int{FeatURLLength, FeatHostLength, FeatPathLength, FeatSubdomains, FeatHostDigits, FeatHostHyphens}
	defaultBehavioral = []int{FeatQueryParams, FeatKeywordHits, FeatSpecialChars, FeatHostEntropy, FeatIsHTTPS, FeatPathDepth}
)

// AnomalyScore - результат оценки вектора признаков.
type AnomalyScore struct {
	Overall     float64   `json:"overall"`
	Structural  float64   `json:"structural"`
	Behavioral  float64   `json:"behavioral"`
	Statistical float64   `json:"statistical"`
	IsOutlier   bool      `json:"is_outlier"`
	ZScores     []float64 `json:"z_scores"`
}

// Deviation - вклад одного признака для объяснения результата.
type Deviation struct {
	Index    int     `json:"index"`
	Name     string  `json:"name"`
	Value    float64 `json:"value"`
	Expected float64 `json:"expected"`
	ZScore   float64 `json:"z_score"`
}

// AnomalyDetector сравнивает вектор признаков фиксированной схемы со статическим эталоном.
// Без состояния, безопасен для конкурентного использования.
type AnomalyDetector struct {
	baselines  []FeatureBaseline
	structural []int
	behavioral []int
}

// NewAnomalyDetector - детектор с эталоном признаков URL.
func NewAnomalyDetector() *AnomalyDetector {
	return NewAnomalyDetectorWith(DefaultURLBaselines, defaultStructural, defaultBehavioral)
}

// NewAnomalyDetectorWith - произвольная схема. structural и behavioral не должны пересекаться.
func NewAnomalyDetectorWith(baselines []FeatureBaseline, structural, behavioral []int) *AnomalyDetector {
	return &AnomalyDetector{baselines: baselines, structural: structural, behavioral: behavioral}
}

func (d *AnomalyDetector) baseline(i int) FeatureBaseline {
	if i < len(d.baselines) {
		b := d.baselines[i]
		if b.StdDev != 0 {
			return b
		}
		return FeatureBaseline{Name: b.Name, Mean: b.Mean, StdDev: fallbackStdDev}
	}
	return FeatureBaseline{Mean: fallbackMean, StdDev: fallbackStdDev}
}

func (d *AnomalyDetector) zScores(features []float64) []float64 {
	z := make([]float64, len(features))
	for i, v := range features {
		b := d.baseline(i)
		z[i] = (v - b.Mean) / b.StdDev
	}
	return z
}

func (d *AnomalyDetector) Score(features []float64) AnomalyScore {
	z := d.zScores(features)
	s := AnomalyScore{
		Structural: rmsScore(z, d.structural),
		Behavioral: rmsScore(z, d.behavioral),
		ZScores:    z,
	}

	var mild, severe int
	var sumAbs float64
	for _, v := range z {
		a := math.Abs(v)
		sumAbs += a
		switch {
		case a > severeZ:
			severe++
		case a > mildZ:
			mild++
		}
	}
	s.IsOutlier = severe > 0

	if len(z) > 0 {
		countScore := domain.Clamp01((0.5*float64(mild) + 1.0*float64(severe)) / zScaling)
		meanAbs := domain.Clamp01(sumAbs / float64(len(z)) / zScaling)
		s.Statistical = (countScore + meanAbs) / 2
	}

	s.Overall = domain.Clamp01(weightStructural*s.Structural + weightBehavioral*s.Behavioral + weightStatistical*s.Statistical)
	return s
}

func rmsScore(z []float64, indices []int) float64 {
	var sum float64
	n := 0
	for _, i := range indices {
		if i < 0 || i >= len(z) {
			continue
		}
		sum += z[i] * z[i]
		n++
	}
	if n == 0 {
		return 0
	}
	return domain.Clamp01(math.Sqrt(sum/float64(n)) / zScaling)
}

// TopDeviations - n признаков с наибольшим |z| по убыванию.
func (d *AnomalyDetector) TopDeviations(features []float64, n int) []Deviation {
	z := d.zScores(features)
	out := make([]Deviation, len(z))
	for i := range z {
		b := d.baseline(i)
		out[i] = Deviation{Index: i, Name: b.Name, Value: features[i], Expected: b.Mean, ZScore: z[i]}
	}
	sort.SliceStable(out, func(i, j int) bool { return math.Abs(out[i].ZScore) > math.Abs(out[j].ZScore) })
	if n >= 0 && n < len(out) {
		out = out[:n]
	}
	return out
}
