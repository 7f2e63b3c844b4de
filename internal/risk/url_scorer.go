package risk

import (
	"context"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/xela07ax/signal-risk-engine/internal/domain"
	"github.com/xela07ax/signal-risk-engine/internal/engine"
	"github.com/xela07ax/signal-risk-engine/internal/infra"
	"github.com/xela07ax/signal-risk-engine/internal/threatfeed"
)

const ProviderHeuristicURL = "heuristic_url"

// Чувствительность: score = 1 - e^(-raw*k)
const sensitivity = 0.9

// Веса сигналов
const (
	weightNonHTTPS      = 0.25
	weightIPHost        = 0.6
	weightPunycode      = 0.45
	weightDeepSubdomain = 0.2
	weightRiskyTLD      = 0.3
	weightDigitRatio    = 0.2
	weightHyphens       = 0.25
	weightLongHost      = 0.15
	weightCredentials   = 0.5
	weightKeywordHit    = 0.12
	maxKeywordWeight    = 0.36
	weightLongPath      = 0.1
	weightLongQuery     = 0.1
	weightTokenParam    = 0.15
	weightBrandSpoof    = 0.9
	feedWeightFactor    = 2.0

	minSubdomainDepth  = 3
	maxDigitRatio      = 0.3
	minHyphens         = 3
	minLongHost        = 28
	maxPathLength      = 60
	maxQueryLength     = 80
	feedMaliciousScore = 0.6
)

// Thresholds - пороги статусов вердикта.
type Thresholds struct {
	Malicious  float64
	Suspicious float64
	Low        float64
}

var DefaultThresholds = Thresholds{Malicious: 0.7, Suspicious: 0.45, Low: 0.25}

var riskyTLDs = map[string]struct{}{
	"zip": {}, "xyz": {}, "top": {}, "tk": {}, "ml": {}, "ga": {}, "cf": {}, "gq": {}, "work": {},
	"click": {}, "country": {}, "kim": {}, "loan": {}, "men": {}, "mov": {}, "review": {}, "rest": {}, "cam": {},
}

var tokenParams = map[string]struct{}{
	"token": {}, "access_token": {}, "auth": {}, "session": {}, "sessionid": {}, "sid": {},
	"jwt": {}, "apikey": {}, "api_key": {}, "key": {},
}

// brandDomains - бренд и его легитимные базовые домены.
var brandDomains = map[string][]string{
	"amazon":     {"amazon.com", "amazon.co.uk", "amazon.de", "amazonaws.com"},
	"apple":      {"apple.com", "icloud.com"},
	"chase":      {"chase.com"},
	"facebook":   {"facebook.com", "fb.com", "fbcdn.net"},
	"google":     {"google.com", "google.co.uk", "googleusercontent.com", "gmail.com"},
	"instagram":  {"instagram.com"},
	"microsoft":  {"microsoft.com", "live.com", "outlook.com", "office.com", "microsoftonline.com"},
	"netflix":    {"netflix.com"},
	"paypal":     {"paypal.com", "paypal.me", "paypalobjects.com"},
	"wellsfargo": {"wellsfargo.com"},
	"whatsapp":   {"whatsapp.com", "whatsapp.net"},
}

// Короткие бренды сравниваются только с целой меткой: "chase" не должен ловить "purchase".
const minContainedBrand = 6

var sortedBrands = func() []string {
	out := make([]string, 0, len(brandDomains))
	for b := range brandDomains {
		out = append(out, b)
	}
	sort.Strings(out)
	return out
}()

// URLScorer - эвристическая оценка URL плюс опциональный threat-feed.
// Никогда не возвращает ошибку: сбои фида попадают в details.
type URLScorer struct {
	feed       threatfeed.Feed
	anomaly    *AnomalyDetector
	thresholds Thresholds
	metrics    *engine.Metrics
	logger     *zap.Logger
}

type ScorerOption func(*URLScorer)

func WithThresholds(t Thresholds) ScorerOption {
	return func(s *URLScorer) { s.thresholds = t }
}

// WithAnomalyDetector добавляет в details под-оценки детектора аномалий.
func WithAnomalyDetector(d *AnomalyDetector) ScorerOption {
	return func(s *URLScorer) { s.anomaly = d }
}

func WithMetrics(m *engine.Metrics) ScorerOption {
	return func(s *URLScorer) { s.metrics = m }
}

// NewURLScorer: feed может быть nil.
func NewURLScorer(feed threatfeed.Feed, logger *zap.Logger, opts ...ScorerOption) *URLScorer {
	s := &URLScorer{
		feed:       feed,
		thresholds: DefaultThresholds,
		logger:     logger.Named("url_scorer"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = engine.NewMetrics(nil)
	}
	return s
}

func (s *URLScorer) Evaluate(ctx context.Context, rawURL string) domain.RiskVerdict {
	started := time.Now()
	ctx, span := infra.StartSpan(ctx, "url.evaluate")
	defer span.End()

	v := s.evaluate(ctx, rawURL)

	span.SetAttributes(attribute.String("verdict.status", string(v.Status)), attribute.Float64("verdict.score", v.Score))
	s.metrics.Verdicts.WithLabelValues(v.Provider, string(v.Status)).Inc()
	s.metrics.ScoreDuration.Observe(time.Since(started).Seconds())
	return v
}

func (s *URLScorer) evaluate(ctx context.Context, rawURL string) domain.RiskVerdict {
	t, ok := parseTarget(rawURL)
	if !ok {
		return domain.RiskVerdict{
			Provider: ProviderHeuristicURL,
			Status:   domain.VerdictMalicious,
			Score:    1,
			Details:  map[string]string{"error": "unparsable_url"},
		}
	}

	details := map[string]string{"host": t.host}
	if t.base != "" {
		details["base_domain"] = t.base
	}

	signals, spoofBrand := structuralSignals(t)
	if spoofBrand != "" {
		details["spoof_brand"] = spoofBrand
	}

	feedHit, feedMax := s.lookupFeed(ctx, t, details)
	if feedHit {
		signals["threat_feed"] = feedWeightFactor * feedMax
	}

	var raw float64
	for _, w := range signals {
		raw += w
	}
	score := domain.Clamp01(1 - math.Exp(-raw*sensitivity))

	details["signals"] = formatSignals(signals)
	details["raw"] = strconv.FormatFloat(raw, 'f', 4, 64)

	if s.anomaly != nil {
		if f := ExtractURLFeatures(rawURL); f != nil {
			a := s.anomaly.Score(f)
			details["anomaly_overall"] = strconv.FormatFloat(a.Overall, 'f', 4, 64)
			details["anomaly_structural"] = strconv.FormatFloat(a.Structural, 'f', 4, 64)
			details["anomaly_behavioral"] = strconv.FormatFloat(a.Behavioral, 'f', 4, 64)
			details["anomaly_outlier"] = strconv.FormatBool(a.IsOutlier)
		}
	}

	return domain.RiskVerdict{
		Provider: ProviderHeuristicURL,
		Status:   s.status(score, feedHit, feedMax, spoofBrand != ""),
		Score:    score,
		Details:  details,
	}
}

func (s *URLScorer) status(score float64, feedHit bool, feedMax float64, spoof bool) domain.VerdictStatus {
	th := s.thresholds
	switch {
	case feedHit && feedMax >= feedMaliciousScore,
		score >= th.Malicious,
		spoof && score >= th.Suspicious:
		return domain.VerdictMalicious
	case feedHit, score >= th.Suspicious:
		return domain.VerdictSuspicious
	case score >= th.Low:
		return domain.VerdictUnknown
	default:
		return domain.VerdictClean
	}
}

// structuralSignals собирает веса по самому URL, без внешних источников.
func structuralSignals(t target) (map[string]float64, string) {
	signals := make(map[string]float64)
	host := t.host

	if t.url.Scheme != "https" {
		signals["non_https"] = weightNonHTTPS
	}
	switch {
	case t.ip:
		signals["ip_host"] = weightIPHost
	case isNumericHost(host):
		signals["hex_host"] = weightIPHost
	}
	if strings.Contains(host, "xn--") {
		signals["punycode"] = weightPunycode
	}
	if t.subdomainDepth() >= minSubdomainDepth {
		signals["deep_subdomain"] = weightDeepSubdomain
	}
	if _, ok := riskyTLDs[t.tld()]; ok && !t.ip {
		signals["risky_tld"] = weightRiskyTLD
	}
	if !t.ip && float64(countDigits(host))/float64(len(host)) > maxDigitRatio {
		signals["digit_ratio"] = weightDigitRatio
	}
	if strings.Count(host, "-") >= minHyphens {
		signals["hyphens"] = weightHyphens
	}
	if len(host) >= minLongHost {
		signals["long_host"] = weightLongHost
	}
	if t.url.User != nil || strings.Contains(t.raw, "@") {
		signals["credentials_in_url"] = weightCredentials
	}
	if hits := keywordHits(t.raw); hits > 0 {
		signals["urgent_keywords"] = math.Min(float64(hits)*weightKeywordHit, maxKeywordWeight)
	}
	if len(t.url.EscapedPath()) > maxPathLength {
		signals["long_path"] = weightLongPath
	}
	if len(t.url.RawQuery) > maxQueryLength {
		signals["long_query"] = weightLongQuery
	}
	for name := range t.url.Query() {
		if _, ok := tokenParams[strings.ToLower(name)]; ok {
			signals["token_param"] = weightTokenParam
			break
		}
	}

	brand := spoofedBrand(t)
	if brand != "" {
		signals["brand_spoof"] = weightBrandSpoof
	}
	return signals, brand
}

// isNumericHost ловит адреса вида 0x7f.0x0.0x0.0x1, 0x7f000001 или 2130706433.
func isNumericHost(host string) bool {
	for _, label := range strings.Split(host, ".") {
		digits := label
		hex := strings.HasPrefix(label, "0x")
		if hex {
			digits = label[2:]
		}
		if digits == "" {
			return false
		}
		for _, r := range digits {
			isDec := r >= '0' && r <= '9'
			isHex := isDec || (r >= 'a' && r <= 'f')
			if (hex && !isHex) || (!hex && !isDec) {
				return false
			}
		}
	}
	return true
}

func spoofedBrand(t target) string {
	if t.ip {
		return ""
	}
	tokens := strings.FieldsFunc(t.host, func(r rune) bool { return r == '.' || r == '-' })
	for _, brand := range sortedBrands {
		if !hostMentions(tokens, brand) {
			continue
		}
		legit := false
		for _, d := range brandDomains[brand] {
			if t.base == d {
				legit = true
				break
			}
		}
		if !legit {
			return brand
		}
	}
	return ""
}

func hostMentions(tokens []string, brand string) bool {
	for _, tok := range tokens {
		if tok == brand || (len(brand) >= minContainedBrand && strings.Contains(tok, brand)) {
			return true
		}
	}
	return false
}

// lookupFeed ищет URL и хост в фиде. Ошибка фида не прерывает оценку.
func (s *URLScorer) lookupFeed(ctx context.Context, t target, details map[string]string) (hit bool, maxScore float64) {
	if s.feed == nil {
		return false, 0
	}

	var entries []threatfeed.Entry
	var failures []string

	byURL, err := s.feed.LookupURL(ctx, t.raw)
	if err != nil {
		failures = append(failures, err.Error())
	}
	entries = append(entries, byURL...)

	byHost, err := s.feed.LookupHost(ctx, t.host)
	if err != nil {
		failures = append(failures, err.Error())
	}
	entries = append(entries, byHost...)

	if len(failures) > 0 {
		details["feed_error"] = strings.Join(failures, "; ")
		s.logger.Warn("threat feed lookup failed", zap.String("host", t.host), zap.Strings("errors", failures))
	}
	if len(entries) == 0 {
		return false, 0
	}

	sources := make(map[string]struct{})
	for _, e := range entries {
		maxScore = math.Max(maxScore, threatfeed.NormalizeScore(e.Score))
		sources[e.Source] = struct{}{}
	}
	names := make([]string, 0, len(sources))
	for src := range sources {
		names = append(names, src)
	}
	sort.Strings(names)

	details["feed_sources"] = strings.Join(names, ",")
	details["feed_max_score"] = strconv.FormatFloat(maxScore, 'f', 4, 64)
	return true, maxScore
}

// formatSignals - "name=weight" через запятую, по имени.
func formatSignals(signals map[string]float64) string {
	names := make([]string, 0, len(signals))
	for name := range signals {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+strconv.FormatFloat(signals[name], 'f', -1, 64))
	}
	return strings.Join(parts, ",")
}
