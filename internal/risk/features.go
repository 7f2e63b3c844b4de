package risk

import (
	"math"
	"net/netip"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// target - разобранный URL, общий для скорера и извлечения признаков.
type target struct {
	raw  string
	url  *url.URL
	host string
	ip   bool
	base string // eTLD+1, пусто для IP и нераспознанных суффиксов
}

// parseTarget допускает URL без схемы: "evil.com/login" читается как http.
func parseTarget(raw string) (target, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return target{}, false
	}
	withScheme := raw
	if !strings.Contains(raw, "://") {
		withScheme = "http://" + raw
	}

	u, err := url.Parse(withScheme)
	if err != nil {
		return target{raw: raw}, false
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return target{raw: raw}, false
	}

	t := target{raw: raw, url: u, host: host}
	if _, err := netip.ParseAddr(host); err == nil {
		t.ip = true
		return t, true
	}
	if base, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		t.base = base
	}
	return t, true
}

// subdomainDepth - сколько меток стоит перед базовым доменом.
func (t target) subdomainDepth() int {
	if t.ip || t.base == "" || t.host == t.base {
		return 0
	}
	return strings.Count(strings.TrimSuffix(t.host, "."+t.base), ".") + 1
}

func (t target) tld() string {
	if i := strings.LastIndexByte(t.host, '.'); i >= 0 {
		return t.host[i+1:]
	}
	return t.host
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}

var urgentKeywords = []string{
	"verify", "update", "secure", "account", "password", "confirm", "suspend", "locked",
	"urgent", "billing", "unlock", "limited", "expire", "alert", "wallet", "login",
}

func keywordHits(s string) int {
	s = strings.ToLower(s)
	hits := 0
	for _, kw := range urgentKeywords {
		if strings.Contains(s, kw) {
			hits++
		}
	}
	return hits
}

const specialChars = "@~%=&?_;!$*+,"

// shannonEntropy в битах на символ.
func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	freq := make(map[rune]int)
	n := 0
	for _, r := range s {
		freq[r]++
		n++
	}
	var h float64
	for _, c := range freq {
		p := float64(c) / float64(n)
		h -= p * math.Log2(p)
	}
	return h
}

// Индексы признаков URL
const (
	FeatURLLength = iota
	FeatHostLength
	FeatPathLength
	FeatSubdomains
	FeatHostDigits
	FeatHostHyphens
	FeatQueryParams
	FeatKeywordHits
	FeatSpecialChars
	FeatHostEntropy
	FeatIsHTTPS
	FeatPathDepth
	URLFeatureCount
)

// ExtractURLFeatures строит вектор признаков фиксированной длины для AnomalyDetector.
// Для нераспознанного URL возвращается nil.
func ExtractURLFeatures(rawURL string) []float64 {
	t, ok := parseTarget(rawURL)
	if !ok {
		return nil
	}

	f := make([]float64, URLFeatureCount)
	f[FeatURLLength] = float64(len(t.raw))
	f[FeatHostLength] = float64(len(t.host))
	f[FeatPathLength] = float64(len(t.url.EscapedPath()))
	f[FeatSubdomains] = float64(t.subdomainDepth())
	f[FeatHostDigits] = float64(countDigits(t.host))
	f[FeatHostHyphens] = float64(strings.Count(t.host, "-"))
	f[FeatQueryParams] = float64(len(t.url.Query()))
	f[FeatKeywordHits] = float64(keywordHits(t.raw))
	for _, r := range t.raw {
		if strings.ContainsRune(specialChars, r) {
			f[FeatSpecialChars]++
		}
	}
	f[FeatHostEntropy] = shannonEntropy(t.host)
	if t.url.Scheme == "https" {
		f[FeatIsHTTPS] = 1
	}
	for _, seg := range strings.Split(t.url.Path, "/") {
		if seg != "" {
			f[FeatPathDepth]++
		}
	}
	return f
}
