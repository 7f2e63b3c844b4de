package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/xela07ax/signal-risk-engine/internal/threatfeed"
)

// HTTPFeed - удаленный threat-feed поверх Executor.
// Контракт сервиса: GET {base}/v1/lookup?url=... или ?host=... -> {"matches": [Entry...]}.
// 404 означает "совпадений нет".
type HTTPFeed struct {
	base   string
	source string
	exec   *Executor
}

var _ threatfeed.Feed = (*HTTPFeed)(nil)

// NewHTTPFeed: source подставляется в записи без собственного источника.
func NewHTTPFeed(baseURL, source string, exec *Executor) *HTTPFeed {
	return &HTTPFeed{base: strings.TrimRight(baseURL, "/"), source: source, exec: exec}
}

type lookupResponse struct {
	Matches []threatfeed.Entry `json:"matches"`
}

func (f *HTTPFeed) LookupURL(ctx context.Context, rawURL string) ([]threatfeed.Entry, error) {
	return f.lookup(ctx, url.Values{"url": {rawURL}})
}

func (f *HTTPFeed) LookupHost(ctx context.Context, host string) ([]threatfeed.Entry, error) {
	return f.lookup(ctx, url.Values{"host": {threatfeed.NormalizeHost(host)}})
}

func (f *HTTPFeed) lookup(ctx context.Context, q url.Values) ([]threatfeed.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.base+"/v1/lookup?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("http feed: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.exec.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("http feed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("http feed: unexpected status %d", resp.StatusCode)
	}

	var body lookupResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return nil, fmt.Errorf("http feed: decode: %w", err)
	}
	for i := range body.Matches {
		if body.Matches[i].Source == "" {
			body.Matches[i].Source = f.source
		}
	}
	return body.Matches, nil
}
