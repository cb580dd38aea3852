package network

import (
	"context"
	"net/http"
	"time"

	"okoa-go/internal/okoa"
)

// HTTPProber reports the origin reachable when a HEAD request gets any answer.
type HTTPProber struct {
	client *http.Client
	url    string
}

// NewHTTPProber creates a prober for url.
func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		client: &http.Client{Timeout: timeout},
		url:    url,
	}
}

func (p *HTTPProber) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

var _ okoa.Prober = (*HTTPProber)(nil)
