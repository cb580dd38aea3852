package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"okoa-go/internal/model"
	"okoa-go/internal/okoa"
)

// DefaultMaxBodyBytes caps a response body read from the origin.
const DefaultMaxBodyBytes = 32 << 20

// ErrBodyTooLarge means the origin answered with a body over the configured cap.
var ErrBodyTooLarge = errors.New("response body too large")

// hopHeaders are connection-scoped and never copied into a Snapshot.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// HTTPNetwork fetches requests from the origin with an http.Client.
type HTTPNetwork struct {
	client       *http.Client
	maxBodyBytes int64
	userAgent    string
}

// Option configures an HTTPNetwork.
type Option func(*HTTPNetwork)

// WithClient replaces the default client.
func WithClient(c *http.Client) Option {
	return func(n *HTTPNetwork) { n.client = c }
}

// WithMaxBodyBytes caps response bodies. Values <= 0 keep the default.
func WithMaxBodyBytes(max int64) Option {
	return func(n *HTTPNetwork) {
		if max > 0 {
			n.maxBodyBytes = max
		}
	}
}

// WithUserAgent sets the User-Agent sent when the request carries none.
func WithUserAgent(ua string) Option {
	return func(n *HTTPNetwork) { n.userAgent = ua }
}

// NewHTTPNetwork creates an HTTPNetwork whose fetches time out after timeout.
func NewHTTPNetwork(timeout time.Duration, opts ...Option) *HTTPNetwork {
	n := &HTTPNetwork{
		client:       &http.Client{Timeout: timeout},
		maxBodyBytes: DefaultMaxBodyBytes,
		userAgent:    "okoa",
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Fetch performs req against the origin. Any HTTP status is a Snapshot;
// only transport failures are errors, and they wrap ErrNetworkUnavailable.
func (n *HTTPNetwork) Fetch(ctx context.Context, req *model.Request) (*model.Snapshot, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	removeHopHeaders(httpReq.Header)
	if httpReq.Header.Get("User-Agent") == "" && n.userAgent != "" {
		httpReq.Header.Set("User-Agent", n.userAgent)
	}

	resp, err := n.client.Do(httpReq)
	if err != nil {
		return nil, okoa.Unavailable(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, n.maxBodyBytes+1))
	if err != nil {
		return nil, okoa.Unavailable(fmt.Errorf("reading body of %s: %w", req.URL, err))
	}
	if int64(len(body)) > n.maxBodyBytes {
		return nil, fmt.Errorf("%s: %w (limit %d bytes)", req.URL, ErrBodyTooLarge, n.maxBodyBytes)
	}

	header := resp.Header.Clone()
	removeHopHeaders(header)
	// The body is stored decoded and whole.
	header.Del("Content-Length")

	finalURL := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	return &model.Snapshot{
		URL:        finalURL,
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       body,
	}, nil
}

func removeHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

var _ okoa.Network = (*HTTPNetwork)(nil)
