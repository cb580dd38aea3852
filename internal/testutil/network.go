package testutil

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"okoa-go/internal/model"
	"okoa-go/internal/okoa"
)

// FakeNetwork serves canned responses keyed by URL. Unknown URLs answer 404.
// Safe for concurrent use.
type FakeNetwork struct {
	mu       sync.Mutex
	pages    map[string]*model.Snapshot
	failures map[string]bool
	offline  bool
	calls    map[string]int
	total    int
}

// NewFakeNetwork creates an empty, online FakeNetwork.
func NewFakeNetwork() *FakeNetwork {
	return &FakeNetwork{
		pages:    make(map[string]*model.Snapshot),
		failures: make(map[string]bool),
		calls:    make(map[string]int),
	}
}

// SetPage serves body with status 200 at url.
func (n *FakeNetwork) SetPage(url, contentType, body string) {
	n.SetResponse(url, http.StatusOK, contentType, body)
}

// SetResponse serves body with the given status at url.
func (n *FakeNetwork) SetResponse(url string, status int, contentType, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	header := http.Header{}
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	n.pages[url] = &model.Snapshot{URL: url, StatusCode: status, Header: header, Body: []byte(body)}
}

// SetRedirect serves the page stored at target when url is fetched, with the
// final URL set to target.
func (n *FakeNetwork) SetRedirect(url, target string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	page, ok := n.pages[target]
	if !ok {
		page = &model.Snapshot{URL: target, StatusCode: http.StatusOK, Header: http.Header{}}
	}
	n.pages[url] = page
}

// Fail makes fetches of url fail as unreachable.
func (n *FakeNetwork) Fail(url string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures[url] = true
}

// SetOffline makes every fetch fail as unreachable.
func (n *FakeNetwork) SetOffline(offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = offline
}

// Calls returns how many times url was fetched.
func (n *FakeNetwork) Calls(url string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[url]
}

// TotalCalls returns the number of fetches made.
func (n *FakeNetwork) TotalCalls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.total
}

func (n *FakeNetwork) Fetch(ctx context.Context, req *model.Request) (*model.Snapshot, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.calls[req.URL]++
	n.total++

	if n.offline || n.failures[req.URL] {
		return nil, okoa.Unavailable(fmt.Errorf("fetching %s: connection refused", req.URL))
	}
	if err := ctx.Err(); err != nil {
		return nil, okoa.Unavailable(err)
	}

	page, ok := n.pages[req.URL]
	if !ok {
		return &model.Snapshot{URL: req.URL, StatusCode: http.StatusNotFound, Header: http.Header{}, Body: []byte("not found")}, nil
	}
	return page.Clone(), nil
}

// Probe reports whether the network is online.
func (n *FakeNetwork) Probe(ctx context.Context) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return !n.offline
}

var (
	_ okoa.Network = (*FakeNetwork)(nil)
	_ okoa.Prober  = (*FakeNetwork)(nil)
)
