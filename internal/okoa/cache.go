package okoa

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"okoa-go/internal/model"
)

// Source tells the caller where a FetchWithFallback response came from.
type Source string

const (
	SourceCache    Source = "cache"
	SourceNetwork  Source = "network"
	SourceFallback Source = "fallback" // cached root document served for an offline navigation
	SourceOffline  Source = "offline"  // synthetic network-error response
)

// offlineBody is the body of the synthetic response returned when the
// network is unreachable and nothing cached can stand in.
const offlineBody = "Network error occurred"

// Result is the outcome of FetchWithFallback. Response is always set.
// Err is set when the live fetch failed, even if a fallback was served.
type Result struct {
	Response *model.Snapshot
	Source   Source
	Err      error
}

// CacheSettings describes the application the cache fronts.
type CacheSettings struct {
	Origin   string // Scheme and host of the application, e.g. https://microokoa.example
	RootPath string // Root document served to offline navigations; defaults to "/"
}

// ContentCache serves reads cache-first and keeps the stored set consistent
// with the active generation.
type ContentCache struct {
	store    CacheStore
	network  Network
	origin   *url.URL
	rootPath string
	logger   Logger
	clock    Clock
	latency  LatencyRecorder
}

// NewContentCache creates a ContentCache for the origin in settings.
func NewContentCache(store CacheStore, network Network, settings CacheSettings, logger Logger, clock Clock, latency LatencyRecorder) (*ContentCache, error) {
	origin, err := normalizeURL(settings.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin: %w", err)
	}
	origin.Path = ""
	origin.RawPath = ""
	origin.RawQuery = ""

	root := strings.TrimSpace(settings.RootPath)
	if root == "" {
		root = "/"
	}
	if latency == nil {
		latency = NopRecorder{}
	}

	return &ContentCache{
		store:    store,
		network:  network,
		origin:   origin,
		rootPath: root,
		logger:   logger,
		clock:    clock,
		latency:  latency,
	}, nil
}

// Origin returns the normalized application origin.
func (c *ContentCache) Origin() string {
	return c.origin.String()
}

// Resolve turns a path or URL into an absolute URL against the origin.
func (c *ContentCache) Resolve(ref string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("parsing %q: %w", ref, err)
	}
	return c.origin.ResolveReference(u).String(), nil
}

// Prime fetches every manifest entry and stores them under generation.
//
// Priming fails closed: all entries are fetched before anything is written,
// and a single failed or non-cacheable fetch aborts the whole batch with
// nothing stored.
func (c *ContentCache) Prime(ctx context.Context, generation string, manifest []string) error {
	generation = strings.TrimSpace(generation)
	if generation == "" {
		return fmt.Errorf("generation is required")
	}

	requests := make([]*model.Request, 0, len(manifest))
	for _, ref := range manifest {
		abs, err := c.Resolve(ref)
		if err != nil {
			return fmt.Errorf("manifest entry %q: %w", ref, err)
		}
		if !sameOrigin(c.origin, abs) {
			return fmt.Errorf("manifest entry %q is cross-origin: %w", ref, ErrNotCacheable)
		}
		requests = append(requests, &model.Request{Method: http.MethodGet, URL: abs, Mode: model.ModeResource})
	}

	now := c.clock.Now()
	entries := make([]*model.CacheEntry, 0, len(requests))
	for _, req := range requests {
		snap, err := c.fetch(ctx, req)
		if err != nil {
			return fmt.Errorf("priming %s: %w", req.URL, err)
		}
		if !c.cacheable(req, snap) {
			return fmt.Errorf("priming %s: status %d: %w", req.URL, snap.StatusCode, ErrNotCacheable)
		}
		key, err := CacheKey(req.Method, req.URL)
		if err != nil {
			return fmt.Errorf("priming %s: %w", req.URL, err)
		}
		entries = append(entries, &model.CacheEntry{
			Key:        key,
			Generation: generation,
			Response:   *snap.Clone(),
			StoredAt:   now,
		})
	}

	if err := c.store.PutCacheEntries(ctx, entries); err != nil {
		return storageFailure("storing primed entries", err)
	}

	c.logger.Info("cache primed", "generation", generation, "entries", len(entries))
	return nil
}

// Lookup returns the active-generation entry for req, or nil on a miss.
// Only GET requests can be looked up; anything else is ErrNotCacheable.
func (c *ContentCache) Lookup(ctx context.Context, req *model.Request) (*model.CacheEntry, error) {
	if !isGet(req.Method) {
		return nil, fmt.Errorf("lookup %s %s: %w", req.Method, req.URL, ErrNotCacheable)
	}

	key, err := CacheKey(req.Method, req.URL)
	if err != nil {
		return nil, fmt.Errorf("lookup: %w", err)
	}

	generation, err := c.store.ActiveGeneration(ctx)
	if err != nil {
		return nil, storageFailure("reading active generation", err)
	}
	if generation == "" {
		return nil, nil
	}

	entry, err := c.store.GetCacheEntry(ctx, generation, key)
	if err != nil {
		return nil, storageFailure("reading cache entry", err)
	}
	return entry, nil
}

// FetchWithFallback serves req from the cache when possible and from the
// network otherwise. It never fails: network errors produce a fallback or a
// synthetic offline response with Result.Err wrapping ErrNetworkUnavailable.
func (c *ContentCache) FetchWithFallback(ctx context.Context, req *model.Request) Result {
	intercept := isGet(req.Method) && sameOrigin(c.origin, req.URL)

	if intercept {
		entry, err := c.Lookup(ctx, req)
		if err != nil {
			c.logger.Warn("cache lookup failed", "url", req.URL, "error", err)
		} else if entry != nil {
			c.logger.Debug("cache hit", "url", req.URL)
			return Result{Response: entry.Response.Clone(), Source: SourceCache}
		}
	}

	snap, err := c.fetch(ctx, req)
	if err != nil {
		return c.fallback(ctx, req, err)
	}

	if intercept && c.cacheable(req, snap) {
		c.put(ctx, req, snap)
	}

	return Result{Response: snap, Source: SourceNetwork}
}

// Activate deletes every entry outside generation and marks it active.
// It is safe to call on first install, when nothing is stored yet.
func (c *ContentCache) Activate(ctx context.Context, generation string) error {
	generation = strings.TrimSpace(generation)
	if generation == "" {
		return fmt.Errorf("generation is required")
	}

	removed, err := c.store.DeleteCacheEntriesExcept(ctx, generation)
	if err != nil {
		return storageFailure("deleting old generations", err)
	}
	if err := c.store.SetActiveGeneration(ctx, generation, c.clock.Now()); err != nil {
		return storageFailure("recording active generation", err)
	}

	c.logger.Info("cache generation activated", "generation", generation, "removed", removed)
	return nil
}

// ActiveGeneration returns the active generation tag, or "" before the first
// activation.
func (c *ContentCache) ActiveGeneration(ctx context.Context) (string, error) {
	generation, err := c.store.ActiveGeneration(ctx)
	if err != nil {
		return "", storageFailure("reading active generation", err)
	}
	return generation, nil
}

// EntryCount returns the number of entries stored in the active generation.
func (c *ContentCache) EntryCount(ctx context.Context) (int64, error) {
	generation, err := c.ActiveGeneration(ctx)
	if err != nil || generation == "" {
		return 0, err
	}
	n, err := c.store.CountCacheEntries(ctx, generation)
	if err != nil {
		return 0, storageFailure("counting cache entries", err)
	}
	return n, nil
}

// Refresh bypasses the cache for each path, fetches it live and overwrites the
// stored entry in the active generation. Individual failures are logged and
// skipped. Returns the number of entries refreshed.
func (c *ContentCache) Refresh(ctx context.Context, paths []string) (int, error) {
	generation, err := c.ActiveGeneration(ctx)
	if err != nil {
		return 0, err
	}
	if generation == "" {
		return 0, fmt.Errorf("no active cache generation")
	}

	refreshed := 0
	for _, p := range paths {
		abs, err := c.Resolve(p)
		if err != nil || !sameOrigin(c.origin, abs) {
			c.logger.Warn("skipping refresh of non-cacheable path", "path", p)
			continue
		}

		req := &model.Request{Method: http.MethodGet, URL: abs, Mode: model.ModeResource}
		snap, err := c.fetch(ctx, req)
		if err != nil {
			c.logger.Warn("refresh fetch failed", "url", abs, "error", err)
			continue
		}
		if !c.cacheable(req, snap) {
			c.logger.Warn("refresh response not cacheable", "url", abs, "status", snap.StatusCode)
			continue
		}

		entry := c.entryFor(generation, req, snap)
		if err := c.store.PutCacheEntry(ctx, entry); err != nil {
			c.logger.Warn("storing refreshed entry failed", "url", abs, "error", err)
			continue
		}
		refreshed++
	}

	c.logger.Info("cache refreshed", "generation", generation, "refreshed", refreshed, "requested", len(paths))
	return refreshed, nil
}

// fetch performs a live fetch and normalizes its error to ErrNetworkUnavailable.
func (c *ContentCache) fetch(ctx context.Context, req *model.Request) (*model.Snapshot, error) {
	start := time.Now()
	snap, err := c.network.Fetch(ctx, req)
	c.latency.Record("origin.fetch", time.Since(start))
	if err != nil {
		if errors.Is(err, ErrNetworkUnavailable) {
			return nil, err
		}
		return nil, Unavailable(err)
	}
	if snap.URL == "" {
		snap.URL = req.URL
	}
	return snap, nil
}

// cacheable reports whether a live response may be stored: GET, status 200,
// and a same-origin final URL.
func (c *ContentCache) cacheable(req *model.Request, snap *model.Snapshot) bool {
	return isGet(req.Method) &&
		snap.StatusCode == http.StatusOK &&
		sameOrigin(c.origin, req.URL) &&
		sameOrigin(c.origin, snap.URL)
}

// put stores a clone of snap under the active generation. Caching is best
// effort: failures are logged and the caller still serves the live response.
func (c *ContentCache) put(ctx context.Context, req *model.Request, snap *model.Snapshot) {
	generation, err := c.store.ActiveGeneration(ctx)
	if err != nil {
		c.logger.Warn("caching response failed", "url", req.URL, "error", storageFailure("reading active generation", err))
		return
	}
	if generation == "" {
		c.logger.Debug("no active generation, response not cached", "url", req.URL)
		return
	}
	if err := c.store.PutCacheEntry(ctx, c.entryFor(generation, req, snap)); err != nil {
		c.logger.Warn("caching response failed", "url", req.URL, "error", storageFailure("storing cache entry", err))
	}
}

func (c *ContentCache) entryFor(generation string, req *model.Request, snap *model.Snapshot) *model.CacheEntry {
	key, _ := CacheKey(req.Method, req.URL)
	return &model.CacheEntry{
		Key:        key,
		Generation: generation,
		Response:   *snap.Clone(),
		StoredAt:   c.clock.Now(),
	}
}

// fallback answers a request whose live fetch failed.
func (c *ContentCache) fallback(ctx context.Context, req *model.Request, cause error) Result {
	c.logger.Info("fetch failed, serving offline response", "url", req.URL, "error", cause)

	if req.Mode == model.ModeNavigate {
		root, err := c.Resolve(c.rootPath)
		if err == nil {
			entry, err := c.Lookup(ctx, &model.Request{Method: http.MethodGet, URL: root, Mode: model.ModeNavigate})
			if err != nil {
				c.logger.Warn("root document lookup failed", "error", err)
			} else if entry != nil {
				return Result{Response: entry.Response.Clone(), Source: SourceFallback, Err: cause}
			}
		}
	}

	header := http.Header{}
	header.Set("Content-Type", "text/plain; charset=utf-8")
	return Result{
		Response: &model.Snapshot{
			URL:        req.URL,
			StatusCode: http.StatusRequestTimeout,
			Header:     header,
			Body:       []byte(offlineBody),
		},
		Source: SourceOffline,
		Err:    cause,
	}
}

func isGet(method string) bool {
	return method == "" || strings.EqualFold(method, http.MethodGet)
}
