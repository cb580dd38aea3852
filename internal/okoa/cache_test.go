package okoa_test

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"okoa-go/internal/model"
	"okoa-go/internal/okoa"
	"okoa-go/internal/testutil"
)

const origin = "https://microokoa.example"

func newTestCache(t *testing.T) (*okoa.ContentCache, *testutil.FakeNetwork) {
	t.Helper()
	db := testutil.NewTestDatabase(t)
	network := testutil.NewFakeNetwork()
	network.SetPage(origin+"/", "text/html", "<h1>home</h1>")
	network.SetPage(origin+"/about", "text/html", "<h1>about</h1>")
	network.SetPage(origin+"/app.js", "application/javascript", "console.log('okoa')")

	cache, err := okoa.NewContentCache(db, network, okoa.CacheSettings{Origin: origin}, okoa.NewNopLogger(), testutil.FixedClock(), nil)
	if err != nil {
		t.Fatalf("NewContentCache() error = %v", err)
	}
	return cache, network
}

func installed(t *testing.T, generation string) (*okoa.ContentCache, *testutil.FakeNetwork) {
	t.Helper()
	cache, network := newTestCache(t)
	ctx := context.Background()
	if err := cache.Prime(ctx, generation, []string{"/", "/about", "/app.js"}); err != nil {
		t.Fatalf("Prime() error = %v", err)
	}
	if err := cache.Activate(ctx, generation); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	return cache, network
}

func get(url string) *model.Request {
	return &model.Request{Method: http.MethodGet, URL: url, Mode: model.ModeResource}
}

func navigate(url string) *model.Request {
	return &model.Request{Method: http.MethodGet, URL: url, Mode: model.ModeNavigate}
}

func TestContentCache_Prime(t *testing.T) {
	t.Run("stores every manifest entry", func(t *testing.T) {
		cache, _ := installed(t, "v1")

		n, err := cache.EntryCount(context.Background())
		if err != nil {
			t.Fatalf("EntryCount() error = %v", err)
		}
		if n != 3 {
			t.Errorf("EntryCount() = %d, want 3", n)
		}
	})

	t.Run("fails closed when an entry cannot be fetched", func(t *testing.T) {
		cache, network := newTestCache(t)
		network.Fail(origin + "/about")
		ctx := context.Background()

		err := cache.Prime(ctx, "v1", []string{"/", "/about", "/app.js"})
		if !errors.Is(err, okoa.ErrNetworkUnavailable) {
			t.Fatalf("Prime() error = %v, want ErrNetworkUnavailable", err)
		}

		if err := cache.Activate(ctx, "v1"); err != nil {
			t.Fatal(err)
		}
		if n, _ := cache.EntryCount(ctx); n != 0 {
			t.Errorf("EntryCount() = %d, want 0 after failed prime", n)
		}
	})

	t.Run("fails closed on a non-200 entry", func(t *testing.T) {
		cache, _ := newTestCache(t)

		err := cache.Prime(context.Background(), "v1", []string{"/", "/missing"})
		if !errors.Is(err, okoa.ErrNotCacheable) {
			t.Errorf("Prime() error = %v, want ErrNotCacheable", err)
		}
	})

	t.Run("rejects cross-origin entries", func(t *testing.T) {
		cache, network := newTestCache(t)

		err := cache.Prime(context.Background(), "v1", []string{"/", "https://cdn.example/lib.js"})
		if !errors.Is(err, okoa.ErrNotCacheable) {
			t.Errorf("Prime() error = %v, want ErrNotCacheable", err)
		}
		if network.TotalCalls() != 0 {
			t.Errorf("network called %d times, want 0", network.TotalCalls())
		}
	})

	t.Run("requires a generation", func(t *testing.T) {
		cache, _ := newTestCache(t)
		if err := cache.Prime(context.Background(), " ", []string{"/"}); err == nil {
			t.Error("Prime() expected error for empty generation")
		}
	})
}

func TestContentCache_FetchWithFallback(t *testing.T) {
	ctx := context.Background()

	t.Run("cache hit makes no network call", func(t *testing.T) {
		cache, network := installed(t, "v1")
		before := network.Calls(origin + "/about")

		res := cache.FetchWithFallback(ctx, get(origin+"/about"))
		if res.Source != okoa.SourceCache {
			t.Errorf("Source = %q, want cache", res.Source)
		}
		if string(res.Response.Body) != "<h1>about</h1>" {
			t.Errorf("Body = %q", res.Response.Body)
		}
		if network.Calls(origin+"/about") != before {
			t.Error("cache hit should not touch the network")
		}
	})

	t.Run("url normalization finds the cached entry", func(t *testing.T) {
		cache, _ := installed(t, "v1")

		res := cache.FetchWithFallback(ctx, get("HTTPS://MicroOkoa.example:443/about#team"))
		if res.Source != okoa.SourceCache {
			t.Errorf("Source = %q, want cache", res.Source)
		}
	})

	t.Run("miss is fetched and cached", func(t *testing.T) {
		cache, network := installed(t, "v1")
		network.SetPage(origin+"/rates", "application/json", `{"kes":1}`)

		first := cache.FetchWithFallback(ctx, get(origin+"/rates"))
		if first.Source != okoa.SourceNetwork {
			t.Fatalf("first Source = %q, want network", first.Source)
		}
		second := cache.FetchWithFallback(ctx, get(origin+"/rates"))
		if second.Source != okoa.SourceCache {
			t.Errorf("second Source = %q, want cache", second.Source)
		}
		if network.Calls(origin+"/rates") != 1 {
			t.Errorf("network calls = %d, want 1", network.Calls(origin+"/rates"))
		}
	})

	t.Run("error responses are passed through uncached", func(t *testing.T) {
		cache, network := installed(t, "v1")
		network.SetResponse(origin+"/broken", http.StatusInternalServerError, "text/plain", "boom")

		for i := 0; i < 2; i++ {
			res := cache.FetchWithFallback(ctx, get(origin+"/broken"))
			if res.Source != okoa.SourceNetwork || res.Response.StatusCode != http.StatusInternalServerError {
				t.Errorf("attempt %d: Source = %q status = %d", i, res.Source, res.Response.StatusCode)
			}
		}
		if network.Calls(origin+"/broken") != 2 {
			t.Errorf("network calls = %d, want 2", network.Calls(origin+"/broken"))
		}
	})

	t.Run("non-GET requests pass through", func(t *testing.T) {
		cache, network := installed(t, "v1")
		req := &model.Request{Method: http.MethodPost, URL: origin + "/about"}

		res := cache.FetchWithFallback(ctx, req)
		if res.Source != okoa.SourceNetwork {
			t.Errorf("Source = %q, want network", res.Source)
		}
		if network.Calls(origin+"/about") != 2 {
			t.Errorf("network calls = %d, want 2 (prime + post)", network.Calls(origin+"/about"))
		}
	})

	t.Run("cross-origin requests are never cached", func(t *testing.T) {
		cache, network := installed(t, "v1")
		const other = "https://cdn.example/lib.js"
		network.SetPage(other, "application/javascript", "lib")

		cache.FetchWithFallback(ctx, get(other))
		res := cache.FetchWithFallback(ctx, get(other))
		if res.Source != okoa.SourceNetwork {
			t.Errorf("Source = %q, want network", res.Source)
		}
		if network.Calls(other) != 2 {
			t.Errorf("network calls = %d, want 2", network.Calls(other))
		}
	})

	t.Run("nothing is cached without an active generation", func(t *testing.T) {
		cache, network := newTestCache(t)

		cache.FetchWithFallback(ctx, get(origin+"/about"))
		cache.FetchWithFallback(ctx, get(origin+"/about"))
		if network.Calls(origin+"/about") != 2 {
			t.Errorf("network calls = %d, want 2", network.Calls(origin+"/about"))
		}
	})

	t.Run("offline navigation falls back to the root document", func(t *testing.T) {
		cache, network := installed(t, "v1")
		network.SetOffline(true)

		res := cache.FetchWithFallback(ctx, navigate(origin+"/donate"))
		if res.Source != okoa.SourceFallback {
			t.Fatalf("Source = %q, want fallback", res.Source)
		}
		if string(res.Response.Body) != "<h1>home</h1>" {
			t.Errorf("Body = %q, want root document", res.Response.Body)
		}
		if !errors.Is(res.Err, okoa.ErrNetworkUnavailable) {
			t.Errorf("Err = %v, want ErrNetworkUnavailable", res.Err)
		}
	})

	t.Run("offline resource gets a synthetic 408", func(t *testing.T) {
		cache, network := installed(t, "v1")
		network.SetOffline(true)

		res := cache.FetchWithFallback(ctx, get(origin+"/img/logo.png"))
		if res.Source != okoa.SourceOffline {
			t.Fatalf("Source = %q, want offline", res.Source)
		}
		if res.Response.StatusCode != http.StatusRequestTimeout {
			t.Errorf("StatusCode = %d, want 408", res.Response.StatusCode)
		}
		if string(res.Response.Body) != "Network error occurred" {
			t.Errorf("Body = %q", res.Response.Body)
		}
		if ct := res.Response.Header.Get("Content-Type"); ct != "text/plain; charset=utf-8" {
			t.Errorf("Content-Type = %q", ct)
		}
	})

	t.Run("offline navigation before install gets a synthetic 408", func(t *testing.T) {
		cache, network := newTestCache(t)
		network.SetOffline(true)

		res := cache.FetchWithFallback(ctx, navigate(origin+"/"))
		if res.Source != okoa.SourceOffline {
			t.Errorf("Source = %q, want offline", res.Source)
		}
	})

	t.Run("served responses do not share buffers with the cache", func(t *testing.T) {
		cache, _ := installed(t, "v1")

		res := cache.FetchWithFallback(ctx, get(origin+"/about"))
		res.Response.Body[0] = 'X'

		again := cache.FetchWithFallback(ctx, get(origin+"/about"))
		if string(again.Response.Body) != "<h1>about</h1>" {
			t.Errorf("cached body mutated: %q", again.Response.Body)
		}
	})
}

func TestContentCache_Lookup(t *testing.T) {
	cache, _ := installed(t, "v1")
	ctx := context.Background()

	entry, err := cache.Lookup(ctx, get(origin+"/about"))
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if entry == nil || entry.Generation != "v1" {
		t.Fatalf("Lookup() = %+v, want v1 entry", entry)
	}

	entry, err = cache.Lookup(ctx, get(origin+"/nope"))
	if err != nil || entry != nil {
		t.Errorf("Lookup(miss) = %v, %v; want nil, nil", entry, err)
	}

	_, err = cache.Lookup(ctx, &model.Request{Method: http.MethodPut, URL: origin + "/about"})
	if !errors.Is(err, okoa.ErrNotCacheable) {
		t.Errorf("Lookup(PUT) error = %v, want ErrNotCacheable", err)
	}
}

func TestContentCache_Activate(t *testing.T) {
	ctx := context.Background()

	t.Run("new generation replaces the old one", func(t *testing.T) {
		cache, network := installed(t, "v1")
		network.SetPage(origin+"/", "text/html", "<h1>home v2</h1>")

		if err := cache.Prime(ctx, "v2", []string{"/"}); err != nil {
			t.Fatalf("Prime(v2) error = %v", err)
		}

		// v1 stays active until v2 is activated.
		res := cache.FetchWithFallback(ctx, get(origin+"/"))
		if string(res.Response.Body) != "<h1>home</h1>" {
			t.Errorf("before activation Body = %q, want v1 content", res.Response.Body)
		}

		if err := cache.Activate(ctx, "v2"); err != nil {
			t.Fatalf("Activate(v2) error = %v", err)
		}
		gen, _ := cache.ActiveGeneration(ctx)
		if gen != "v2" {
			t.Errorf("ActiveGeneration() = %q, want v2", gen)
		}

		res = cache.FetchWithFallback(ctx, get(origin+"/"))
		if string(res.Response.Body) != "<h1>home v2</h1>" {
			t.Errorf("after activation Body = %q, want v2 content", res.Response.Body)
		}
		if n, _ := cache.EntryCount(ctx); n != 1 {
			t.Errorf("EntryCount() = %d, want 1", n)
		}

		// v1-only entries are gone.
		network.SetOffline(true)
		if res := cache.FetchWithFallback(ctx, get(origin+"/about")); res.Source != okoa.SourceOffline {
			t.Errorf("Source = %q, want offline for purged entry", res.Source)
		}
	})

	t.Run("first activation with nothing stored", func(t *testing.T) {
		cache, _ := newTestCache(t)
		if err := cache.Activate(ctx, "v1"); err != nil {
			t.Fatalf("Activate() error = %v", err)
		}
		if n, err := cache.EntryCount(ctx); err != nil || n != 0 {
			t.Errorf("EntryCount() = %d, %v; want 0, nil", n, err)
		}
	})
}

func TestContentCache_Refresh(t *testing.T) {
	ctx := context.Background()

	t.Run("overwrites stored entries", func(t *testing.T) {
		cache, network := installed(t, "v1")
		network.SetPage(origin+"/about", "text/html", "<h1>about, updated</h1>")

		n, err := cache.Refresh(ctx, []string{"/about", "/missing", "https://cdn.example/x"})
		if err != nil {
			t.Fatalf("Refresh() error = %v", err)
		}
		if n != 1 {
			t.Errorf("Refresh() = %d, want 1", n)
		}

		res := cache.FetchWithFallback(ctx, get(origin+"/about"))
		if string(res.Response.Body) != "<h1>about, updated</h1>" {
			t.Errorf("Body = %q, want refreshed content", res.Response.Body)
		}
	})

	t.Run("requires an active generation", func(t *testing.T) {
		cache, _ := newTestCache(t)
		if _, err := cache.Refresh(ctx, []string{"/"}); err == nil {
			t.Error("Refresh() expected error without active generation")
		}
	})
}

func TestCacheKey(t *testing.T) {
	tests := []struct {
		name   string
		method string
		url    string
		want   string
	}{
		{name: "default method", url: "https://a.example/x", want: "GET https://a.example/x"},
		{name: "lower-cases host", method: "get", url: "HTTPS://A.Example/x", want: "GET https://a.example/x"},
		{name: "drops default port", method: "GET", url: "https://a.example:443/x", want: "GET https://a.example/x"},
		{name: "keeps other port", method: "GET", url: "http://a.example:8080/x", want: "GET http://a.example:8080/x"},
		{name: "empty path", method: "GET", url: "https://a.example", want: "GET https://a.example/"},
		{name: "keeps query drops fragment", method: "GET", url: "https://a.example/x?b=2&a=1#top", want: "GET https://a.example/x?b=2&a=1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := okoa.CacheKey(tt.method, tt.url)
			if err != nil {
				t.Fatalf("CacheKey() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("CacheKey() = %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := okoa.CacheKey("GET", "/relative"); err == nil {
		t.Error("CacheKey() expected error for relative url")
	}
}

// failingCacheStore refuses every single-entry cache write.
type failingCacheStore struct {
	okoa.CacheStore
}

func (failingCacheStore) PutCacheEntry(context.Context, *model.CacheEntry) error {
	return errors.New("disk I/O error")
}

func TestContentCache_FetchWithFallback_StorageFailure(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewTestDatabase(t)
	network := testutil.NewFakeNetwork()
	network.SetPage(origin+"/", "text/html", "<h1>home</h1>")
	network.SetPage(origin+"/rates", "text/html", "<p>live rates</p>")

	healthy, err := okoa.NewContentCache(db, network, okoa.CacheSettings{Origin: origin}, okoa.NewNopLogger(), testutil.FixedClock(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := healthy.Prime(ctx, "v1", []string{"/"}); err != nil {
		t.Fatal(err)
	}
	if err := healthy.Activate(ctx, "v1"); err != nil {
		t.Fatal(err)
	}

	broken, err := okoa.NewContentCache(failingCacheStore{db}, network, okoa.CacheSettings{Origin: origin}, okoa.NewNopLogger(), testutil.FixedClock(), nil)
	if err != nil {
		t.Fatal(err)
	}

	res := broken.FetchWithFallback(ctx, get(origin+"/rates"))
	if res.Source != okoa.SourceNetwork || res.Err != nil {
		t.Fatalf("FetchWithFallback() source = %s err = %v, want live network response", res.Source, res.Err)
	}
	if res.Response.StatusCode != http.StatusOK || string(res.Response.Body) != "<p>live rates</p>" {
		t.Errorf("FetchWithFallback() = %d %q", res.Response.StatusCode, res.Response.Body)
	}

	entry, err := healthy.Lookup(ctx, get(origin+"/rates"))
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if entry != nil {
		t.Error("failed cache write should leave nothing stored")
	}
}
