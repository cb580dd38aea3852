package server

import (
	"net/http"
	"strconv"
	"strings"

	"okoa-go/internal/model"
	"okoa-go/internal/okoa"
)

// SourceHeader tells clients where a proxied response came from.
const SourceHeader = "X-Okoa-Source"

// forwardHeaders are the request headers passed on to the origin. Everything
// else is dropped, since cached responses are shared by all clients.
var forwardHeaders = []string{
	"Accept",
	"Accept-Language",
	"User-Agent",
}

// handleProxy serves any non-API path through the content cache.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse("writes must be submitted to /api/outbox"))
		return
	}

	target, err := s.cache.Resolve(r.URL.RequestURI())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request path"))
		return
	}

	req := toRequest(r, target)
	res := s.cache.FetchWithFallback(r.Context(), req)
	if res.Err != nil {
		s.logger.Warn("origin unreachable", "url", target, "source", res.Source, "error", res.Err)
	}

	writeSnapshot(w, r, res)
}

// toRequest converts an incoming request into a cache request for target.
// HEAD is looked up as GET so it shares cached entries.
func toRequest(r *http.Request, target string) *model.Request {
	header := http.Header{}
	for _, name := range forwardHeaders {
		if v := r.Header.Values(name); len(v) > 0 {
			header[http.CanonicalHeaderKey(name)] = append([]string(nil), v...)
		}
	}

	mode := model.ModeResource
	if isNavigation(r) {
		mode = model.ModeNavigate
	}
	return &model.Request{
		Method: http.MethodGet,
		URL:    target,
		Header: header,
		Mode:   mode,
	}
}

// isNavigation reports whether r loads a full page. Browsers say so with
// Sec-Fetch-Mode; older clients are recognised by asking for HTML.
func isNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func writeSnapshot(w http.ResponseWriter, r *http.Request, res okoa.Result) {
	snap := res.Response
	h := w.Header()
	for k, vs := range snap.Header {
		h[k] = append([]string(nil), vs...)
	}
	h.Set(SourceHeader, string(res.Source))
	h.Set("Content-Length", strconv.Itoa(len(snap.Body)))

	w.WriteHeader(snap.StatusCode)
	if r.Method == http.MethodHead {
		return
	}
	w.Write(snap.Body)
}
