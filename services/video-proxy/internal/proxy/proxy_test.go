package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap/zaptest"

	"github.com/example/streamgate/internal/platform/auth"
	"github.com/example/streamgate/internal/platform/fetch"
	"github.com/example/streamgate/internal/platform/httpserver"
)

const publicBase = "https://edge.example.com/video-proxy"

func newTestProxy(t *testing.T, cfg Config) http.Handler {
	t.Helper()
	if cfg.PublicURL == "" {
		cfg.PublicURL = publicBase
	}
	client := fetch.New(fetch.Config{MaxAttempts: 1, RetryBaseDelay: time.Millisecond})
	h := New(client, cfg, WithLogger(zaptest.NewLogger(t)))
	r := chi.NewRouter()
	httpserver.SetupRouter(r)
	h.Routes(r, auth.RequireAPIKey(nil))
	return r
}

func proxyRequest(target string, extra url.Values) *http.Request {
	q := url.Values{}
	q.Set("url", target)
	for k, vs := range extra {
		q[k] = vs
	}
	return httptest.NewRequest(http.MethodGet, MountPath+"?"+q.Encode(), nil)
}

func TestProxy_RewritesManifest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-mpegURL")
		_, _ = io.WriteString(w, "#EXTM3U\n#EXTINF:4.0,\nseg0.ts\n")
	}))
	defer upstream.Close()

	rec := httptest.NewRecorder()
	newTestProxy(t, Config{}).ServeHTTP(rec, proxyRequest(upstream.URL+"/hls/index.m3u8", url.Values{"type": {"video"}}))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != playlistContentType {
		t.Fatalf("unexpected content type %q", ct)
	}
	if rec.Header().Get("Cache-Control") != "no-cache" {
		t.Fatalf("playlist must not be cached")
	}
	lines := strings.Split(rec.Body.String(), "\n")
	if lines[0] != "#EXTM3U" || lines[1] != "#EXTINF:4.0," {
		t.Fatalf("tags altered: %q", rec.Body.String())
	}
	want := publicBase + "?url=" + url.QueryEscape(upstream.URL+"/hls/seg0.ts") + "&type=video"
	if lines[2] != want {
		t.Fatalf("want %q\ngot  %q", want, lines[2])
	}
}

func TestProxy_InvalidManifestKeepsUpstreamStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, "<html>Forbidden</html>")
	}))
	defer upstream.Close()

	rec := httptest.NewRecorder()
	newTestProxy(t, Config{}).ServeHTTP(rec, proxyRequest(upstream.URL+"/master.m3u8", nil))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 to be propagated, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("CORS headers missing on failure")
	}
}

func TestProxy_SniffsUntypedManifest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = io.WriteString(w, "#EXTM3U\nchunk-1\n")
	}))
	defer upstream.Close()

	rec := httptest.NewRecorder()
	newTestProxy(t, Config{}).ServeHTTP(rec, proxyRequest(upstream.URL+"/playlist", nil))

	if !strings.Contains(rec.Body.String(), publicBase+"?url=") {
		t.Fatalf("sniffed playlist should be rewritten: %q", rec.Body.String())
	}
}

func TestProxy_OptionsAlways204(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, MountPath, nil)
	newTestProxy(t, Config{}).ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	h := rec.Header()
	if h.Get("Access-Control-Allow-Origin") != "*" ||
		h.Get("Access-Control-Allow-Headers") != httpserver.CORSAllowHeaders ||
		h.Get("Access-Control-Allow-Methods") != httpserver.CORSAllowMethods {
		t.Fatalf("unexpected CORS headers: %v", h)
	}
}

func TestProxy_MissingURL(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestProxy(t, Config{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, MountPath+"?type=video", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("CORS headers missing on 400")
	}
	if !strings.Contains(rec.Body.String(), "MISSING_URL") {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestProxy_MalformedURLAndType(t *testing.T) {
	p := newTestProxy(t, Config{})
	for _, target := range []string{"not a url", "ftp://files.example/x", "/relative/only"} {
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, proxyRequest(target, nil))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%q: expected 400, got %d", target, rec.Code)
		}
	}
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, proxyRequest("https://cdn.example/x", url.Values{"type": {"torrent"}}))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown type: expected 400, got %d", rec.Code)
	}
}

func TestProxy_ForwardsRangeAndRelaysPartialContent(t *testing.T) {
	var gotRange, gotReferer, gotOrigin string
	done := make(chan struct{}, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		gotReferer = r.Header.Get("Referer")
		gotOrigin = r.Header.Get("Origin")
		done <- struct{}{}
		w.Header().Set("Content-Type", "video/mp2t")
		w.Header().Set("Content-Range", "bytes 0-3/100")
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", "4")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte{0x47, 0x40, 0x00, 0x10})
	}))
	defer upstream.Close()

	req := proxyRequest(upstream.URL+"/seg0.ts", url.Values{"referer": {"https://player.example.net/embed/1"}})
	req.Header.Set("Range", "bytes=0-3")
	rec := httptest.NewRecorder()
	newTestProxy(t, Config{}).ServeHTTP(rec, req)
	<-done

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("expected 206, got %d", rec.Code)
	}
	if gotRange != "bytes=0-3" {
		t.Fatalf("range not forwarded: %q", gotRange)
	}
	if gotReferer != "https://player.example.net/embed/1" || gotOrigin != "https://player.example.net" {
		t.Fatalf("unexpected referer/origin %q %q", gotReferer, gotOrigin)
	}
	if rec.Header().Get("Content-Range") != "bytes 0-3/100" || rec.Header().Get("Content-Length") != "4" {
		t.Fatalf("range headers not relayed: %v", rec.Header())
	}
	if rec.Body.Len() != 4 {
		t.Fatalf("expected 4 bytes, got %d", rec.Body.Len())
	}
}

func TestProxy_RefererFallsBackToTargetOrigin(t *testing.T) {
	headers := make(chan http.Header, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer upstream.Close()

	rec := httptest.NewRecorder()
	newTestProxy(t, Config{}).ServeHTTP(rec, proxyRequest(upstream.URL+"/api/episodes", url.Values{"type": {"api"}}))

	h := <-headers
	if h.Get("Referer") != upstream.URL+"/" || h.Get("Origin") != upstream.URL {
		t.Fatalf("expected target origin, got referer=%q origin=%q", h.Get("Referer"), h.Get("Origin"))
	}
	if !strings.Contains(h.Get("User-Agent"), "Mozilla/5.0") {
		t.Fatalf("expected a browser user agent, got %q", h.Get("User-Agent"))
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestProxy_NonManifestStatusIsNotForcedTo200(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(http.StatusNotFound)
	}))
	defer upstream.Close()

	rec := httptest.NewRecorder()
	newTestProxy(t, Config{}).ServeHTTP(rec, proxyRequest(upstream.URL+"/poster.png", url.Values{"type": {"image"}}))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 relayed, got %d", rec.Code)
	}
	if rec.Header().Get("Cache-Control") != "" {
		t.Fatalf("failed images must not be cached")
	}
}

func TestProxy_UpstreamServerErrorMapsToStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	rec := httptest.NewRecorder()
	newTestProxy(t, Config{}).ServeHTTP(rec, proxyRequest(upstream.URL+"/seg.ts", url.Values{"debug": {"1"}}))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if rec.Header().Get("X-Proxy-Upstream-Status") != "503" {
		t.Fatalf("debug header missing: %v", rec.Header())
	}
}

func TestProxy_UnreachableUpstreamIs502(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	addr := upstream.URL
	upstream.Close()

	rec := httptest.NewRecorder()
	newTestProxy(t, Config{}).ServeHTTP(rec, proxyRequest(addr+"/seg.ts", nil))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestProxy_DebugHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "WEBVTT\n")
	}))
	defer upstream.Close()

	rec := httptest.NewRecorder()
	target := upstream.URL + "/subs/en.vtt"
	newTestProxy(t, Config{}).ServeHTTP(rec, proxyRequest(target, url.Values{"type": {"subtitle"}, "debug": {"1"}}))

	if rec.Header().Get("X-Proxy-Target") != target {
		t.Fatalf("X-Proxy-Target missing: %v", rec.Header())
	}
	if rec.Header().Get("X-Proxy-Upstream-Status") != "200" {
		t.Fatalf("X-Proxy-Upstream-Status missing: %v", rec.Header())
	}
}

func TestProxy_SubtitleContentTypeByExtension(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = io.WriteString(w, "WEBVTT\n\n00:00.000 --> 00:01.000\nhi\n")
	}))
	defer upstream.Close()

	rec := httptest.NewRecorder()
	newTestProxy(t, Config{}).ServeHTTP(rec, proxyRequest(upstream.URL+"/en.vtt", url.Values{"type": {"subtitle"}}))
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/vtt") {
		t.Fatalf("expected text/vtt, got %q", ct)
	}
}

func TestProxy_EchoesAPIKeyIntoPlaylist(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "#EXTM3U\n#EXT-X-KEY:METHOD=AES-128,URI=\"key.bin\"\nseg.ts\n")
	}))
	defer upstream.Close()

	rec := httptest.NewRecorder()
	req := proxyRequest(upstream.URL+"/v/index.m3u8", url.Values{"apikey": {"client-key"}, "referer": {"https://player.example.net/"}})
	newTestProxy(t, Config{APIKey: "fallback"}).ServeHTTP(rec, req)

	body := rec.Body.String()
	if strings.Count(body, "&apikey=client-key") != 2 {
		t.Fatalf("presented key should be echoed on every child URL: %q", body)
	}
	if strings.Contains(body, "fallback") {
		t.Fatalf("configured key must not override the presented one")
	}
	if !strings.Contains(body, "&referer="+url.QueryEscape("https://player.example.net/")) {
		t.Fatalf("referer not carried to children: %q", body)
	}
}

func TestProxyBase_DerivedFromRequest(t *testing.T) {
	h := New(fetch.New(fetch.Config{}), Config{})
	req := httptest.NewRequest(http.MethodGet, "http://internal:8084"+MountPath, nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("X-Forwarded-Host", "media.example.org")
	if got := h.proxyBase(req); got != "https://media.example.org/video-proxy" {
		t.Fatalf("unexpected base %q", got)
	}
}
