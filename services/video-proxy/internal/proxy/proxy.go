// Package proxy relays api, image, subtitle and video requests to their origin
// with browser-like headers, rewriting HLS playlists on the way through.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/example/streamgate/internal/platform/api"
	"github.com/example/streamgate/internal/platform/auth"
	"github.com/example/streamgate/internal/platform/fetch"
	"github.com/example/streamgate/internal/platform/httpserver"
	"github.com/example/streamgate/internal/platform/metrics"
	"github.com/example/streamgate/services/video-proxy/internal/rewriter"
)

// MountPath is where the proxy answers and what rewritten URLs point back to.
const MountPath = "/video-proxy"

const (
	TypeAPI      = "api"
	TypeImage    = "image"
	TypeSubtitle = "subtitle"
	TypeVideo    = "video"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	sniffLen            = 512
	manifestLimit       = 8 << 20
)

// relayHeaders are copied from the upstream response on byte relays.
var relayHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Content-Range",
	"Content-Encoding",
	"Accept-Ranges",
	"Last-Modified",
	"ETag",
}

var subtitleTypes = map[string]string{
	".vtt": "text/vtt; charset=utf-8",
	".srt": "application/x-subrip; charset=utf-8",
	".ass": "text/x-ssa; charset=utf-8",
	".ssa": "text/x-ssa; charset=utf-8",
}

type Config struct {
	// PublicURL overrides the proxy base written into playlists.
	PublicURL string
	// APIKey is appended to rewritten URLs when the caller presented none.
	APIKey    string
	UserAgent string
}

type Handler struct {
	Client  *fetch.Client
	Cfg     Config
	Log     *zap.Logger
	Metrics *metrics.Metrics
}

type Option func(*Handler)

func WithLogger(log *zap.Logger) Option {
	return func(h *Handler) { h.Log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.Metrics = m }
}

func New(client *fetch.Client, cfg Config, opts ...Option) *Handler {
	if cfg.UserAgent == "" {
		cfg.UserAgent = fetch.DefaultUserAgent
	}
	h := &Handler{Client: client, Cfg: cfg, Log: zap.NewNop()}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Routes registers the proxy endpoint behind mw. OPTIONS is answered by the
// router's CORS layer.
func (h *Handler) Routes(r chi.Router, mw ...func(http.Handler) http.Handler) {
	r.With(mw...).Get(MountPath, h.ServeHTTP)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rid := httpserver.RequestIDFromContext(r.Context())
	q := r.URL.Query()

	raw := strings.TrimSpace(q.Get("url"))
	if raw == "" {
		api.BadRequest(w, "MISSING_URL", "url query parameter is required", rid, nil)
		return
	}
	target, err := url.Parse(raw)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		api.BadRequest(w, "INVALID_URL", "url must be an absolute http(s) URL", rid, nil)
		return
	}
	kind := strings.ToLower(strings.TrimSpace(q.Get("type")))
	if kind == "" {
		kind = TypeVideo
	}
	switch kind {
	case TypeAPI, TypeImage, TypeSubtitle, TypeVideo:
	default:
		api.BadRequest(w, "INVALID_TYPE", "type must be one of api, image, subtitle, video", rid, nil)
		return
	}
	referer := strings.TrimSpace(q.Get("referer"))
	debug := q.Get("debug") == "1"

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target.String(), nil)
	if err != nil {
		api.BadRequest(w, "INVALID_URL", "url could not be requested", rid, nil)
		return
	}
	h.applyUpstreamHeaders(req, r, target, referer, kind)

	resp, err := h.Client.Do(r.Context(), req)
	if err != nil {
		h.upstreamFailed(w, r, target, err, debug)
		return
	}
	defer resp.Body.Close()

	if debug {
		w.Header().Set("X-Proxy-Target", target.String())
		w.Header().Set("X-Proxy-Upstream-Status", strconv.Itoa(resp.StatusCode))
	}

	body := bufio.NewReaderSize(resp.Body, sniffLen)
	if kind == TypeVideo && isManifest(resp, body) {
		h.serveManifest(w, r, resp, body, referer)
		return
	}
	h.relay(w, resp, body, kind, target)
}

func (h *Handler) applyUpstreamHeaders(req, in *http.Request, target *url.URL, referer, kind string) {
	req.Header.Set("User-Agent", h.Cfg.UserAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept-Encoding", "identity")
	switch kind {
	case TypeAPI:
		req.Header.Set("Accept", "application/json, text/plain, */*")
	case TypeImage:
		req.Header.Set("Accept", "image/avif,image/webp,image/png,image/*;q=0.8,*/*;q=0.5")
	default:
		req.Header.Set("Accept", "*/*")
	}
	if rng := in.Header.Get("Range"); rng != "" {
		req.Header.Set("Range", rng)
	}

	if ref, err := url.Parse(referer); referer != "" && err == nil && ref.Host != "" {
		req.Header.Set("Referer", referer)
		req.Header.Set("Origin", ref.Scheme+"://"+ref.Host)
		return
	}
	origin := target.Scheme + "://" + target.Host
	req.Header.Set("Referer", origin+"/")
	req.Header.Set("Origin", origin)
}

func (h *Handler) upstreamFailed(w http.ResponseWriter, r *http.Request, target *url.URL, err error, debug bool) {
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		h.Log.Debug("client went away", zap.String("host", target.Host))
		return
	}
	rid := httpserver.RequestIDFromContext(r.Context())
	status := fetch.StatusOf(err)
	h.Log.Warn("upstream failed",
		zap.String("request_id", rid),
		zap.String("host", target.Host),
		zap.Int("status", status),
		zap.Error(err))
	if debug {
		w.Header().Set("X-Proxy-Target", target.String())
		w.Header().Set("X-Proxy-Upstream-Status", strconv.Itoa(status))
	}
	if status == 0 {
		api.BadGateway(w, "UPSTREAM_UNAVAILABLE", "upstream unavailable", rid)
		return
	}
	api.WriteError(w, status, "UPSTREAM_ERROR", "upstream returned "+strconv.Itoa(status), rid, nil)
}

// isManifest decides on content type or extension first and sniffs the body only
// when both are inconclusive.
func isManifest(resp *http.Response, body *bufio.Reader) bool {
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if strings.Contains(ct, "mpegurl") {
		return true
	}
	finalURL := resp.Request.URL
	if strings.HasSuffix(strings.ToLower(finalURL.Path), ".m3u8") {
		return true
	}
	if ct != "" && !genericContentType(ct) {
		return false
	}
	peek, _ := body.Peek(sniffLen)
	if bytes.HasPrefix(bytes.TrimSpace(peek), []byte("#EXTM3U")) {
		return true
	}
	return mimetype.Detect(peek).Is(playlistContentType)
}

func genericContentType(ct string) bool {
	return strings.HasPrefix(ct, "application/octet-stream") ||
		strings.HasPrefix(ct, "binary/octet-stream") ||
		strings.HasPrefix(ct, "text/plain")
}

func (h *Handler) serveManifest(w http.ResponseWriter, r *http.Request, resp *http.Response, body io.Reader, referer string) {
	data, err := io.ReadAll(io.LimitReader(body, manifestLimit))
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		api.BadGateway(w, "UPSTREAM_READ", "reading upstream playlist failed", httpserver.RequestIDFromContext(r.Context()))
		return
	}

	rc := rewriter.Context{
		BaseURL:   resp.Request.URL.String(),
		ProxyBase: h.proxyBase(r),
		Referer:   referer,
		APIKey:    h.apiKey(r),
	}
	text := rewriter.RewriteM3U8(string(data), rc)
	if !rewriter.IsPlaylist(text) {
		// not a playlist: pass the real status on so the player can fail over
		h.Metrics.ManifestRewrite("invalid")
		h.Log.Info("upstream playlist invalid",
			zap.String("host", resp.Request.URL.Host),
			zap.Int("status", resp.StatusCode))
		if ct := resp.Header.Get("Content-Type"); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(data)
		return
	}

	h.Metrics.ManifestRewrite("ok")
	w.Header().Set("Content-Type", playlistContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Length", strconv.Itoa(len(text)))
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, text)
}

func (h *Handler) relay(w http.ResponseWriter, resp *http.Response, body *bufio.Reader, kind string, target *url.URL) {
	for _, k := range relayHeaders {
		if v := resp.Header.Get(k); v != "" {
			w.Header().Set(k, v)
		}
	}
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if kind == TypeSubtitle && (ct == "" || genericContentType(ct)) {
		if st, ok := subtitleTypes[strings.ToLower(path.Ext(target.Path))]; ok {
			w.Header().Set("Content-Type", st)
			ct = st
		}
	}
	if ct == "" && resp.Header.Get("Content-Encoding") == "" {
		peek, _ := body.Peek(sniffLen)
		w.Header().Set("Content-Type", mimetype.Detect(peek).String())
	}
	if kind == TypeImage && resp.StatusCode == http.StatusOK {
		w.Header().Set("Cache-Control", "public, max-age=86400")
	}

	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, body); err != nil {
		h.Log.Debug("relay interrupted", zap.String("host", target.Host), zap.Error(err))
	}
}

// proxyBase is the absolute URL rewritten playlist entries point at.
func (h *Handler) proxyBase(r *http.Request) string {
	if h.Cfg.PublicURL != "" {
		return strings.TrimRight(h.Cfg.PublicURL, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := strings.TrimSpace(strings.Split(r.Header.Get("X-Forwarded-Proto"), ",")[0]); p != "" {
		scheme = p
	}
	host := r.Host
	if fh := strings.TrimSpace(r.Header.Get("X-Forwarded-Host")); fh != "" {
		host = fh
	}
	return scheme + "://" + host + MountPath
}

func (h *Handler) apiKey(r *http.Request) string {
	if k, ok := auth.APIKeyFromContext(r.Context()); ok {
		return k
	}
	return h.Cfg.APIKey
}
