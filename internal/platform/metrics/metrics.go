// Package metrics holds the prometheus collectors shared by the proxy and scraper.
// A nil *Metrics is a valid no-op, which keeps components usable in tests.
package metrics

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	requests         *prometheus.CounterVec
	upstreamAttempts *prometheus.CounterVec
	cacheLookups     *prometheus.CounterVec
	rateLimited      prometheus.Counter
	manifests        *prometheus.CounterVec
	sources          *prometheus.CounterVec

	// hosts bounds the upstream host label; anything else is reported as OtherHost.
	hosts map[string]struct{}
}

// OtherHost is the host label for every upstream not passed to New.
const OtherHost = "other"

// New registers every collector on a fresh registry labelled with the service name.
// Upstream attempts keep their own host label only for trackedHosts: request URLs
// come from callers, and a label per arbitrary host would grow without bound.
func New(service string, trackedHosts ...string) *Metrics {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"service": service}
	m := &Metrics{
		registry: reg,
		hosts:    make(map[string]struct{}, len(trackedHosts)),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "streamgate_http_requests_total",
			Help:        "Handled HTTP requests by route and status code.",
			ConstLabels: labels,
		}, []string{"route", "code"}),
		upstreamAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "streamgate_upstream_attempts_total",
			Help:        "Outbound fetch attempts by tracked host and outcome.",
			ConstLabels: labels,
		}, []string{"host", "outcome"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "streamgate_cache_lookups_total",
			Help:        "Scrape cache lookups by result.",
			ConstLabels: labels,
		}, []string{"result"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "streamgate_rate_limited_total",
			Help:        "Requests rejected by the per-client rate limiter.",
			ConstLabels: labels,
		}),
		manifests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "streamgate_manifest_rewrites_total",
			Help:        "HLS manifest rewrites by result.",
			ConstLabels: labels,
		}, []string{"result"}),
		sources: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "streamgate_extracted_sources_total",
			Help:        "Extracted stream sources by kind.",
			ConstLabels: labels,
		}, []string{"kind"}),
	}
	for _, h := range trackedHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			m.hosts[h] = struct{}{}
		}
	}
	reg.MustRegister(m.requests, m.upstreamAttempts, m.cacheLookups, m.rateLimited, m.manifests, m.sources)
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Request(route string, code int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

func (m *Metrics) UpstreamAttempt(host, outcome string) {
	if m == nil {
		return
	}
	m.upstreamAttempts.WithLabelValues(m.hostLabel(host), outcome).Inc()
}

func (m *Metrics) hostLabel(host string) string {
	host = strings.ToLower(host)
	if _, ok := m.hosts[host]; ok {
		return host
	}
	return OtherHost
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) ManifestRewrite(result string) {
	if m == nil {
		return
	}
	m.manifests.WithLabelValues(result).Inc()
}

func (m *Metrics) Source(kind string) {
	if m == nil {
		return
	}
	m.sources.WithLabelValues(kind).Inc()
}
