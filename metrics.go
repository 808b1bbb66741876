package ghostdns

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
)

// Metrics is the daemon-wide counter set from spec §4.9. It is injected
// explicitly into the pipeline and listeners rather than held as package
// global state, so tests can substitute an isolated instance (spec §9
// Design Notes: "the metrics registry is effectively process-global but
// injected explicitly so tests can substitute an isolated instance").
type Metrics struct {
	DoHRequestsTotal          int64
	DoHLocalResponsesTotal    int64
	DoHUpstreamResponsesTotal int64
	DoHUpstreamFailuresTotal  int64
	DoHInternalErrorsTotal    int64
	CacheHitsTotal            int64
	CacheMissesTotal          int64
	DnssecFailOpenTotal       int64
	EcsStrippedTotal          int64
}

// NewMetrics returns a zeroed metrics registry.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) incDoHRequests()          { atomic.AddInt64(&m.DoHRequestsTotal, 1) }
func (m *Metrics) incDoHLocalResponses()    { atomic.AddInt64(&m.DoHLocalResponsesTotal, 1) }
func (m *Metrics) incDoHUpstreamResponses() { atomic.AddInt64(&m.DoHUpstreamResponsesTotal, 1) }
func (m *Metrics) incDoHUpstreamFailures()  { atomic.AddInt64(&m.DoHUpstreamFailuresTotal, 1) }
func (m *Metrics) incDoHInternalErrors()    { atomic.AddInt64(&m.DoHInternalErrorsTotal, 1) }
func (m *Metrics) incCacheHits()            { atomic.AddInt64(&m.CacheHitsTotal, 1) }
func (m *Metrics) incCacheMisses()          { atomic.AddInt64(&m.CacheMissesTotal, 1) }
func (m *Metrics) incDnssecFailOpen()       { atomic.AddInt64(&m.DnssecFailOpenTotal, 1) }
func (m *Metrics) incEcsStripped()          { atomic.AddInt64(&m.EcsStrippedTotal, 1) }

type metricLine struct {
	name string
	help string
	get  func(*Metrics) int64
}

var metricLines = []metricLine{
	{"doh_requests_total", "Total DoH requests received.", func(m *Metrics) int64 { return atomic.LoadInt64(&m.DoHRequestsTotal) }},
	{"doh_local_responses_total", "Total DoH responses synthesized locally for crypto-domain queries.", func(m *Metrics) int64 { return atomic.LoadInt64(&m.DoHLocalResponsesTotal) }},
	{"doh_upstream_responses_total", "Total DoH responses returned from the upstream resolver.", func(m *Metrics) int64 { return atomic.LoadInt64(&m.DoHUpstreamResponsesTotal) }},
	{"doh_upstream_failures_total", "Total failed upstream resolution attempts.", func(m *Metrics) int64 { return atomic.LoadInt64(&m.DoHUpstreamFailuresTotal) }},
	{"doh_internal_errors_total", "Total internal errors surfaced to clients.", func(m *Metrics) int64 { return atomic.LoadInt64(&m.DoHInternalErrorsTotal) }},
	{"cache_hits_total", "Total cache lookups that returned a non-expired entry.", func(m *Metrics) int64 { return atomic.LoadInt64(&m.CacheHitsTotal) }},
	{"cache_misses_total", "Total cache lookups that found no usable entry.", func(m *Metrics) int64 { return atomic.LoadInt64(&m.CacheMissesTotal) }},
	{"dnssec_fail_open_total", "Total times a missing AD bit was allowed through under fail-open policy.", func(m *Metrics) int64 { return atomic.LoadInt64(&m.DnssecFailOpenTotal) }},
	{"ecs_stripped_total", "Total times an EDNS Client Subnet option was stripped from a query.", func(m *Metrics) int64 { return atomic.LoadInt64(&m.EcsStrippedTotal) }},
}

// Render writes the Prometheus text exposition format for m.
func (m *Metrics) Render() string {
	var b strings.Builder
	for _, l := range metricLines {
		fmt.Fprintf(&b, "# HELP %s %s\n", l.name, l.help)
		fmt.Fprintf(&b, "# TYPE %s counter\n", l.name)
		fmt.Fprintf(&b, "%s %d\n", l.name, l.get(m))
	}
	return b.String()
}

// Handler returns an http.Handler serving /metrics in Prometheus text
// format.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := m.Render()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		if _, err := w.Write([]byte(body)); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}

// MetricsListener exposes Metrics.Handler over a plain HTTP endpoint,
// following the same Start/Stop/String shape as the DNS listeners.
type MetricsListener struct {
	addr    string
	metrics *Metrics
	server  *http.Server
}

// NewMetricsListener builds a /metrics HTTP server bound to addr.
func NewMetricsListener(addr string, metrics *Metrics) *MetricsListener {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return &MetricsListener{
		addr:    addr,
		metrics: metrics,
		server:  &http.Server{Addr: addr, Handler: mux},
	}
}

func (l *MetricsListener) Start() error {
	Log.WithFields(map[string]interface{}{"protocol": "metrics", "addr": l.addr}).Info("starting listener")
	err := l.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (l *MetricsListener) Stop(ctx context.Context) error {
	Log.WithFields(map[string]interface{}{"protocol": "metrics", "addr": l.addr}).Info("stopping listener")
	return l.server.Shutdown(ctx)
}

func (l *MetricsListener) String() string {
	return "Metrics(" + l.addr + ")"
}
