// Package metrics exposes cache activity to Prometheus.
package metrics

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/maqeel75/semcache/pkg/models"
)

const namespace = "semcache"

// StatsSource supplies the aggregate counters read on every scrape.
type StatsSource interface {
	Stats(ctx context.Context) (models.Stats, error)
}

// Metrics holds the collectors registered for one cache.
type Metrics struct {
	LookupDuration  *prometheus.HistogramVec
	Lookups         *prometheus.CounterVec
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New registers the lookup and request collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LookupDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "lookup_duration_seconds",
				Help:      "Duration of cache lookups in seconds",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"result"},
		),
		Lookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lookups_total",
				Help:      "Total number of cache lookups served by this process",
			},
			[]string{"result"},
		),
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"route", "code"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}
}

func result(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}

// ObserveLookup records one lookup outcome.
func (m *Metrics) ObserveLookup(hit bool, elapsed time.Duration) {
	r := result(hit)
	m.Lookups.WithLabelValues(r).Inc()
	m.LookupDuration.WithLabelValues(r).Observe(elapsed.Seconds())
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(route string, code int, elapsed time.Duration) {
	m.RequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// StatsCollector reports the cache's aggregate counters at scrape time.
type StatsCollector struct {
	src StatsSource
	log *slog.Logger

	entries   *prometheus.Desc
	sizeBytes *prometheus.Desc
	hits      *prometheus.Desc
	misses    *prometheus.Desc
	evictions *prometheus.Desc
	costSaved *prometheus.Desc
	hitRate   *prometheus.Desc
}

var _ prometheus.Collector = (*StatsCollector)(nil)

// NewStatsCollector returns a collector over src.
func NewStatsCollector(src StatsSource, log *slog.Logger) *StatsCollector {
	if log == nil {
		log = slog.Default()
	}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil)
	}
	return &StatsCollector{
		src:       src,
		log:       log,
		entries:   desc("entries", "Number of cached entries"),
		sizeBytes: desc("size_bytes", "Total payload bytes cached"),
		hits:      desc("hits_total", "Total cache hits"),
		misses:    desc("misses_total", "Total cache misses"),
		evictions: desc("evictions_total", "Total entries evicted"),
		costSaved: desc("cost_saved_total", "Total query cost saved by hits"),
		hitRate:   desc("hit_rate_percent", "All-time hit rate in percent"),
	}
}

func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entries
	ch <- c.sizeBytes
	ch <- c.hits
	ch <- c.misses
	ch <- c.evictions
	ch <- c.costSaved
	ch <- c.hitRate
}

func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := c.src.Stats(ctx)
	if err != nil {
		c.log.Warn("collect cache stats failed", "error", err)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(s.Entries))
	ch <- prometheus.MustNewConstMetric(c.sizeBytes, prometheus.GaugeValue, float64(s.SizeBytes))
	// Counters reset on clear, so they are exported as gauges.
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.GaugeValue, float64(s.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.GaugeValue, float64(s.Misses))
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.GaugeValue, float64(s.Evictions))
	ch <- prometheus.MustNewConstMetric(c.costSaved, prometheus.GaugeValue, s.TotalCostSaved)
	ch <- prometheus.MustNewConstMetric(c.hitRate, prometheus.GaugeValue, s.HitRatePct)
}
