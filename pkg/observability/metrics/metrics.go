package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	queriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cohortfilter_queries_total",
		Help: "Filter set evaluations by outcome",
	}, []string{"status"})

	queryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cohortfilter_query_duration_seconds",
		Help:    "End-to-end query latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
	})

	filterErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cohortfilter_filter_errors_total",
		Help: "Filters rejected during evaluation by modality",
	}, []string{"modality"})

	matchedSubjects = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cohortfilter_matched_subjects",
		Help:    "Matching subjects per evaluated filter",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	}, []string{"modality"})

	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cohortfilter_cache_lookups_total",
		Help: "Result cache lookups by outcome",
	}, []string{"result"})

	populationSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cohortfilter_population_subjects",
		Help: "Subjects in the current population snapshot",
	})

	populationVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cohortfilter_population_version",
		Help: "Version of the current population snapshot",
	})

	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cohortfilter_events_published_total",
		Help: "Kafka events published by outcome",
	}, []string{"result"})
)

func ObserveQuery(status string, elapsed time.Duration) {
	queriesTotal.WithLabelValues(status).Inc()
	queryDuration.Observe(elapsed.Seconds())
}

func ObserveFilterError(modality string) {
	filterErrors.WithLabelValues(modality).Inc()
}

func ObserveMatches(modality string, n int) {
	matchedSubjects.WithLabelValues(modality).Observe(float64(n))
}

func ObserveCache(hit bool) {
	if hit {
		cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	cacheLookups.WithLabelValues("miss").Inc()
}

func ObservePopulation(size int, version int64) {
	populationSize.Set(float64(size))
	populationVersion.Set(float64(version))
}

func ObservePublish(err error) {
	if err != nil {
		eventsPublished.WithLabelValues("error").Inc()
		return
	}
	eventsPublished.WithLabelValues("ok").Inc()
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
