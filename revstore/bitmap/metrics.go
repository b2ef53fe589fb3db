package bitmap

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var verifications = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "revstore",
	Subsystem: "bitmap",
	Name:      "verifications",
}, []string{"strategy", "result"})

var rebuilds = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "revstore",
	Subsystem: "bitmap",
	Name:      "rebuilds",
}, []string{"kind"})

var rebuildDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "revstore",
	Subsystem: "bitmap",
	Name:      "rebuild_duration_seconds",
	Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 60},
})

var saves = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "revstore",
	Subsystem: "bitmap",
	Name:      "saves",
}, []string{"result"})

var loadFailures = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "revstore",
	Subsystem: "bitmap",
	Name:      "load_failures",
})

var commitBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "revstore",
	Subsystem: "bitmap",
	Name:      "commit_batch_revisions",
	Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
})

// RegisterMetrics registers the bitmap collectors with reg. Registering
// the same collectors twice is not an error.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		verifications, rebuilds, rebuildDuration, saves, loadFailures, commitBatchSize,
	} {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}
