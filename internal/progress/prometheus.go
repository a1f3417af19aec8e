package progress

import (
	"github.com/prometheus/client_golang/prometheus"

	"hnharvest/features/queue"
)

type PrometheusReporter struct {
	done    prometheus.Gauge
	claimed prometheus.Gauge
	total   prometheus.Gauge
}

func NewPrometheusReporter(reg prometheus.Registerer) (*PrometheusReporter, error) {
	r := &PrometheusReporter{
		done: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hnharvest",
			Name:      "chunks_done",
			Help:      "Chunks whose items are all stored.",
		}),
		claimed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hnharvest",
			Name:      "chunks_claimed",
			Help:      "Chunks currently claimed by a worker.",
		}),
		total: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hnharvest",
			Name:      "chunks_total",
			Help:      "Chunks in the work queue.",
		}),
	}
	for _, c := range []prometheus.Collector{r.done, r.claimed, r.total} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *PrometheusReporter) Report(p queue.Progress) {
	r.done.Set(float64(p.Done))
	r.claimed.Set(float64(p.Claimed))
	r.total.Set(float64(p.Total))
}
