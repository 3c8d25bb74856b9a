package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// PushBackend collects metrics in a private registry and pushes them to a
// Prometheus Pushgateway on Flush.
type PushBackend struct {
	gatewayURL string
	jobName    string
	grouping   map[string]string
	reg        *prometheus.Registry

	datasets *prometheus.CounterVec
	duration *prometheus.SummaryVec
	rows     *prometheus.CounterVec
	batches  *prometheus.CounterVec
}

// NewPushBackend creates a Pushgateway backend. jobName defaults to
// "ncload". grouping adds extra grouping labels, typically the run id.
func NewPushBackend(gatewayURL, jobName string, grouping map[string]string) (*PushBackend, error) {
	if gatewayURL == "" {
		return nil, fmt.Errorf("pushgateway URL is required")
	}
	if jobName == "" {
		jobName = "ncload"
	}

	b := &PushBackend{
		gatewayURL: gatewayURL,
		jobName:    jobName,
		grouping:   grouping,
		reg:        prometheus.NewRegistry(),
		datasets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: DatasetsTotal,
			Help: "Datasets processed, by final state.",
		}, []string{"dataset", "state"}),
		duration: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       DatasetDuration,
			Help:       "Wall time per dataset in seconds.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}, []string{"dataset", "state"}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: RowsTotal,
			Help: "Rows per dataset and kind (loaded, parse_errors).",
		}, []string{"dataset", "kind"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: BatchesTotal,
			Help: "Batches written to every sink.",
		}, []string{"dataset"}),
	}

	for _, c := range []prometheus.Collector{b.datasets, b.duration, b.rows, b.batches} {
		if err := b.reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return b, nil
}

func (b *PushBackend) IncCounter(name string, delta float64, labels Labels) {
	switch name {
	case DatasetsTotal:
		b.datasets.WithLabelValues(labels["dataset"], labels["state"]).Add(delta)
	case RowsTotal:
		b.rows.WithLabelValues(labels["dataset"], labels["kind"]).Add(delta)
	case BatchesTotal:
		b.batches.WithLabelValues(labels["dataset"]).Add(delta)
	}
}

func (b *PushBackend) ObserveDuration(name string, seconds float64, labels Labels) {
	if name != DatasetDuration {
		return
	}
	b.duration.WithLabelValues(labels["dataset"], labels["state"]).Observe(seconds)
}

// Flush pushes the registry, replacing the job's previous group.
func (b *PushBackend) Flush() error {
	p := push.New(b.gatewayURL, b.jobName).Gatherer(b.reg)
	for k, v := range b.grouping {
		p = p.Grouping(k, v)
	}
	return p.Push()
}
