// Package metrics records per-dataset load metrics behind a small backend
// interface. The default backend discards everything, so callers never need
// to check whether metrics are configured.
package metrics

import "time"

// Metric names.
const (
	DatasetsTotal   = "ncload_datasets_total"
	DatasetDuration = "ncload_dataset_duration_seconds"
	RowsTotal       = "ncload_rows_total"
	BatchesTotal    = "ncload_batches_total"
)

// Row kinds for RowsTotal.
const (
	KindLoaded      = "loaded"
	KindParseErrors = "parse_errors"
)

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Backend is implemented by metric systems.
type Backend interface {
	// IncCounter increments a counter by delta.
	IncCounter(name string, delta float64, labels Labels)
	// ObserveDuration records a duration in seconds.
	ObserveDuration(name string, seconds float64, labels Labels)
	// Flush sends collected metrics, if the backend needs it.
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)      {}
func (nopBackend) ObserveDuration(string, float64, Labels) {}
func (nopBackend) Flush() error                            { return nil }

// Nop returns a backend that discards everything.
func Nop() Backend { return nopBackend{} }

// Dataset is the outcome of one dataset as seen by metrics.
type Dataset struct {
	Name        string
	State       string
	Rows        int64
	Batches     int
	ParseErrors int64
	Duration    time.Duration
}

// RecordDataset records one finished dataset.
func RecordDataset(b Backend, d Dataset) {
	if b == nil {
		return
	}
	lbls := Labels{"dataset": d.Name, "state": d.State}
	b.IncCounter(DatasetsTotal, 1, lbls)
	b.ObserveDuration(DatasetDuration, d.Duration.Seconds(), lbls)

	if d.Rows > 0 {
		b.IncCounter(RowsTotal, float64(d.Rows), Labels{"dataset": d.Name, "kind": KindLoaded})
	}
	if d.ParseErrors > 0 {
		b.IncCounter(RowsTotal, float64(d.ParseErrors), Labels{"dataset": d.Name, "kind": KindParseErrors})
	}
	if d.Batches > 0 {
		b.IncCounter(BatchesTotal, float64(d.Batches), Labels{"dataset": d.Name})
	}
}
