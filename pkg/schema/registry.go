package schema

import (
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	ncerrors "github.com/ncload/ncload/pkg/errors"
)

// DefaultEncoding is the encoding of the NC extracts.
const DefaultEncoding = "ISO-8859-1"

// Dataset is one named, schema-bound source file.
type Dataset struct {
	Name      string
	File      string
	Separator rune
	Encoding  string
	Table     string
	Parquet   string
	Schema    Schema
}

// TableName returns the relational table, defaulting to the dataset name.
func (d Dataset) TableName() string {
	if d.Table != "" {
		return d.Table
	}
	return d.Name
}

// ParquetName returns the columnar file name, defaulting to the source file
// stem with a .parquet extension.
func (d Dataset) ParquetName() string {
	if d.Parquet != "" {
		return d.Parquet
	}
	base := filepath.Base(d.File)
	return strings.TrimSuffix(base, filepath.Ext(base)) + ".parquet"
}

// SourcePath joins the dataset file onto a data directory.
func (d Dataset) SourcePath(dataDir string) string {
	if filepath.IsAbs(d.File) {
		return d.File
	}
	return filepath.Join(dataDir, d.File)
}

func (d Dataset) clone() Dataset {
	d.Schema = d.Schema.clone()
	return d
}

func (d Dataset) validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return ncerrors.InvalidConfig("dataset name", d.Name, "empty")
	}
	if strings.TrimSpace(d.File) == "" {
		return ncerrors.InvalidConfig("dataset file", d.Name, "empty")
	}
	if d.Separator == 0 || d.Separator == '"' || d.Separator == '\n' || d.Separator == '\r' || d.Separator == utf8.RuneError {
		return ncerrors.InvalidConfig("separator", string(d.Separator), "dataset "+d.Name)
	}
	if err := d.Schema.validate(); err != nil {
		return ncerrors.Annotate(err, "dataset", d.Name)
	}
	return nil
}

// Registry maps dataset names to their definitions. It is read-only after
// construction; lookups return copies.
type Registry struct {
	datasets map[string]Dataset
}

// NewRegistry validates and registers datasets.
func NewRegistry(datasets ...Dataset) (*Registry, error) {
	r := &Registry{datasets: make(map[string]Dataset, len(datasets))}
	for _, d := range datasets {
		if err := d.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.datasets[d.Name]; dup {
			return nil, ncerrors.InvalidConfig("dataset name", d.Name, "registered twice")
		}
		if d.Encoding == "" {
			d.Encoding = DefaultEncoding
		}
		r.datasets[d.Name] = d.clone()
	}
	return r, nil
}

// Lookup returns the schema registered for a dataset.
func (r *Registry) Lookup(name string) (Schema, error) {
	d, err := r.Dataset(name)
	if err != nil {
		return Schema{}, err
	}
	return d.Schema, nil
}

// Dataset returns the full dataset definition.
func (r *Registry) Dataset(name string) (Dataset, error) {
	d, ok := r.datasets[name]
	if !ok {
		return Dataset{}, ncerrors.UnknownDataset(name)
	}
	return d.clone(), nil
}

// Names returns registered dataset names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.datasets))
	for n := range r.datasets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Merge returns a new registry where datasets in other replace or extend
// those in r.
func (r *Registry) Merge(other *Registry) *Registry {
	out := &Registry{datasets: make(map[string]Dataset, len(r.datasets)+len(other.datasets))}
	for n, d := range r.datasets {
		out.datasets[n] = d
	}
	for n, d := range other.datasets {
		out.datasets[n] = d
	}
	return out
}
