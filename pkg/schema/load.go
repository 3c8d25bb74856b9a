package schema

import (
	"os"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	ncerrors "github.com/ncload/ncload/pkg/errors"
)

// fileDataset is the YAML shape of a dataset override.
type fileDataset struct {
	Name       string   `yaml:"name"`
	File       string   `yaml:"file"`
	Separator  string   `yaml:"separator"`
	Encoding   string   `yaml:"encoding"`
	Table      string   `yaml:"table"`
	Parquet    string   `yaml:"parquet"`
	DateFormat string   `yaml:"date_format"`
	Columns    []Column `yaml:"columns"`
}

type fileRegistry struct {
	Datasets []fileDataset `yaml:"datasets"`
}

// LoadFile reads dataset definitions from a YAML file:
//
//	datasets:
//	  - name: absentee
//	    file: absentee_20241105.csv
//	    separator: ","
//	    date_format: "%m/%d/%Y"
//	    columns:
//	      - {name: county_desc, type: categorical}
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ncerrors.IO(err, path)
	}
	return Parse(data)
}

// Parse decodes YAML dataset definitions.
func Parse(data []byte) (*Registry, error) {
	var raw fileRegistry
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, ncerrors.Wrap(err, ncerrors.CodeInvalidConfig, "invalid schema file")
	}

	datasets := make([]Dataset, 0, len(raw.Datasets))
	for _, fd := range raw.Datasets {
		sep, err := parseSeparator(fd.Separator)
		if err != nil {
			return nil, ncerrors.Annotate(err, "dataset", fd.Name)
		}
		format := fd.DateFormat
		if format == "" {
			format = DefaultDateFormat
		}
		datasets = append(datasets, Dataset{
			Name:      fd.Name,
			File:      fd.File,
			Separator: sep,
			Encoding:  fd.Encoding,
			Table:     fd.Table,
			Parquet:   fd.Parquet,
			Schema:    Schema{Columns: fd.Columns, DateFormat: format},
		})
	}
	return NewRegistry(datasets...)
}

// parseSeparator accepts a single character, or the names "tab"/"\t".
func parseSeparator(s string) (rune, error) {
	switch s {
	case "":
		return ',', nil
	case "tab", `\t`, "\t":
		return '\t', nil
	case "comma":
		return ',', nil
	case "pipe":
		return '|', nil
	}
	r, size := utf8.DecodeRuneInString(s)
	if size != len(s) {
		return 0, ncerrors.InvalidConfig("separator", s, "must be a single character")
	}
	return r, nil
}
