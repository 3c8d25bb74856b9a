// Package schema holds the typed column contracts for every dataset ncload
// knows how to load, and the registry the pipeline queries by dataset name.
package schema

import (
	"fmt"
	"strings"

	ncerrors "github.com/ncload/ncload/pkg/errors"
)

// Type is the semantic type of a column. The set is closed.
type Type int

const (
	TypeText Type = iota
	TypeInteger
	TypeCategorical
	TypeDate
)

func (t Type) String() string {
	switch t {
	case TypeText:
		return "text"
	case TypeInteger:
		return "integer"
	case TypeCategorical:
		return "categorical"
	case TypeDate:
		return "date"
	default:
		return "unknown"
	}
}

// ParseType parses a type name. Unlike the policy parsers it rejects unknown
// names: a misspelled type must never fall back to text.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text", "string", "str":
		return TypeText, nil
	case "integer", "int", "int64":
		return TypeInteger, nil
	case "categorical", "category":
		return TypeCategorical, nil
	case "date":
		return TypeDate, nil
	default:
		return TypeText, ncerrors.InvalidConfig("column type", s, "expected text, integer, categorical or date")
	}
}

// MarshalYAML renders the type by name.
func (t Type) MarshalYAML() (interface{}, error) {
	return t.String(), nil
}

// UnmarshalYAML parses a type name.
func (t *Type) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Column is one typed column of a schema.
type Column struct {
	Name string `yaml:"name"`
	Type Type   `yaml:"type"`
}

// Schema maps columns to semantic types. DateFormat is a strftime format
// applied to every date column.
type Schema struct {
	Columns    []Column
	DateFormat string
}

// Column returns the named column.
func (s Schema) Column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// DateColumns returns the names of date columns. The slice is freshly
// allocated on every call.
func (s Schema) DateColumns() []string {
	out := []string{}
	for _, c := range s.Columns {
		if c.Type == TypeDate {
			out = append(out, c.Name)
		}
	}
	return out
}

// Names returns column names in declaration order.
func (s Schema) Names() []string {
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Name
	}
	return out
}

func (s Schema) clone() Schema {
	cols := make([]Column, len(s.Columns))
	copy(cols, s.Columns)
	return Schema{Columns: cols, DateFormat: s.DateFormat}
}

func (s Schema) validate() error {
	if len(s.Columns) == 0 {
		return ncerrors.InvalidConfig("schema", 0, "no columns")
	}
	seen := make(map[string]bool, len(s.Columns))
	for _, c := range s.Columns {
		if strings.TrimSpace(c.Name) == "" {
			return ncerrors.InvalidConfig("column name", c.Name, "empty")
		}
		if seen[c.Name] {
			return ncerrors.InvalidConfig("column name", c.Name, "duplicated")
		}
		seen[c.Name] = true
		if c.Type < TypeText || c.Type > TypeDate {
			return ncerrors.InvalidConfig("column type", int(c.Type), fmt.Sprintf("column %s", c.Name))
		}
	}
	if len(s.DateColumns()) > 0 {
		if _, err := NewDateParser(s.DateFormat); err != nil {
			return err
		}
	}
	return nil
}
