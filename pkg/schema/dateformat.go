package schema

import (
	"strings"
	"time"

	"github.com/ncruces/go-strftime"

	ncerrors "github.com/ncload/ncload/pkg/errors"
)

// DefaultDateFormat is the format used by the NC extracts.
const DefaultDateFormat = "%m/%d/%Y"

// CanonicalDateLayout is the textual form dates take in the relational store.
const CanonicalDateLayout = "2006-01-02"

// DateParser parses date fields for one strftime format. The format is
// converted to a Go layout once.
type DateParser struct {
	layout string
}

// NewDateParser converts a strftime format into a parser. Zero-padded month
// and day directives also accept unpadded values ("1/5/2024").
func NewDateParser(format string) (*DateParser, error) {
	if strings.TrimSpace(format) == "" {
		return nil, ncerrors.InvalidConfig("date format", format, "empty")
	}
	layout, err := strftime.Layout(format)
	if err != nil {
		return nil, ncerrors.InvalidConfig("date format", format, err.Error())
	}
	if !strings.Contains(layout, "002") {
		layout = strings.ReplaceAll(layout, "01", "1")
		layout = strings.ReplaceAll(layout, "02", "2")
	}
	return &DateParser{layout: layout}, nil
}

// Parse parses a trimmed value. Out-of-range components ("13/45/2024")
// are errors.
func (p *DateParser) Parse(value string) (time.Time, error) {
	return time.Parse(p.layout, strings.TrimSpace(value))
}

// Layout returns the Go layout used for parsing.
func (p *DateParser) Layout() string { return p.layout }
