package schema

import (
	"strings"
)

// UnknownColumnPolicy determines what happens to source columns that the
// schema does not declare.
type UnknownColumnPolicy int

const (
	// UnknownIgnore drops undeclared columns from every batch.
	UnknownIgnore UnknownColumnPolicy = iota
	// UnknownReject fails the dataset when the header has undeclared columns.
	UnknownReject
)

func (p UnknownColumnPolicy) String() string {
	switch p {
	case UnknownIgnore:
		return "ignore"
	case UnknownReject:
		return "reject"
	default:
		return "unknown"
	}
}

// ParseUnknownColumnPolicy parses a string into a policy. Unknown strings
// map to UnknownIgnore; config validation rejects them earlier.
func ParseUnknownColumnPolicy(s string) UnknownColumnPolicy {
	switch strings.ToLower(s) {
	case "reject", "strict":
		return UnknownReject
	default:
		return UnknownIgnore
	}
}

// ParseErrorPolicy determines how a non-date field that cannot be coerced
// is handled. Date fields always become null.
type ParseErrorPolicy int

const (
	// ParseErrorNull stores null and continues, same as dates.
	ParseErrorNull ParseErrorPolicy = iota
	// ParseErrorAbort fails the batch, and with it the dataset.
	ParseErrorAbort
)

func (p ParseErrorPolicy) String() string {
	switch p {
	case ParseErrorNull:
		return "null"
	case ParseErrorAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// ParseParseErrorPolicy parses a string into a ParseErrorPolicy.
func ParseParseErrorPolicy(s string) ParseErrorPolicy {
	switch strings.ToLower(s) {
	case "abort", "strict":
		return ParseErrorAbort
	default:
		return ParseErrorNull
	}
}
