// Package decoders turns delimited source files into typed Arrow batches.
// The row count estimator and the batch reader share one record scanner so
// that both agree on what a record is.
package decoders

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"

	ncerrors "github.com/ncload/ncload/pkg/errors"
)

const (
	quote      = '"'
	readBuffer = 256 * 1024
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// LookupEncoding resolves an IANA encoding name. An empty name means UTF-8.
func LookupEncoding(name string) (encoding.Encoding, error) {
	if strings.TrimSpace(name) == "" {
		name = "UTF-8"
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		return nil, ncerrors.InvalidConfig("encoding", name, err.Error())
	}
	if enc == nil {
		return nil, ncerrors.InvalidConfig("encoding", name, "no decoder available")
	}
	return enc, nil
}

// newSourceReader drops a leading UTF-8 byte order mark and decodes the
// rest of r into UTF-8. Invalid sequences become U+FFFD.
func newSourceReader(r io.Reader, enc encoding.Encoding) io.Reader {
	br := bufio.NewReaderSize(r, readBuffer)
	if head, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(head, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}
	return transform.NewReader(br, enc.NewDecoder())
}

// quoteState tracks where a record scan is relative to quoted fields. A
// quote only opens a quoted field when it is the first byte of the field;
// anywhere else it is a literal character.
type quoteState uint8

const (
	fieldStart quoteState = iota
	unquoted
	quoted
	quoteSeen // a quote inside a quoted field: closes it unless doubled
)

// isSep reports whether sep starts at line[i].
func isSep(line []byte, i int, sep []byte) bool {
	return line[i] == sep[0] && bytes.HasPrefix(line[i:], sep)
}

// recordScanner yields one logical record at a time. A quoted field may
// span several physical lines.
type recordScanner struct {
	r     *bufio.Reader
	sep   []byte
	buf   []byte
	lines int64
}

func newRecordScanner(r io.Reader, sep []byte) *recordScanner {
	return &recordScanner{r: bufio.NewReaderSize(r, readBuffer), sep: sep}
}

// advance runs the quote state machine over buf[pos:end] and returns the
// new state and position. A separator straddling end is consumed whole.
func (s *recordScanner) advance(st quoteState, pos, end int) (quoteState, int) {
	for pos < end {
		b := s.buf[pos]
		switch {
		case st == quoted:
			if b == quote {
				st = quoteSeen
			}
		case b == quote && (st == fieldStart || st == quoteSeen):
			st = quoted
		case isSep(s.buf, pos, s.sep):
			st = fieldStart
			pos += len(s.sep)
			continue
		default:
			st = unquoted
		}
		pos++
	}
	return st, pos
}

// readLine returns the next record with its line terminator removed. The
// returned slice is only valid until the next call.
func (s *recordScanner) readLine() ([]byte, error) {
	s.buf = s.buf[:0]
	st, pos := fieldStart, 0

	for {
		part, err := s.r.ReadSlice('\n')
		s.buf = append(s.buf, part...)

		end := len(s.buf)
		if err == bufio.ErrBufferFull {
			// leave a possibly split separator for the next slice
			end = max(pos, end-len(s.sep)+1)
		}
		st, pos = s.advance(st, pos, end)

		switch err {
		case nil:
			s.lines++
			if st != quoted {
				return bytes.TrimRight(s.buf, "\r\n"), nil
			}
		case bufio.ErrBufferFull:
			// long line, keep reading
		case io.EOF:
			if len(s.buf) > 0 {
				s.lines++
				return bytes.TrimRight(s.buf, "\r\n"), nil
			}
			return nil, io.EOF
		default:
			return nil, err
		}
	}
}

// next returns the next non-blank record.
func (s *recordScanner) next() ([]byte, error) {
	for {
		line, err := s.readLine()
		if err != nil {
			return nil, err
		}
		if len(line) > 0 {
			return line, nil
		}
	}
}

// Lines returns the number of physical lines consumed so far.
func (s *recordScanner) Lines() int64 { return s.lines }

// parseFields splits a record on sep with the same quote rules as
// readLine. A quote opening a field groups it and a doubled quote inside
// a quoted field is a literal quote. Quotes elsewhere are kept as is.
func parseFields(line []byte, sep []byte) []string {
	fields := make([]string, 0, 16)
	var field []byte
	st := fieldStart

	for i := 0; i < len(line); i++ {
		b := line[i]

		switch {
		case st == quoted:
			if b == quote {
				st = quoteSeen
			} else {
				field = append(field, b)
			}
		case b == quote && st == fieldStart:
			st = quoted
		case b == quote && st == quoteSeen:
			field = append(field, quote)
			st = quoted
		case isSep(line, i, sep):
			fields = append(fields, string(field))
			field = field[:0]
			st = fieldStart
			i += len(sep) - 1
		default:
			field = append(field, b)
			st = unquoted
		}
	}

	return append(fields, string(field))
}

// separatorBytes encodes a separator rune as UTF-8.
func separatorBytes(r rune) []byte {
	buf := make([]byte, utf8.RuneLen(r))
	utf8.EncodeRune(buf, r)
	return buf
}
