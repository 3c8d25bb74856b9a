package decoders

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/xxh3"

	ncerrors "github.com/ncload/ncload/pkg/errors"
)

const ctxCheckEvery = 8192

// Estimate is the outcome of a counting pass over a source file.
type Estimate struct {
	// Rows is the number of data records, excluding the header.
	Rows int64

	// Bytes is the raw size of the file.
	Bytes int64

	// Checksum is the xxh3 hash of the raw file bytes.
	Checksum uint64
}

// ChecksumHex formats the checksum for metadata and logs.
func (e Estimate) ChecksumHex() string {
	return fmt.Sprintf("%016x", e.Checksum)
}

// CountRows counts the data records of a delimited file, excluding the
// header. It decodes and scans exactly like BatchReader, so the count
// matches the number of rows the reader will emit. Blank lines are not
// counted. An empty file has zero rows.
func CountRows(ctx context.Context, path, encodingName string, sep rune) (int64, error) {
	e, err := EstimateFile(ctx, path, encodingName, sep)
	return e.Rows, err
}

// EstimateFile counts rows like CountRows and fingerprints the file in the
// same pass.
func EstimateFile(ctx context.Context, path, encodingName string, sep rune) (Estimate, error) {
	enc, err := LookupEncoding(encodingName)
	if err != nil {
		return Estimate{}, err
	}

	f, err := os.Open(path)
	if err != nil {
		return Estimate{}, ncerrors.IO(err, path)
	}
	defer f.Close()

	h := xxh3.New()
	scan := newRecordScanner(newSourceReader(io.TeeReader(f, h), enc), separatorBytes(sep))

	var est Estimate
	done := func() (Estimate, error) {
		est.Checksum = h.Sum64()
		if st, err := f.Stat(); err == nil {
			est.Bytes = st.Size()
		}
		return est, nil
	}

	if _, err := scan.next(); err != nil {
		if err == io.EOF {
			return done()
		}
		return est, ncerrors.IO(err, path)
	}

	for {
		if est.Rows%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return est, ncerrors.Canceled(err)
			}
		}
		_, err := scan.next()
		if err == io.EOF {
			return done()
		}
		if err != nil {
			return est, ncerrors.IO(err, path).WithContext("line", scan.Lines())
		}
		est.Rows++
	}
}
