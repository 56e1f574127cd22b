package snapshot

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

var (
	// ErrEmptySnapshot is returned for a snapshot with no header row.
	ErrEmptySnapshot = errors.New("snapshot has no header row")

	// ErrDuplicateKey is returned when two rows share a primary key.
	ErrDuplicateKey = errors.New("duplicate primary key in snapshot")
)

// Decoder handles snapshot decompression and parsing. The first CSV header
// column is the primary key; the remaining columns are the row values.
type Decoder struct {
	zstdDecoder *zstd.Decoder
}

// NewDecoder creates a new snapshot decoder.
func NewDecoder() (*Decoder, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Decoder{zstdDecoder: dec}, nil
}

// Close releases decoder resources.
func (d *Decoder) Close() {
	if d.zstdDecoder != nil {
		d.zstdDecoder.Close()
	}
}

// Decode parses snapshot bytes in the given format.
func (d *Decoder) Decode(data []byte, format Format) ([]Row, error) {
	switch format {
	case FormatCSVZstd:
		raw, err := d.zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return d.decodeCSV(raw)
	case FormatCSV:
		return d.decodeCSV(data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, format)
	}
}

// decodeCSV parses CSV bytes into rows, preserving file order.
func (d *Decoder) decodeCSV(data []byte) ([]Row, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.ReuseRecord = false

	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptySnapshot
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) < 1 {
		return nil, ErrEmptySnapshot
	}

	var rows []Row
	seen := make(map[string]struct{})

	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", len(rows)+2, err)
		}
		if len(record) != len(header) {
			return nil, fmt.Errorf("row %d has %d fields, header has %d",
				len(rows)+2, len(record), len(header))
		}

		key := record[0]
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateKey, key)
		}
		seen[key] = struct{}{}

		cols := make(map[string]string, len(header)-1)
		for i := 1; i < len(header); i++ {
			cols[header[i]] = record[i]
		}
		rows = append(rows, Row{Key: key, Columns: cols})
	}

	return rows, nil
}
