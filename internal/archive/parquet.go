package archive

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/withObsrvr/obsrvr-delta-streamer/internal/engine"
)

// ChangeRow is the parquet row shape for one archived change record.
// Column values are stored as a JSON object so the schema stays stable
// across datasets with different column sets.
type ChangeRow struct {
	Position    int64  `parquet:"position"`
	Op          string `parquet:"op,dict"`
	PrimaryKey  string `parquet:"primary_key"`
	ColumnsJSON string `parquet:"columns_json"` // empty for DELETE

	DatasetID  string    `parquet:"dataset_id,dict"`
	VersionOld string    `parquet:"version_old,dict"`
	VersionNew string    `parquet:"version_new,dict"`
	ArchivedAt time.Time `parquet:"archived_at,timestamp(millisecond)"`
}

// Counts summarizes a delta by operation.
type Counts struct {
	Inserts int64
	Updates int64
	Deletes int64
}

// Total returns the total number of rows.
func (c Counts) Total() int64 {
	return c.Inserts + c.Updates + c.Deletes
}

// EncodeParquet encodes change records into a parquet payload. Row order
// matches the input order; Position preserves it for readers that sort.
func EncodeParquet(ref Ref, records []engine.ChangeRecord) ([]byte, Counts, error) {
	now := time.Now().UTC()
	var counts Counts

	rows := make([]ChangeRow, 0, len(records))
	for i, rec := range records {
		row := ChangeRow{
			Position:   int64(i),
			Op:         string(rec.Op),
			PrimaryKey: rec.Key,
			DatasetID:  ref.DatasetID,
			VersionOld: ref.VersionOld,
			VersionNew: ref.VersionNew,
			ArchivedAt: now,
		}

		switch rec.Op {
		case engine.OpInsert:
			counts.Inserts++
		case engine.OpUpdate:
			counts.Updates++
		case engine.OpDelete:
			counts.Deletes++
		default:
			return nil, Counts{}, fmt.Errorf("unknown operation %q at row %d", rec.Op, i)
		}

		if len(rec.Columns) > 0 {
			cols, err := json.Marshal(rec.Columns)
			if err != nil {
				return nil, Counts{}, fmt.Errorf("encode columns for %q: %w", rec.Key, err)
			}
			row.ColumnsJSON = string(cols)
		}
		rows = append(rows, row)
	}

	var buf bytes.Buffer
	writer := parquet.NewGenericWriter[ChangeRow](&buf, parquet.Compression(&parquet.Snappy))
	if _, err := writer.Write(rows); err != nil {
		return nil, Counts{}, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, Counts{}, fmt.Errorf("close parquet writer: %w", err)
	}

	return buf.Bytes(), counts, nil
}

// DecodeParquet reads an archived parquet payload back into rows,
// exposed for replay tooling and tests.
func DecodeParquet(data []byte) ([]ChangeRow, error) {
	rows, err := parquet.Read[ChangeRow](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("read parquet rows: %w", err)
	}
	return rows, nil
}
