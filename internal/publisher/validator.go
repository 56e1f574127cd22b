package publisher

import (
	"errors"
	"fmt"

	"github.com/withObsrvr/obsrvr-delta-streamer/internal/engine"
)

// Validation errors.
var (
	ErrEmptyKey       = errors.New("record has empty primary key")
	ErrUnknownOp      = errors.New("record has unknown operation")
	ErrMissingColumns = errors.New("insert/update record has no columns")
	ErrDeleteColumns  = errors.New("delete record carries columns")
)

// ValidateRecord checks a change record before it is emitted on the
// stream. Consumers rely on these shape invariants and should never
// have to re-check them.
func ValidateRecord(rec engine.ChangeRecord) error {
	if rec.Key == "" {
		return ErrEmptyKey
	}

	switch rec.Op {
	case engine.OpInsert, engine.OpUpdate:
		if len(rec.Columns) == 0 {
			return fmt.Errorf("%w: op=%s", ErrMissingColumns, rec.Op)
		}
	case engine.OpDelete:
		if len(rec.Columns) != 0 {
			return ErrDeleteColumns
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOp, rec.Op)
	}

	return nil
}
