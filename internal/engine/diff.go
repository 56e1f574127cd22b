package engine

import (
	"github.com/withObsrvr/obsrvr-delta-streamer/internal/snapshot"
)

// Diff classifies the change from oldRows to newRows, keyed by primary key.
// Rows whose key exists only in old become DELETE; only in new become
// INSERT; in both with any differing column value become UPDATE carrying the
// new values. Identical rows produce no record.
//
// Column values are compared one by one, never as a joined string, so
// values containing any delimiter cannot collide.
//
// Output order is deterministic: new-snapshot rows in file order
// (INSERT/UPDATE), then old-snapshot rows in file order (DELETE).
func Diff(oldRows, newRows []snapshot.Row) []ChangeRecord {
	oldByKey := make(map[string]snapshot.Row, len(oldRows))
	for _, row := range oldRows {
		oldByKey[row.Key] = row
	}

	var changes []ChangeRecord

	newKeys := make(map[string]struct{}, len(newRows))
	for _, row := range newRows {
		newKeys[row.Key] = struct{}{}

		prev, existed := oldByKey[row.Key]
		if !existed {
			changes = append(changes, ChangeRecord{
				Op:      OpInsert,
				Key:     row.Key,
				Columns: row.Columns,
			})
			continue
		}
		if !columnsEqual(prev.Columns, row.Columns) {
			changes = append(changes, ChangeRecord{
				Op:      OpUpdate,
				Key:     row.Key,
				Columns: row.Columns,
			})
		}
	}

	for _, row := range oldRows {
		if _, still := newKeys[row.Key]; !still {
			changes = append(changes, ChangeRecord{
				Op:  OpDelete,
				Key: row.Key,
			})
		}
	}

	return changes
}

// FullLoad emits one INSERT per row of a first-time snapshot.
func FullLoad(rows []snapshot.Row) []ChangeRecord {
	changes := make([]ChangeRecord, 0, len(rows))
	for _, row := range rows {
		changes = append(changes, ChangeRecord{
			Op:      OpInsert,
			Key:     row.Key,
			Columns: row.Columns,
		})
	}
	return changes
}

// columnsEqual compares column maps value-wise.
func columnsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for name, va := range a {
		vb, ok := b[name]
		if !ok || va != vb {
			return false
		}
	}
	return true
}
