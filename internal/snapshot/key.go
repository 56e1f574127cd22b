package snapshot

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedKey is returned for upload keys that do not match
// tenant/table/version/file.
var ErrMalformedKey = errors.New("malformed upload key")

// UploadEvent is one snapshot upload, derived from its object key.
type UploadEvent struct {
	Tenant      string
	Table       string
	Version     string
	FileName    string
	DatasetID   string // tenant/table
	Path        string // tenant/table/version
	StorageKey  string // full object key
	SizeBytes   int64
	ContentHash string
}

// ParseUploadKey parses an object key shaped tenant/table/version/file.
func ParseUploadKey(key string) (UploadEvent, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 4 {
		return UploadEvent{}, fmt.Errorf("%w: %q", ErrMalformedKey, key)
	}
	for _, p := range parts {
		if p == "" {
			return UploadEvent{}, fmt.Errorf("%w: empty segment in %q", ErrMalformedKey, key)
		}
	}

	tenant, table, version, file := parts[0], parts[1], parts[2], parts[3]
	return UploadEvent{
		Tenant:     tenant,
		Table:      table,
		Version:    version,
		FileName:   file,
		DatasetID:  tenant + "/" + table,
		Path:       tenant + "/" + table + "/" + version,
		StorageKey: key,
	}, nil
}
