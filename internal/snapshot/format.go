package snapshot

import (
	"errors"
	"fmt"
	"strings"
)

// Format identifies the on-disk encoding of a snapshot file.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatCSVZstd Format = "csv.zst"
)

// ErrUnknownFormat is returned for storage keys with an unrecognized suffix.
var ErrUnknownFormat = errors.New("unknown snapshot format")

// DetectFormat routes a storage key to its decoder by file suffix.
func DetectFormat(key string) (Format, error) {
	switch {
	case strings.HasSuffix(key, ".csv.zst"):
		return FormatCSVZstd, nil
	case strings.HasSuffix(key, ".csv"):
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownFormat, key)
	}
}
