package store

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// DefaultPageSize is used when a list call passes a non-positive limit.
const DefaultPageSize = 20

// MaxPageSize caps the number of rows returned by one list call.
const MaxPageSize = 100

// Listing is keyset based: rows are ordered by descending id and a cursor
// names the last id already returned, so rows inserted while a client pages
// through the list are neither skipped nor repeated.

func encodeCursor(kind string, id int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(kind + ":" + strconv.FormatInt(id, 10)))
}

// decodeCursor returns the id after which listing resumes. An empty cursor
// starts from the newest row.
func decodeCursor(kind, cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	prefix, num, ok := strings.Cut(string(raw), ":")
	if !ok || prefix != kind {
		return 0, ErrInvalidCursor
	}
	id, err := strconv.ParseInt(num, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidCursor
	}
	return id, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}
