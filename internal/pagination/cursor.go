// Package pagination provides opaque cursors for newest-first listings
// keyed by sortable ids.
package pagination

import (
	"encoding/base64"
	"errors"
	"strings"
)

const cursorVersion = "v1:"

var ErrInvalidCursor = errors.New("invalid cursor")

// Encode wraps a sort key in an opaque cursor.
func Encode(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorVersion + key))
}

// Decode returns the sort key inside cursor. An empty cursor decodes to an
// empty key, meaning the first page.
func Decode(cursor string) (string, error) {
	if cursor == "" {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", ErrInvalidCursor
	}
	key, ok := strings.CutPrefix(string(raw), cursorVersion)
	if !ok || key == "" {
		return "", ErrInvalidCursor
	}
	return key, nil
}

// Page trims items fetched with limit+1 to limit and returns the cursor for
// the next page, or "" when this is the last one.
func Page[T any](items []T, limit int, key func(T) string) ([]T, string) {
	if limit <= 0 || len(items) <= limit {
		return items, ""
	}
	items = items[:limit]
	return items, Encode(key(items[len(items)-1]))
}
