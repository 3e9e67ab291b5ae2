package storage

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// ValidateKey rejects keys that are empty or would escape the store's
// root when treated as a path.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("object key is required")
	}
	// Rooted Clean absorbs any ".." so a key that survives unchanged
	// cannot point outside the store.
	clean := path.Clean("/" + key)
	if clean == "/" || clean[1:] != key {
		return fmt.Errorf("invalid object key %q", key)
	}
	return nil
}

// UploadKey builds the object key for a fresh upload:
// YYYY/MM/DD/<unix-millis>-<filename>. The date prefix keeps directory
// fan-out bounded; the millisecond prefix keeps same-named uploads apart.
func UploadKey(filename string, now time.Time) string {
	return fmt.Sprintf("%s/%d-%s",
		now.UTC().Format("2006/01/02"), now.UnixMilli(), SanitizeFilename(filename))
}

// SanitizeFilename strips any path components and characters that have
// no business in an object key segment.
func SanitizeFilename(name string) string {
	// Keep only the final path element, whatever separator the client used.
	if i := strings.LastIndexAny(name, "/\\"); i >= 0 {
		name = name[i+1:]
	}
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	if name == "" || strings.Trim(name, ".") == "" {
		return "upload"
	}
	return name
}

// NormalizeKey accepts either a bare object key or an s3://bucket/key
// URI (which older clients still send) and returns the bare key.
func NormalizeKey(raw string) (string, error) {
	key := raw
	if strings.HasPrefix(raw, "s3://") {
		rest := strings.TrimPrefix(raw, "s3://")
		i := strings.IndexByte(rest, '/')
		if i < 0 || i == len(rest)-1 {
			return "", fmt.Errorf("s3 URI %q has no object key", raw)
		}
		key = rest[i+1:]
	}
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", fmt.Errorf("object key is required")
	}
	return key, nil
}
