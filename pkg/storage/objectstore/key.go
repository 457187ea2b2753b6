package objectstore

import (
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const maxKeyNameLen = 100

// NewKey generates a storage key for fileName.
// Format: {uuid}-{sanitized name}, e.g. 0c9a...-chest_pa.dcm.
// The UUID makes keys unique per call, so concurrent uploads of the same
// file name never collide and a key is never handed out twice.
func NewKey(fileName string) string {
	return uuid.NewString() + "-" + sanitizeName(fileName)
}

// ValidKey reports whether key is safe to embed in a URL path and to map onto
// a backend namespace.
func ValidKey(key string) bool {
	if key == "" || key == "." || key == ".." || len(key) > 36+1+maxKeyNameLen {
		return false
	}
	for _, r := range key {
		if !isKeyRune(r) {
			return false
		}
	}
	return true
}

// sanitizeName keeps only URL-safe characters of the base name and
// preserves the extension when the name has to be truncated.
func sanitizeName(fileName string) string {
	base := filepath.Base(strings.ReplaceAll(fileName, "\\", "/"))
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)

	name = keepKeyRunes(name)
	ext = keepKeyRunes(ext)
	if ext == "." {
		ext = ""
	}
	if name == "" || strings.Trim(name, ".") == "" {
		name = "file"
	}
	if len(ext) > 16 {
		ext = ""
	}
	if len(name)+len(ext) > maxKeyNameLen {
		name = name[:maxKeyNameLen-len(ext)]
	}
	return name + ext
}

func keepKeyRunes(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case isKeyRune(r):
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('_')
		}
	}
	return b.String()
}

func isKeyRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.'
}
