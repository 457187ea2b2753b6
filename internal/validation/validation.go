// Package validation decides whether an incoming image may enter the pipeline.
// All functions are pure.
package validation

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultMaxSizeBytes is the upload limit used when none is configured.
const DefaultMaxSizeBytes int64 = 10 * 1024 * 1024

var (
	ErrUnsupportedType = errors.New("unsupported content type")
	ErrPayloadTooLarge = errors.New("payload too large")
)

var acceptableTypes = []string{
	"image/jpeg",
	"image/png",
	"image/dicom",
	"application/dicom",
}

// AcceptableTypes returns the allow-list in a stable order.
func AcceptableTypes() []string {
	out := make([]string, len(acceptableTypes))
	copy(out, acceptableTypes)
	return out
}

// IsAcceptableType reports whether contentType is exactly one of the allowed
// MIME types. No normalisation is applied: parameters or odd casing reject.
func IsAcceptableType(contentType string) bool {
	for _, t := range acceptableTypes {
		if contentType == t {
			return true
		}
	}
	return false
}

// IsAcceptableSize reports whether sizeBytes fits within limit.
func IsAcceptableSize(sizeBytes, limit int64) bool {
	return sizeBytes <= limit
}

// Validator applies both checks with a configured size limit.
type Validator struct {
	MaxSizeBytes int64
}

// New returns a Validator; a non-positive limit falls back to DefaultMaxSizeBytes.
func New(maxSizeBytes int64) Validator {
	if maxSizeBytes <= 0 {
		maxSizeBytes = DefaultMaxSizeBytes
	}
	return Validator{MaxSizeBytes: maxSizeBytes}
}

// Validate returns the first failing check. Type is checked before size so
// a file failing both always gets the same message.
func (v Validator) Validate(contentType string, sizeBytes int64) error {
	if err := v.ValidateType(contentType); err != nil {
		return err
	}
	if !IsAcceptableSize(sizeBytes, v.MaxSizeBytes) {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrPayloadTooLarge, sizeBytes, v.MaxSizeBytes)
	}
	return nil
}

// ValidateType applies only the type check. It lets callers reject a stream
// before reading any of its bytes.
func (v Validator) ValidateType(contentType string) error {
	if !IsAcceptableType(contentType) {
		return fmt.Errorf("%w: %q", ErrUnsupportedType, contentType)
	}
	return nil
}

// ClassifyFileType derives the record file type from a content type.
// Every DICOM flavour collapses to "dicom"; otherwise the MIME subtype is used.
func ClassifyFileType(contentType string) string {
	if strings.Contains(strings.ToLower(contentType), "dicom") {
		return "dicom"
	}
	if _, sub, ok := strings.Cut(contentType, "/"); ok {
		return sub
	}
	return contentType
}

// FormatLimit renders a byte limit for user-facing messages, e.g. "10MB".
func FormatLimit(limit int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
	)
	switch {
	case limit >= mb && limit%mb == 0:
		return fmt.Sprintf("%dMB", limit/mb)
	case limit >= mb:
		return fmt.Sprintf("%.1fMB", float64(limit)/mb)
	case limit >= kb && limit%kb == 0:
		return fmt.Sprintf("%dKB", limit/kb)
	default:
		return fmt.Sprintf("%d bytes", limit)
	}
}
