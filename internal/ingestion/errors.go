package ingestion

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/your-org/lungscreen/internal/validation"
)

// ErrMissingFile is returned when the submission carries no file field.
var ErrMissingFile = errors.New("missing file")

const (
	msgMissingFile     = "No file provided"
	msgUnsupportedType = "Invalid file type. Supported types: JPEG, PNG, DICOM"
	msgUploadFailed    = "Failed to upload file"
	msgInvalidForm     = "Invalid multipart form"
	msgImageNotFound   = "Image not found"
	msgRetrieveFailed  = "Failed to retrieve image"
	msgDeleteFailed    = "Failed to delete image"
	msgUploadSucceeded = "File uploaded successfully"
)

// IsClientError reports whether err was caused by the submission itself.
// Such errors are detected before any storage call and are not system faults.
func IsClientError(err error) bool {
	return errors.Is(err, ErrMissingFile) ||
		errors.Is(err, validation.ErrUnsupportedType) ||
		errors.Is(err, validation.ErrPayloadTooLarge)
}

// describeUploadError maps an upload failure to an HTTP status and the
// message shown to the technician. Unknown errors become a generic 500.
func describeUploadError(err error, maxSizeBytes int64) (int, string) {
	switch {
	case errors.Is(err, ErrMissingFile):
		return http.StatusBadRequest, msgMissingFile
	case errors.Is(err, validation.ErrUnsupportedType):
		return http.StatusBadRequest, msgUnsupportedType
	case errors.Is(err, validation.ErrPayloadTooLarge):
		return http.StatusBadRequest, fmt.Sprintf("File size exceeds %s limit", validation.FormatLimit(maxSizeBytes))
	default:
		return http.StatusInternalServerError, msgUploadFailed
	}
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, ErrMissingFile):
		return "missing_file"
	case errors.Is(err, validation.ErrUnsupportedType):
		return "unsupported_type"
	case errors.Is(err, validation.ErrPayloadTooLarge):
		return "too_large"
	default:
		return "failed"
	}
}
