package ingestion

import (
	"time"

	"github.com/your-org/lungscreen/internal/validation"
	"github.com/your-org/lungscreen/pkg/storage/objectstore"
)

// Sentinel identifiers used when the submission omits them. Consumers must
// read these as "unassigned", never as real identifiers.
const (
	DefaultStudyID   = "default-study"
	DefaultPatientID = "default-patient"
)

// StatusUploaded is the initial lifecycle status of a record.
const StatusUploaded = "uploaded"

// EventTypeRecordCreated is set as the event_type header on published records.
const EventTypeRecordCreated = "ingest.record.created"

// IngestRecord links a stored object to the clinical identifiers of the
// submission. It is handed to the metadata collaborator and never mutated here.
type IngestRecord struct {
	ID                  string    `json:"id"`
	StudyID             string    `json:"studyId"`
	PatientID           string    `json:"patientId"`
	FileName            string    `json:"fileName"`
	FilePath            string    `json:"filePath"`
	DeclaredContentType string    `json:"contentType"`
	ClassifiedFileType  string    `json:"fileType"`
	SizeBytes           int64     `json:"size"`
	Checksum            string    `json:"checksum"`
	Status              string    `json:"status"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// NewIngestRecord builds the record for obj, applying sentinel defaults and
// the DICOM collapsing rule.
func NewIngestRecord(obj *objectstore.StoredObject, opts UploadOptions, now time.Time) IngestRecord {
	studyID := opts.StudyID
	if studyID == "" {
		studyID = DefaultStudyID
	}
	patientID := opts.PatientID
	if patientID == "" {
		patientID = DefaultPatientID
	}

	return IngestRecord{
		ID:                  obj.Key,
		StudyID:             studyID,
		PatientID:           patientID,
		FileName:            opts.Filename,
		FilePath:            obj.URL,
		DeclaredContentType: opts.ContentType,
		ClassifiedFileType:  validation.ClassifyFileType(opts.ContentType),
		SizeBytes:           obj.SizeBytes,
		Checksum:            obj.Checksum,
		Status:              StatusUploaded,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}
