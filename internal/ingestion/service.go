package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/your-org/lungscreen/internal/validation"
	"github.com/your-org/lungscreen/pkg/storage/objectstore"
)

// Publisher hands ingest records to the metadata collaborator.
type Publisher interface {
	Publish(ctx context.Context, key []byte, value []byte, headers map[string]string) error
	Close(ctx context.Context) error
}

// Service wires together validation, storage and record publishing.
type Service struct {
	store     objectstore.Client
	publisher Publisher
	validator validation.Validator
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// Params configures a Service. Publisher is optional: without one records are
// only logged.
type Params struct {
	Store     objectstore.Client
	Publisher Publisher
	Validator validation.Validator
	Logger    *zap.Logger
	Now       func() time.Time
}

// UploadOptions captures metadata about the upload.
type UploadOptions struct {
	Filename    string
	ContentType string
	PatientID   string
	StudyID     string
}

type UploadResult struct {
	Object *objectstore.StoredObject
	Record IngestRecord
}

// NewService constructs an ingestion Service.
func NewService(p Params) *Service {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := p.Now
	if now == nil {
		now = time.Now
	}
	validator := p.Validator
	if validator.MaxSizeBytes <= 0 {
		validator = validation.New(0)
	}

	return &Service{
		store:     p.Store,
		publisher: p.Publisher,
		validator: validator,
		logger:    logger,
		tracer:    otel.Tracer("github.com/your-org/lungscreen/internal/ingestion"),
		now:       now,
	}
}

// MaxSizeBytes returns the configured upload limit.
func (s *Service) MaxSizeBytes() int64 {
	return s.validator.MaxSizeBytes
}

// ProcessUpload validates the submission, reads the whole payload, stores it
// and publishes the resulting IngestRecord. Nothing is stored unless both
// validation checks pass.
func (s *Service) ProcessUpload(ctx context.Context, reader io.Reader, size int64, opts UploadOptions) (*UploadResult, error) {
	if reader == nil {
		return nil, ErrMissingFile
	}

	ctx, span := s.tracer.Start(ctx, "ingestion.ProcessUpload", trace.WithAttributes(
		attribute.String("upload.content_type", opts.ContentType),
		attribute.Int64("upload.declared_size", size),
	))
	defer span.End()

	if err := s.validator.Validate(opts.ContentType, size); err != nil {
		span.SetAttributes(attribute.String("upload.rejected", outcomeLabel(err)))
		return nil, err
	}

	data, err := readPayload(reader, s.validator.MaxSizeBytes)
	if err != nil {
		span.SetAttributes(attribute.String("upload.rejected", outcomeLabel(err)))
		return nil, err
	}

	obj, err := s.store.Store(ctx, data, opts.Filename, opts.ContentType)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store object")
		return nil, fmt.Errorf("store object: %w", err)
	}
	span.SetAttributes(attribute.String("object.key", obj.Key))

	record := NewIngestRecord(obj, opts, s.now().UTC())
	if err := s.publish(ctx, record); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish record")
		s.logger.Error("stored object has no published record",
			zap.String("object_key", obj.Key),
			zap.Error(err),
		)
		return nil, err
	}

	// Patient identifiers stay out of logs.
	s.logger.Info("image ingested",
		zap.String("record_id", record.ID),
		zap.String("study_id", record.StudyID),
		zap.String("file_type", record.ClassifiedFileType),
		zap.Int64("size_bytes", record.SizeBytes),
	)

	return &UploadResult{Object: obj, Record: record}, nil
}

// CheckType rejects content types outside the allow-list.
func (s *Service) CheckType(contentType string) error {
	return s.validator.ValidateType(contentType)
}

// FetchObject returns the stored bytes for key and the content type declared
// at upload. The type is empty when the backend cannot report it.
func (s *Service) FetchObject(ctx context.Context, key string) ([]byte, string, error) {
	data, err := s.store.Retrieve(ctx, key)
	if err != nil {
		return nil, "", err
	}

	contentType, err := s.store.ContentType(ctx, key)
	if err != nil {
		s.logger.Warn("content type lookup failed", zap.String("object_key", key), zap.Error(err))
		contentType = ""
	}
	return data, contentType, nil
}

// DeleteObject removes key from storage.
func (s *Service) DeleteObject(ctx context.Context, key string) error {
	if err := s.store.Remove(ctx, key); err != nil {
		return err
	}
	s.logger.Info("image deleted", zap.String("record_id", key))
	return nil
}

func (s *Service) publish(ctx context.Context, record IngestRecord) error {
	if s.publisher == nil {
		s.logger.Debug("ingest record not published: no publisher configured", zap.String("record_id", record.ID))
		return nil
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal ingest record: %w", err)
	}

	headers := map[string]string{
		"record_id":  record.ID,
		"event_type": EventTypeRecordCreated,
	}
	if err := s.publisher.Publish(ctx, []byte(record.ID), payload, headers); err != nil {
		return fmt.Errorf("publish ingest record: %w", err)
	}
	return nil
}

// readPayload reads the whole file, guarding against parts larger than
// their declared size.
func readPayload(reader io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(reader, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: payload exceeds limit of %d", validation.ErrPayloadTooLarge, limit)
	}
	return data, nil
}

// Close releases underlying resources.
func (s *Service) Close(ctx context.Context) error {
	if s.publisher != nil {
		if err := s.publisher.Close(ctx); err != nil {
			return err
		}
	}
	return s.store.Close()
}
