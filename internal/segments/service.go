package segments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew  = "segments.service.new"
	opIngest      = "segments.ingest"
	opListForPage = "segments.list_for_page"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

type IDProvider interface {
	NewID() (string, error)
}

type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Ingest stores a segment unless one with the same page id and timestamp
// already exists, in which case the stored segment is returned as a duplicate.
func (s *Service) Ingest(ctx context.Context, request IngestRequest) (IngestOutcome, error) {
	if len(request.Audio) == 0 {
		return IngestOutcome{}, newServiceError(opIngest, "empty_audio", ErrEmptyAudio)
	}

	var outcome IngestOutcome
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing SpeechSegment
		err := tx.Where("page_id = ? AND timestamp = ?", request.PageID.String(), request.Timestamp.String()).
			Take(&existing).Error
		if err == nil {
			outcome = IngestOutcome{Segment: existing, Duplicate: true}
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logError(opIngest, "segment_select_failed", err,
				zap.String("page_id", request.PageID.String()),
				zap.String("timestamp", request.Timestamp.String()))
			return newServiceError(opIngest, "segment_select_failed", err)
		}

		segmentID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opIngest, "id_generation_failed", err, zap.String("page_id", request.PageID.String()))
			return newServiceError(opIngest, "id_generation_failed", err)
		}

		segment := SpeechSegment{
			SegmentID:         segmentID,
			PageID:            request.PageID.String(),
			Timestamp:         request.Timestamp.String(),
			Subject:           request.Subject,
			MimeType:          request.MimeType,
			Filename:          request.Filename,
			Audio:             request.Audio,
			SizeBytes:         int64(len(request.Audio)),
			ViaBeacon:         request.ViaBeacon,
			ReceivedAtSeconds: s.clock().UTC().Unix(),
		}
		if err := tx.Create(&segment).Error; err != nil {
			s.logError(opIngest, "segment_insert_failed", err,
				zap.String("page_id", request.PageID.String()),
				zap.String("timestamp", request.Timestamp.String()))
			return newServiceError(opIngest, "segment_insert_failed", err)
		}
		outcome = IngestOutcome{Segment: segment}
		return nil
	})
	if txErr != nil {
		return IngestOutcome{}, txErr
	}

	if outcome.Duplicate {
		s.logger.Info("duplicate speech segment collapsed",
			zap.String("page_id", request.PageID.String()),
			zap.String("timestamp", request.Timestamp.String()),
			zap.Bool("via_beacon", request.ViaBeacon))
	}
	return outcome, nil
}

// ListForPage returns the stored segments of a page ordered by timestamp.
func (s *Service) ListForPage(ctx context.Context, pageID PageID) ([]SpeechSegment, error) {
	var stored []SpeechSegment
	if err := s.db.WithContext(ctx).
		Where("page_id = ?", pageID.String()).
		Order("timestamp ASC").
		Find(&stored).Error; err != nil {
		s.logError(opListForPage, "query_failed", err, zap.String("page_id", pageID.String()))
		return nil, newServiceError(opListForPage, "query_failed", err)
	}
	return stored, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("segments service error", attrs...)
}
