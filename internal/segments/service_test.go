package segments

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Database:   openTestDatabase(t),
		Clock:      func() time.Time { return time.Unix(1700000000, 0) },
		IDProvider: &sequenceIDProvider{},
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service
}

func TestIngestStoresFirstDeliveryAndCollapsesRepeats(t *testing.T) {
	service := newTestService(t)
	request := IngestRequest{
		PageID:    mustPageID(t, "page-7"),
		Timestamp: mustTimestamp(t, "00:00:42"),
		Subject:   "assistant-1",
		MimeType:  "audio/webm",
		Filename:  "page-7.webm",
		Audio:     []byte{1, 2, 3},
	}

	first, err := service.Ingest(context.Background(), request)
	if err != nil {
		t.Fatalf("unexpected ingest error: %v", err)
	}
	if first.Duplicate {
		t.Fatalf("expected first delivery to be stored")
	}
	if first.Segment.SizeBytes != 3 {
		t.Fatalf("expected size 3, got %d", first.Segment.SizeBytes)
	}

	request.ViaBeacon = true
	second, err := service.Ingest(context.Background(), request)
	if err != nil {
		t.Fatalf("unexpected ingest error: %v", err)
	}
	if !second.Duplicate {
		t.Fatalf("expected repeated delivery to be reported as duplicate")
	}
	if second.Segment.SegmentID != first.Segment.SegmentID {
		t.Fatalf("expected duplicate to return stored segment %s, got %s", first.Segment.SegmentID, second.Segment.SegmentID)
	}

	stored, err := service.ListForPage(context.Background(), request.PageID)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("expected exactly one stored segment, got %d", len(stored))
	}
	if stored[0].ViaBeacon {
		t.Fatalf("expected the first delivery to be retained")
	}
}

func TestIngestOrdersSegmentsByTimestamp(t *testing.T) {
	service := newTestService(t)
	pageID := mustPageID(t, "page-1")
	for _, ts := range []string{"00:02:00", "00:00:30", "00:01:15"} {
		if _, err := service.Ingest(context.Background(), IngestRequest{
			PageID:    pageID,
			Timestamp: mustTimestamp(t, ts),
			Audio:     []byte{9},
		}); err != nil {
			t.Fatalf("unexpected ingest error: %v", err)
		}
	}

	stored, err := service.ListForPage(context.Background(), pageID)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	expected := []string{"00:00:30", "00:01:15", "00:02:00"}
	if len(stored) != len(expected) {
		t.Fatalf("expected %d segments, got %d", len(expected), len(stored))
	}
	for index, ts := range expected {
		if stored[index].Timestamp != ts {
			t.Fatalf("expected %s at index %d, got %s", ts, index, stored[index].Timestamp)
		}
	}
}

func TestIngestRejectsEmptyAudio(t *testing.T) {
	service := newTestService(t)
	_, err := service.Ingest(context.Background(), IngestRequest{
		PageID:    mustPageID(t, "page-1"),
		Timestamp: mustTimestamp(t, "00:00:01"),
	})
	if !errors.Is(err, ErrEmptyAudio) {
		t.Fatalf("expected ErrEmptyAudio, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "segments.ingest.empty_audio" {
		t.Fatalf("unexpected service error: %v", err)
	}
}

func TestNewTimestampCanonicalizes(t *testing.T) {
	ts := mustTimestamp(t, " 01:02:03 ")
	if ts.String() != "01:02:03" {
		t.Fatalf("unexpected canonical timestamp %q", ts)
	}
	if _, err := NewTimestamp("1:02"); !errors.Is(err, ErrInvalidTimestamp) {
		t.Fatalf("expected ErrInvalidTimestamp, got %v", err)
	}
	if _, err := NewPageID("  "); !errors.Is(err, ErrInvalidPageID) {
		t.Fatalf("expected ErrInvalidPageID, got %v", err)
	}
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	if _, err := NewService(ServiceConfig{IDProvider: &sequenceIDProvider{}}); err == nil {
		t.Fatalf("expected missing database error")
	}
	if _, err := NewService(ServiceConfig{Database: openTestDatabase(t)}); err == nil {
		t.Fatalf("expected missing id provider error")
	}
}
