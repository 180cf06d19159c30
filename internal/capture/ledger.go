package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/lectern/internal/store"
)

const (
	ledgerKeyPrefix       = "recording-ledger:"
	maxDocumentIDLength   = 150
	millisecondsPerSecond = 1000
)

// ErrInvalidDocumentID indicates an empty or oversized document id.
var ErrInvalidDocumentID = errors.New("capture: invalid document id")

// Status is the recording status of a document.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRecording Status = "recording"
	StatusPaused    Status = "paused"
)

// Session is the persisted recording state of one document. StartedAt is the
// wall-clock start of the running segment in milliseconds and is set only
// while recording. Accumulated counts logical seconds from finished segments.
type Session struct {
	Status      Status `json:"status"`
	StartedAt   *int64 `json:"startedAt,omitempty"`
	Accumulated int64  `json:"accumulated"`
}

// IdleSession is the state of a document that never recorded.
func IdleSession() Session {
	return Session{Status: StatusIdle}
}

// RecordingSince returns a recording session that started at now on top of
// accumulated seconds.
func RecordingSince(now time.Time, accumulated int64) Session {
	startedAt := now.UnixMilli()
	return Session{Status: StatusRecording, StartedAt: &startedAt, Accumulated: accumulated}
}

// PausedAt returns a paused session holding accumulated seconds.
func PausedAt(accumulated int64) Session {
	return Session{Status: StatusPaused, Accumulated: accumulated}
}

// LogicalSeconds is the elapsed recording time excluding paused periods. Only
// a recording session adds the running segment's wall-clock delta.
func (s Session) LogicalSeconds(now time.Time) int64 {
	total := s.Accumulated
	if s.Status == StatusRecording && s.StartedAt != nil {
		delta := (now.UnixMilli() - *s.StartedAt) / millisecondsPerSecond
		if delta > 0 {
			total += delta
		}
	}
	return total
}

func (s Session) normalized() Session {
	if s.Accumulated < 0 {
		s.Accumulated = 0
	}
	switch s.Status {
	case StatusRecording:
		if s.StartedAt == nil {
			s.Status = StatusPaused
		}
	case StatusPaused:
		s.StartedAt = nil
	default:
		s.Status = StatusIdle
		s.StartedAt = nil
	}
	return s
}

// Ledger persists one Session per document in the shared store.
type Ledger struct {
	store *store.Store
}

// NewLedger constructs a Ledger over s.
func NewLedger(s *store.Store) (*Ledger, error) {
	if s == nil {
		return nil, errors.New("capture: store is required")
	}
	return &Ledger{store: s}, nil
}

// Load returns the stored session of documentID and whether one exists.
func (l *Ledger) Load(ctx context.Context, documentID string) (Session, bool, error) {
	key, err := ledgerKey(documentID)
	if err != nil {
		return Session{}, false, err
	}
	session, ok, err := store.LoadJSON[Session](ctx, l.store, key)
	if err != nil || !ok {
		return IdleSession(), false, err
	}
	return session.normalized(), true, nil
}

// Save replaces the stored session of documentID.
func (l *Ledger) Save(ctx context.Context, documentID string, session Session) error {
	key, err := ledgerKey(documentID)
	if err != nil {
		return err
	}
	return store.SaveJSON(ctx, l.store, key, session.normalized())
}

// Delete removes the stored session of documentID.
func (l *Ledger) Delete(ctx context.Context, documentID string) error {
	key, err := ledgerKey(documentID)
	if err != nil {
		return err
	}
	return l.store.Delete(ctx, key)
}

func ledgerKey(documentID string) (string, error) {
	trimmed := strings.TrimSpace(documentID)
	if trimmed == "" || trimmed != documentID {
		return "", fmt.Errorf("%w: %q", ErrInvalidDocumentID, documentID)
	}
	if len(trimmed) > maxDocumentIDLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxDocumentIDLength)
	}
	return ledgerKeyPrefix + trimmed, nil
}
