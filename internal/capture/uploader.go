// Package capture records classroom audio continuously and cuts it into one
// uploaded segment per page, tagged with logical elapsed time.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/lectern/internal/announce"
	"github.com/MarcoPoloResearchLab/lectern/internal/lane"
	"github.com/MarcoPoloResearchLab/lectern/internal/timecode"
	"go.uber.org/zap"
)

const defaultSettleDelay = 300 * time.Millisecond

// Segment is one finalized page of audio handed to the sink.
type Segment struct {
	PageID    string
	Timestamp string
	Blob      Blob
}

// SegmentSink accepts segments for delivery without blocking the caller. The
// returned channel reports the outcome of the delivery attempt.
type SegmentSink interface {
	Enqueue(segment Segment) <-chan error
}

// UploadKey identifies a cut. Two cuts with the same key are the same cut.
type UploadKey struct {
	PageID    string
	Timestamp string
}

// MountOptions control how a document's recording resumes on mount.
type MountOptions struct {
	// ResumeClock is an externally bookmarked HH:MM:SS. When set it replaces
	// the persisted accumulated time and the session restarts from idle.
	ResumeClock string
	// AutoRecord starts recording even if the document was not recording.
	AutoRecord bool
}

// UploaderConfig describes a SegmentUploader.
type UploaderConfig struct {
	Ledger      *Ledger
	Recorder    Recorder
	Sink        SegmentSink
	Announcer   announce.Announcer
	Logger      *zap.Logger
	Clock       func() time.Time
	SettleDelay time.Duration
	Sleep       func(ctx context.Context, delay time.Duration) error
}

// SegmentUploader drives the recorder and the ledger of the active document.
// Every operation on a document runs on that document's lane, so overlapping
// navigations never interleave recorder calls.
type SegmentUploader struct {
	ledger      *Ledger
	recorder    Recorder
	sink        SegmentSink
	announcer   announce.Announcer
	logger      *zap.Logger
	clock       func() time.Time
	settleDelay time.Duration
	sleep       func(ctx context.Context, delay time.Duration) error
	lanes       *lane.Group

	guardMu    sync.Mutex
	lastKey    UploadKey
	hasLastKey bool
}

// NewSegmentUploader validates dependencies and constructs the uploader.
func NewSegmentUploader(cfg UploaderConfig) (*SegmentUploader, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("capture: ledger is required")
	}
	if cfg.Recorder == nil {
		return nil, errors.New("capture: recorder is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("capture: segment sink is required")
	}
	var announcer announce.Announcer = announce.Nop{}
	if cfg.Announcer != nil {
		announcer = cfg.Announcer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	settleDelay := cfg.SettleDelay
	if settleDelay <= 0 {
		settleDelay = defaultSettleDelay
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return &SegmentUploader{
		ledger:      cfg.Ledger,
		recorder:    cfg.Recorder,
		sink:        cfg.Sink,
		announcer:   announcer,
		logger:      logger,
		clock:       clock,
		settleDelay: settleDelay,
		sleep:       sleep,
		lanes:       lane.NewGroup(),
	}, nil
}

// Mount restores the recording state of documentID after a reload. A
// recorder that cannot start is announced and leaves the document open: a
// session persisted as recording is kept as paused so recording can be
// started again.
func (u *SegmentUploader) Mount(ctx context.Context, documentID string, options MountOptions) (Session, error) {
	var mounted Session
	err := u.lanes.Do(ctx, documentID, func(ctx context.Context) error {
		persisted, _, err := u.ledger.Load(ctx, documentID)
		if err != nil {
			return err
		}
		session := persisted
		if options.ResumeClock != "" {
			seconds, err := timecode.Parse(options.ResumeClock)
			if err != nil {
				return fmt.Errorf("capture: resume clock: %w", err)
			}
			session = Session{Status: StatusIdle, Accumulated: seconds}
			if err := u.ledger.Save(ctx, documentID, session); err != nil {
				return err
			}
		}
		mounted = session

		if !options.AutoRecord && persisted.Status != StatusRecording {
			return nil
		}
		if err := u.startRecorder(ctx, documentID); err != nil {
			if session.Status != StatusRecording {
				return nil
			}
			mounted = PausedAt(session.Accumulated)
			return u.ledger.Save(ctx, documentID, mounted)
		}
		mounted = RecordingSince(u.clock(), session.Accumulated)
		return u.ledger.Save(ctx, documentID, mounted)
	})
	return mounted, err
}

// StartRecording begins recording documentID. Recording documents are left alone.
func (u *SegmentUploader) StartRecording(ctx context.Context, documentID string) error {
	return u.lanes.Do(ctx, documentID, func(ctx context.Context) error {
		session, _, err := u.ledger.Load(ctx, documentID)
		if err != nil {
			return err
		}
		switch session.Status {
		case StatusRecording:
			return nil
		case StatusPaused:
			return u.resumeLocked(ctx, documentID, session)
		}
		if err := u.startRecorder(ctx, documentID); err != nil {
			return err
		}
		return u.ledger.Save(ctx, documentID, RecordingSince(u.clock(), session.Accumulated))
	})
}

// Pause freezes the logical clock of documentID.
func (u *SegmentUploader) Pause(ctx context.Context, documentID string) error {
	return u.lanes.Do(ctx, documentID, func(ctx context.Context) error {
		session, _, err := u.ledger.Load(ctx, documentID)
		if err != nil {
			return err
		}
		if session.Status != StatusRecording {
			return nil
		}
		accumulated := session.LogicalSeconds(u.clock())
		if err := u.recorder.Pause(); err != nil {
			u.logger.Warn("recorder pause failed", zap.String("document_id", documentID), zap.Error(err))
		}
		return u.ledger.Save(ctx, documentID, PausedAt(accumulated))
	})
}

// Resume continues a paused recording of documentID.
func (u *SegmentUploader) Resume(ctx context.Context, documentID string) error {
	return u.lanes.Do(ctx, documentID, func(ctx context.Context) error {
		session, _, err := u.ledger.Load(ctx, documentID)
		if err != nil {
			return err
		}
		if session.Status != StatusPaused {
			return nil
		}
		return u.resumeLocked(ctx, documentID, session)
	})
}

func (u *SegmentUploader) resumeLocked(ctx context.Context, documentID string, session Session) error {
	err := u.recorder.Resume()
	if errors.Is(err, ErrRecorderInactive) {
		err = u.recorder.Start(ctx)
	}
	if err != nil {
		u.reportStartFailure(documentID, err)
		return err
	}
	return u.ledger.Save(ctx, documentID, RecordingSince(u.clock(), session.Accumulated))
}

// CutPage finalizes the segment of the page being left, hands it to the sink
// keyed by that page, and starts the next page's segment at the same logical
// time. Documents that are not recording are left alone.
func (u *SegmentUploader) CutPage(ctx context.Context, documentID, leavingPageID string) error {
	return u.lanes.Do(ctx, documentID, func(ctx context.Context) error {
		session, _, err := u.ledger.Load(ctx, documentID)
		if err != nil {
			return err
		}
		if session.Status != StatusRecording {
			return nil
		}

		endSeconds := session.LogicalSeconds(u.clock())
		endTimestamp := timecode.Format(endSeconds)

		blob, err := u.recorder.Stop(ctx)
		if err != nil {
			u.logger.Error("recorder stop failed during page cut",
				zap.String("document_id", documentID),
				zap.String("page_id", leavingPageID),
				zap.Error(err))
			return fmt.Errorf("capture: stop segment: %w", err)
		}
		u.deliver(leavingPageID, endTimestamp, blob)

		if err := u.ledger.Save(ctx, documentID, PausedAt(endSeconds)); err != nil {
			return err
		}

		if err := u.startRecorder(ctx, documentID); err != nil {
			return err
		}
		return u.ledger.Save(ctx, documentID, RecordingSince(u.clock(), endSeconds))
	})
}

// EndLecture delivers the final segment and forgets the document's session. A
// paused document is resumed briefly so the silent tail still yields a blob.
func (u *SegmentUploader) EndLecture(ctx context.Context, documentID, pageID string) error {
	return u.lanes.Do(ctx, documentID, func(ctx context.Context) error {
		session, ok, err := u.ledger.Load(ctx, documentID)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		switch session.Status {
		case StatusRecording:
			endTimestamp := timecode.Format(session.LogicalSeconds(u.clock()))
			blob, err := u.recorder.Stop(ctx)
			if err != nil {
				return fmt.Errorf("capture: stop final segment: %w", err)
			}
			u.deliver(pageID, endTimestamp, blob)
		case StatusPaused:
			endTimestamp := timecode.Format(session.Accumulated)
			resumeErr := u.recorder.Resume()
			if errors.Is(resumeErr, ErrRecorderInactive) {
				resumeErr = u.recorder.Start(ctx)
			}
			if resumeErr != nil {
				u.reportStartFailure(documentID, resumeErr)
				return resumeErr
			}
			if err := u.sleep(ctx, u.settleDelay); err != nil {
				return err
			}
			blob, err := u.recorder.Stop(ctx)
			if err != nil {
				return fmt.Errorf("capture: stop final segment: %w", err)
			}
			u.deliver(pageID, endTimestamp, blob)
		}

		if err := u.ledger.Delete(ctx, documentID); err != nil {
			return err
		}
		u.logger.Info("lecture capture ended", zap.String("document_id", documentID))
		return nil
	})
}

// LogicalSeconds reports the current logical elapsed time of documentID.
func (u *SegmentUploader) LogicalSeconds(ctx context.Context, documentID string) (int64, error) {
	session, _, err := u.ledger.Load(ctx, documentID)
	if err != nil {
		return 0, err
	}
	return session.LogicalSeconds(u.clock()), nil
}

// Close waits for queued operations and releases the recorder's stream.
func (u *SegmentUploader) Close() {
	u.recorder.Release()
	u.lanes.Close()
}

func (u *SegmentUploader) startRecorder(ctx context.Context, documentID string) error {
	if err := u.recorder.Start(ctx); err != nil {
		u.reportStartFailure(documentID, err)
		return err
	}
	return nil
}

func (u *SegmentUploader) reportStartFailure(documentID string, err error) {
	u.logger.Warn("recorder start failed", zap.String("document_id", documentID), zap.Error(err))
	switch {
	case errors.Is(err, ErrPermissionDenied):
		u.announcer.Announce(announce.Warning("Microphone access was denied. Allow microphone access, then start recording again."))
	case errors.Is(err, ErrNoDevice):
		u.announcer.Announce(announce.Warning("No microphone was found. Connect a microphone, then start recording again."))
	default:
		u.announcer.Announce(announce.Warning(fmt.Sprintf("Recording could not start: %v", err)))
	}
}

func (u *SegmentUploader) deliver(pageID, endTimestamp string, blob Blob) {
	logger := u.logger.With(zap.String("page_id", pageID), zap.String("timestamp", endTimestamp))
	if blob.Size() == 0 {
		logger.Debug("empty segment not uploaded")
		return
	}

	key := UploadKey{PageID: pageID, Timestamp: endTimestamp}
	u.guardMu.Lock()
	if u.hasLastKey && u.lastKey == key {
		u.guardMu.Unlock()
		logger.Debug("duplicate segment cut skipped")
		return
	}
	u.lastKey = key
	u.hasLastKey = true
	u.guardMu.Unlock()

	result := u.sink.Enqueue(Segment{PageID: pageID, Timestamp: endTimestamp, Blob: blob})
	if result == nil {
		return
	}
	go func() {
		if err := <-result; err != nil {
			logger.Error("segment could not be queued for upload", zap.Error(err))
		}
	}()
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
