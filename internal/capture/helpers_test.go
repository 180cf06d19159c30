package capture

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/lectern/internal/announce"
	"github.com/MarcoPoloResearchLab/lectern/internal/store"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "client.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&store.Entry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	s, err := store.New(store.Config{Database: db, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	ledger, err := NewLedger(s)
	if err != nil {
		t.Fatalf("failed to construct ledger: %v", err)
	}
	return ledger
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeRecorder struct {
	mu       sync.Mutex
	calls    []string
	active   bool
	paused   bool
	startErr error
	payload  []byte
	onStop   func()
}

func (r *fakeRecorder) Start(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "start")
	if r.startErr != nil {
		return r.startErr
	}
	r.active = true
	r.paused = false
	return nil
}

func (r *fakeRecorder) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "pause")
	if !r.active {
		return ErrRecorderInactive
	}
	r.paused = true
	return nil
}

func (r *fakeRecorder) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "resume")
	if !r.active {
		return ErrRecorderInactive
	}
	r.paused = false
	return nil
}

func (r *fakeRecorder) Stop(context.Context) (Blob, error) {
	r.mu.Lock()
	r.calls = append(r.calls, "stop")
	onStop := r.onStop
	active := r.active
	r.active = false
	payload := r.payload
	r.mu.Unlock()
	if onStop != nil {
		onStop()
	}
	if !active {
		return Blob{}, ErrRecorderInactive
	}
	return Blob{Data: payload, MimeType: "audio/webm"}, nil
}

func (r *fakeRecorder) Release() {
	r.mu.Lock()
	r.calls = append(r.calls, "release")
	r.active = false
	r.mu.Unlock()
}

func (r *fakeRecorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeSink struct {
	mu       sync.Mutex
	segments []Segment
}

func (s *fakeSink) Enqueue(segment Segment) <-chan error {
	s.mu.Lock()
	s.segments = append(s.segments, segment)
	s.mu.Unlock()
	result := make(chan error, 1)
	result <- nil
	return result
}

func (s *fakeSink) Segments() []Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Segment(nil), s.segments...)
}

type recordingAnnouncer struct {
	mu      sync.Mutex
	notices []announce.Notice
}

func (a *recordingAnnouncer) Announce(notice announce.Notice) {
	a.mu.Lock()
	a.notices = append(a.notices, notice)
	a.mu.Unlock()
}

func (a *recordingAnnouncer) Notices() []announce.Notice {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]announce.Notice(nil), a.notices...)
}

type uploaderFixture struct {
	uploader  *SegmentUploader
	ledger    *Ledger
	recorder  *fakeRecorder
	sink      *fakeSink
	clock     *manualClock
	announcer *recordingAnnouncer
	sleeps    []time.Duration
}

func newUploaderFixture(t *testing.T) *uploaderFixture {
	t.Helper()
	fixture := &uploaderFixture{
		ledger:    newTestLedger(t),
		recorder:  &fakeRecorder{payload: []byte("opus-frames")},
		sink:      &fakeSink{},
		clock:     newManualClock(),
		announcer: &recordingAnnouncer{},
	}
	uploader, err := NewSegmentUploader(UploaderConfig{
		Ledger:    fixture.ledger,
		Recorder:  fixture.recorder,
		Sink:      fixture.sink,
		Announcer: fixture.announcer,
		Clock:     fixture.clock.Now,
		Sleep: func(_ context.Context, delay time.Duration) error {
			fixture.sleeps = append(fixture.sleeps, delay)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("failed to construct uploader: %v", err)
	}
	t.Cleanup(uploader.Close)
	fixture.uploader = uploader
	return fixture
}

func equalCalls(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
