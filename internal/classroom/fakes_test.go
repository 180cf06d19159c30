package classroom

import (
	"context"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/lectern/internal/announce"
	"github.com/MarcoPoloResearchLab/lectern/internal/capture"
	"github.com/MarcoPoloResearchLab/lectern/internal/livesync"
	"github.com/MarcoPoloResearchLab/lectern/internal/speech"
)

type fakeChannel struct {
	mu       sync.Mutex
	handlers livesync.Handlers
	total    int
	notified []int
	toggles  []bool
}

func (c *fakeChannel) SetHandlers(handlers livesync.Handlers) func() {
	c.mu.Lock()
	c.handlers = handlers
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.handlers = livesync.Handlers{}
		c.mu.Unlock()
	}
}

func (c *fakeChannel) SetTotalPages(total int) {
	c.mu.Lock()
	c.total = total
	c.mu.Unlock()
}

func (c *fakeChannel) NotifyLocalPage(page int) bool {
	c.mu.Lock()
	c.notified = append(c.notified, page)
	c.mu.Unlock()
	return true
}

func (c *fakeChannel) SendToggleSync(enabled bool) bool {
	c.mu.Lock()
	c.toggles = append(c.toggles, enabled)
	c.mu.Unlock()
	return true
}

func (c *fakeChannel) current() livesync.Handlers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers
}

type fakeUploader struct {
	mu      sync.Mutex
	calls   []string
	seconds int64
	mounted capture.MountOptions
}

func (u *fakeUploader) record(call string) {
	u.mu.Lock()
	u.calls = append(u.calls, call)
	u.mu.Unlock()
}

func (u *fakeUploader) Mount(_ context.Context, documentID string, options capture.MountOptions) (capture.Session, error) {
	u.mu.Lock()
	u.mounted = options
	u.mu.Unlock()
	u.record("mount " + documentID)
	return capture.IdleSession(), nil
}

func (u *fakeUploader) StartRecording(context.Context, string) error {
	u.record("record")
	return nil
}

func (u *fakeUploader) Pause(context.Context, string) error {
	u.record("pause")
	return nil
}

func (u *fakeUploader) Resume(context.Context, string) error {
	u.record("resume")
	return nil
}

func (u *fakeUploader) CutPage(_ context.Context, _ string, leavingPageID string) error {
	u.record("cut " + leavingPageID)
	return nil
}

func (u *fakeUploader) EndLecture(_ context.Context, _ string, pageID string) error {
	u.record("end " + pageID)
	return nil
}

func (u *fakeUploader) LogicalSeconds(context.Context, string) (int64, error) {
	return u.seconds, nil
}

func (u *fakeUploader) Calls() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.calls...)
}

type fakeNarrator struct {
	mu     sync.Mutex
	events []string
}

func (n *fakeNarrator) record(event string) {
	n.mu.Lock()
	n.events = append(n.events, event)
	n.mu.Unlock()
}

func (n *fakeNarrator) SetPage(pageKey string, content speech.Content) {
	n.record(fmt.Sprintf("page %s %q", pageKey, content.BodyText))
}

func (n *fakeNarrator) SetMode(mode speech.Mode) {
	n.record("mode " + string(mode))
}

func (n *fakeNarrator) Focus(region speech.Region) {
	n.record("focus " + string(region))
}

func (n *fakeNarrator) Stop() {
	n.record("stop")
}

func (n *fakeNarrator) Events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

type fakeSpeaker struct {
	mu     sync.Mutex
	spoken []string
	stops  int
}

func (s *fakeSpeaker) Speak(_ context.Context, text string) error {
	s.mu.Lock()
	s.spoken = append(s.spoken, text)
	s.mu.Unlock()
	return nil
}

func (s *fakeSpeaker) Stop() {
	s.mu.Lock()
	s.stops++
	s.mu.Unlock()
}

type fakePreferences struct {
	rate  float64
	voice speech.VoicePreference
}

func (p *fakePreferences) SetSoundRate(_ context.Context, rate float64) error {
	p.rate = rate
	return nil
}

func (p *fakePreferences) SetVoicePreference(_ context.Context, voice speech.VoicePreference) error {
	p.voice = voice
	return nil
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

func (a *recordingAnnouncer) Messages() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	messages := make([]string, 0, len(a.notices))
	for _, notice := range a.notices {
		messages = append(messages, notice.Message)
	}
	return messages
}

func equalStrings(left, right []string) bool {
	if len(left) != len(right) {
		return false
	}
	for index := range left {
		if left[index] != right[index] {
			return false
		}
	}
	return true
}
