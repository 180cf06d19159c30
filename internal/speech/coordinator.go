package speech

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/lectern/internal/announce"
	"go.uber.org/zap"
)

const defaultDebounce = 120 * time.Millisecond

// ErrAutoplayBlocked is returned by an AudioElement when playback needs an
// explicit user action.
var ErrAutoplayBlocked = errors.New("speech: autoplay blocked")

// AudioElement is one pre-rendered audio source. Play starts playback and
// returns without waiting for it to finish.
type AudioElement interface {
	Play(ctx context.Context) error
	Pause()
	Rewind()
	Playing() bool
}

// Region is a focus target.
type Region string

const (
	RegionBody    Region = "body"
	RegionSummary Region = "summary"
	RegionOutside Region = "outside"
)

// ParseRegion validates raw.
func ParseRegion(raw string) (Region, bool) {
	switch region := Region(raw); region {
	case RegionBody, RegionSummary, RegionOutside:
		return region, true
	default:
		return "", false
	}
}

// Mode is the document view mode.
type Mode string

const (
	ModeOCR      Mode = "ocr"
	ModeOriginal Mode = "original"
)

// ParseMode validates raw.
func ParseMode(raw string) (Mode, bool) {
	switch mode := Mode(raw); mode {
	case ModeOCR, ModeOriginal:
		return mode, true
	default:
		return "", false
	}
}

// Content is what can be spoken for the current page. Text is spoken
// locally when the matching audio is absent.
type Content struct {
	BodyAudio    AudioElement
	BodyText     string
	SummaryAudio AudioElement
	SummaryText  string
}

// Timer is the handle returned by AfterFunc.
type Timer interface {
	Stop() bool
}

// CoordinatorConfig describes a Coordinator.
type CoordinatorConfig struct {
	Speaker   Speaker
	Settings  func() Settings
	Announcer announce.Announcer
	Logger    *zap.Logger
	Debounce  time.Duration
	AfterFunc func(time.Duration, func()) Timer
	// StopNotice is announced when an auto-stop silences playing audio.
	StopNotice string
}

// Coordinator keeps at most one audio source audible, driven by focus,
// page and mode changes.
type Coordinator struct {
	speaker    Speaker
	settings   func() Settings
	announcer  announce.Announcer
	logger     *zap.Logger
	debounce   time.Duration
	afterFunc  func(time.Duration, func()) Timer
	stopNotice string

	mu         sync.Mutex
	tracked    []AudioElement
	pageAudio  []AudioElement
	content    Content
	pageKey    string
	mode       Mode
	focus      Region
	pending    Timer
	generation uint64
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewCoordinator constructs a Coordinator in OCR mode with focus outside.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	settings := cfg.Settings
	if settings == nil {
		settings = DefaultSettings
	}
	var announcer announce.Announcer = announce.Nop{}
	if cfg.Announcer != nil {
		announcer = cfg.Announcer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	afterFunc := cfg.AfterFunc
	if afterFunc == nil {
		afterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		speaker:    cfg.Speaker,
		settings:   settings,
		announcer:  announcer,
		logger:     logger,
		debounce:   debounce,
		afterFunc:  afterFunc,
		stopNotice: cfg.StopNotice,
		mode:       ModeOCR,
		focus:      RegionOutside,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Track adds elements to the set silenced before every play. Tracked
// elements stay registered across pages.
func (c *Coordinator) Track(elements ...AudioElement) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trackLocked(elements...)
}

func (c *Coordinator) trackLocked(elements ...AudioElement) {
	for _, element := range elements {
		if element == nil {
			continue
		}
		if !containsElement(c.tracked, element) {
			c.tracked = append(c.tracked, element)
		}
	}
}

// SetPage replaces the current page's content. A new page key stops
// everything that is playing. Audio of the previous content is released.
func (c *Coordinator) SetPage(pageKey string, content Content) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pageKey != c.pageKey {
		c.stopAllLocked()
	}
	next := make([]AudioElement, 0, 2)
	for _, element := range []AudioElement{content.BodyAudio, content.SummaryAudio} {
		if element != nil && !containsElement(next, element) {
			next = append(next, element)
		}
	}
	for _, element := range c.pageAudio {
		if !containsElement(next, element) && !containsElement(c.tracked, element) && element.Playing() {
			element.Pause()
			element.Rewind()
		}
	}
	c.pageKey = pageKey
	c.content = content
	c.pageAudio = next
}

// Tracked reports how many audio elements are silenced before every play.
func (c *Coordinator) Tracked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.audibleLocked())
}

func (c *Coordinator) audibleLocked() []AudioElement {
	elements := append([]AudioElement(nil), c.tracked...)
	for _, element := range c.pageAudio {
		if !containsElement(elements, element) {
			elements = append(elements, element)
		}
	}
	return elements
}

func containsElement(elements []AudioElement, element AudioElement) bool {
	for _, existing := range elements {
		if existing == element {
			return true
		}
	}
	return false
}

// SetMode switches the view mode. A change stops everything that is playing.
func (c *Coordinator) SetMode(mode Mode) {
	c.mu.Lock()
	changed := mode != c.mode
	c.mode = mode
	if changed {
		c.stopAllLocked()
	}
	c.mu.Unlock()
}

// Focus reports focus entering region.
func (c *Coordinator) Focus(region Region) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.focus = region

	switch region {
	case RegionBody:
		c.pauseAllLocked()
		if c.mode != ModeOCR {
			c.cancelPendingLocked()
			return
		}
		c.schedulePlayLocked(RegionBody)
	case RegionSummary:
		c.pauseAllLocked()
		c.schedulePlayLocked(RegionSummary)
	default:
		c.stopAllLocked()
	}
}

// Stop silences every source.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.stopAllLocked()
	c.mu.Unlock()
}

// Close stops playback and cancels pending plays.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.stopAllLocked()
	c.mu.Unlock()
	c.cancel()
}

func (c *Coordinator) schedulePlayLocked(region Region) {
	c.cancelPendingLocked()
	generation := c.generation
	c.pending = c.afterFunc(c.debounce, func() {
		c.play(generation, region)
	})
}

func (c *Coordinator) cancelPendingLocked() {
	c.generation++
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
}

func (c *Coordinator) play(generation uint64, region Region) {
	c.mu.Lock()
	if generation != c.generation || c.focus != region {
		c.mu.Unlock()
		return
	}
	c.pending = nil

	var element AudioElement
	var text string
	switch region {
	case RegionBody:
		element, text = c.content.BodyAudio, c.content.BodyText
	case RegionSummary:
		element, text = c.content.SummaryAudio, c.content.SummaryText
	}

	c.pauseAllLocked()
	c.stopSpeakerLocked()
	if element != nil {
		element.Rewind()
		err := element.Play(c.ctx)
		c.mu.Unlock()
		c.reportPlayError(region, err)
		return
	}
	settings := c.settings()
	speaker := c.speaker
	ctx := c.ctx
	c.mu.Unlock()

	if speaker == nil || text == "" || !settings.Enabled || settings.Trigger != TriggerFocus {
		return
	}
	if err := speaker.Speak(ctx, text); err != nil && ctx.Err() == nil {
		c.logger.Warn("local speech failed", zap.String("region", string(region)), zap.Error(err))
	}
}

func (c *Coordinator) reportPlayError(region Region, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, ErrAutoplayBlocked) {
		c.announcer.Announce(announce.Warning("Audio could not start automatically. Press the play button to listen."))
		return
	}
	c.logger.Warn("audio playback failed", zap.String("region", string(region)), zap.Error(err))
	c.announcer.Announce(announce.Warning("Audio playback failed."))
}

func (c *Coordinator) pauseAllLocked() {
	for _, element := range c.audibleLocked() {
		if element.Playing() {
			element.Pause()
		}
	}
}

func (c *Coordinator) stopAllLocked() {
	c.cancelPendingLocked()
	silenced := false
	for _, element := range c.audibleLocked() {
		if element.Playing() {
			element.Pause()
			element.Rewind()
			silenced = true
		}
	}
	c.stopSpeakerLocked()
	if silenced && c.stopNotice != "" {
		c.announcer.Announce(announce.Info(c.stopNotice))
	}
}

func (c *Coordinator) stopSpeakerLocked() {
	if c.speaker != nil {
		c.speaker.Stop()
	}
}
