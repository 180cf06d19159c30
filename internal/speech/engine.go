// Package speech coordinates spoken output: local synthesis of page text and
// playback of pre-rendered audio, with at most one source audible at a time.
package speech

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultVoiceTimeout = 1500 * time.Millisecond

// Voice is one voice offered by a synthesizer.
type Voice struct {
	ID     string
	Name   string
	Lang   string
	Gender VoicePreference
}

// Utterance is one request to the synthesizer. A nil Voice selects the
// synthesizer's default.
type Utterance struct {
	Text   string
	Voice  *Voice
	Lang   string
	Rate   float64
	Pitch  float64
	Volume float64
}

// Synthesizer is the platform speech engine. It speaks one utterance at a
// time; Speak starts speaking and returns.
type Synthesizer interface {
	Voices() []Voice
	// VoicesChanged is closed or signalled when the voice list changes.
	VoicesChanged() <-chan struct{}
	Speak(ctx context.Context, utterance Utterance) error
	Cancel()
}

// Speaker is what the coordinator needs from an Engine.
type Speaker interface {
	Speak(ctx context.Context, text string) error
	Stop()
}

// EngineConfig describes an Engine.
type EngineConfig struct {
	Synthesizer  Synthesizer
	Settings     func() Settings
	VoiceTimeout time.Duration
	After        func(time.Duration) <-chan time.Time
	Logger       *zap.Logger
}

// Engine serializes access to a Synthesizer and cancels before every new
// utterance.
type Engine struct {
	synth        Synthesizer
	settings     func() Settings
	voiceTimeout time.Duration
	after        func(time.Duration) <-chan time.Time
	logger       *zap.Logger

	mu sync.Mutex
}

// NewEngine constructs an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Synthesizer == nil {
		return nil, fmt.Errorf("speech: synthesizer is required")
	}
	settings := cfg.Settings
	if settings == nil {
		settings = DefaultSettings
	}
	voiceTimeout := cfg.VoiceTimeout
	if voiceTimeout <= 0 {
		voiceTimeout = defaultVoiceTimeout
	}
	after := cfg.After
	if after == nil {
		after = time.After
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		synth:        cfg.Synthesizer,
		settings:     settings,
		voiceTimeout: voiceTimeout,
		after:        after,
		logger:       logger,
	}, nil
}

// Speak cancels anything in progress and speaks text. Blank text is ignored.
func (e *Engine) Speak(ctx context.Context, text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cancel()
	voices := e.awaitVoices(ctx)
	if err := ctx.Err(); err != nil {
		return err
	}

	settings := e.settings().Effective()
	utterance := Utterance{
		Text:   trimmed,
		Voice:  SelectVoice(voices, settings.VoicePreference),
		Lang:   settings.Lang,
		Rate:   settings.Rate,
		Pitch:  settings.Pitch,
		Volume: settings.Volume,
	}
	if utterance.Voice != nil {
		utterance.Lang = utterance.Voice.Lang
	}
	if err := e.synth.Speak(ctx, utterance); err != nil {
		e.logger.Warn("speech synthesis failed", zap.Error(err))
		return fmt.Errorf("speech: speak: %w", err)
	}
	return nil
}

// Stop cancels any current utterance. It is safe to call at any time.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancel()
}

func (e *Engine) cancel() {
	defer func() {
		if recovered := recover(); recovered != nil {
			e.logger.Warn("speech cancel panicked", zap.Any("panic", recovered))
		}
	}()
	e.synth.Cancel()
}

func (e *Engine) awaitVoices(ctx context.Context) []Voice {
	if voices := e.synth.Voices(); len(voices) > 0 {
		return voices
	}
	timeout := e.after(e.voiceTimeout)
	changed := e.synth.VoicesChanged()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timeout:
			e.logger.Debug("voice list not ready; using default voice")
			return e.synth.Voices()
		case _, ok := <-changed:
			if voices := e.synth.Voices(); len(voices) > 0 {
				return voices
			}
			if !ok {
				changed = nil
			}
		}
	}
}

// SelectVoice prefers a Korean voice, then an English one, then none. Within
// a language a voice matching preference wins.
func SelectVoice(voices []Voice, preference VoicePreference) *Voice {
	for _, prefix := range []string{"ko", "en"} {
		var candidates []Voice
		for _, voice := range voices {
			if hasLangPrefix(voice.Lang, prefix) {
				candidates = append(candidates, voice)
			}
		}
		if len(candidates) == 0 {
			continue
		}
		chosen := candidates[0]
		if preference != VoiceAuto {
			for _, voice := range candidates {
				if voice.Gender == preference {
					chosen = voice
					break
				}
			}
		}
		return &chosen
	}
	return nil
}

func hasLangPrefix(lang, prefix string) bool {
	lang = strings.ToLower(lang)
	return lang == prefix || strings.HasPrefix(lang, prefix+"-") || strings.HasPrefix(lang, prefix+"_")
}
