package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/MarcoPoloResearchLab/lectern/internal/store"
	"go.uber.org/zap"
)

const (
	settingsKey        = "tts-settings"
	soundRateKey       = "sound-rate"
	voicePreferenceKey = "voice-preference"

	minRate   = 0.5
	maxRate   = 2.0
	maxPitch  = 2.0
	maxVolume = 1.0
)

// ErrInvalidPreference indicates an unknown voice preference or trigger.
var ErrInvalidPreference = errors.New("speech: invalid preference")

// VoicePreference selects a voice gender when the engine offers a choice.
type VoicePreference string

const (
	VoiceFemale VoicePreference = "female"
	VoiceMale   VoicePreference = "male"
	VoiceAuto   VoicePreference = "auto"
)

// ParseVoicePreference validates raw.
func ParseVoicePreference(raw string) (VoicePreference, error) {
	switch preference := VoicePreference(raw); preference {
	case VoiceFemale, VoiceMale, VoiceAuto:
		return preference, nil
	default:
		return "", fmt.Errorf("%w: voice %q", ErrInvalidPreference, raw)
	}
}

// Trigger selects what starts local speech.
type Trigger string

const (
	TriggerFocus Trigger = "focus"
	TriggerNone  Trigger = "none"
)

// Settings is the persisted text-to-speech configuration. Ranges are
// enforced by Effective, not on storage.
type Settings struct {
	Enabled         bool            `json:"enabled"`
	Rate            float64         `json:"rate"`
	Pitch           float64         `json:"pitch"`
	Volume          float64         `json:"volume"`
	Lang            string          `json:"lang"`
	VoicePreference VoicePreference `json:"voicePreference"`
	Trigger         Trigger         `json:"trigger"`
}

// DefaultSettings is used when nothing is stored.
func DefaultSettings() Settings {
	return Settings{
		Enabled:         true,
		Rate:            1,
		Pitch:           1,
		Volume:          1,
		Lang:            "ko-KR",
		VoicePreference: VoiceAuto,
		Trigger:         TriggerFocus,
	}
}

// Effective clamps the numeric settings to the ranges the engine accepts.
func (s Settings) Effective() Settings {
	s.Rate = clamp(s.Rate, minRate, maxRate)
	s.Pitch = clamp(s.Pitch, 0, maxPitch)
	s.Volume = clamp(s.Volume, 0, maxVolume)
	if s.VoicePreference == "" {
		s.VoicePreference = VoiceAuto
	}
	if s.Trigger == "" {
		s.Trigger = TriggerFocus
	}
	return s
}

// SettingsPatch changes the non-nil fields only.
type SettingsPatch struct {
	Enabled         *bool            `json:"enabled,omitempty"`
	Rate            *float64         `json:"rate,omitempty"`
	Pitch           *float64         `json:"pitch,omitempty"`
	Volume          *float64         `json:"volume,omitempty"`
	Lang            *string          `json:"lang,omitempty"`
	VoicePreference *VoicePreference `json:"voicePreference,omitempty"`
	Trigger         *Trigger         `json:"trigger,omitempty"`
}

// Apply returns s with the patch applied.
func (p SettingsPatch) Apply(s Settings) Settings {
	if p.Enabled != nil {
		s.Enabled = *p.Enabled
	}
	if p.Rate != nil {
		s.Rate = *p.Rate
	}
	if p.Pitch != nil {
		s.Pitch = *p.Pitch
	}
	if p.Volume != nil {
		s.Volume = *p.Volume
	}
	if p.Lang != nil {
		s.Lang = *p.Lang
	}
	if p.VoicePreference != nil {
		s.VoicePreference = *p.VoicePreference
	}
	if p.Trigger != nil {
		s.Trigger = *p.Trigger
	}
	return s
}

// SoundPreferences are the two scalar preferences kept beside the settings.
type SoundPreferences struct {
	Rate  float64
	Voice VoicePreference
}

// SettingsStore persists Settings and the sound preferences in the shared
// store and publishes their changes to typed watchers.
type SettingsStore struct {
	store  *store.Store
	logger *zap.Logger
}

// NewSettingsStore constructs a SettingsStore over s.
func NewSettingsStore(s *store.Store, logger *zap.Logger) (*SettingsStore, error) {
	if s == nil {
		return nil, errors.New("speech: store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SettingsStore{store: s, logger: logger}, nil
}

// Load returns the stored settings, with defaults for absent fields.
func (s *SettingsStore) Load(ctx context.Context) (Settings, error) {
	raw, ok, err := s.store.Get(ctx, settingsKey)
	if err != nil || !ok {
		return DefaultSettings(), err
	}
	return s.decodeSettings(raw), nil
}

// Apply merges patch into the stored settings and returns the result.
func (s *SettingsStore) Apply(ctx context.Context, patch SettingsPatch) (Settings, error) {
	if patch.VoicePreference != nil {
		if _, err := ParseVoicePreference(string(*patch.VoicePreference)); err != nil {
			return Settings{}, err
		}
	}
	if patch.Trigger != nil && *patch.Trigger != TriggerFocus && *patch.Trigger != TriggerNone {
		return Settings{}, fmt.Errorf("%w: trigger %q", ErrInvalidPreference, *patch.Trigger)
	}
	var applied Settings
	err := s.store.Update(ctx, settingsKey, func(current []byte, exists bool) ([]byte, bool, error) {
		base := DefaultSettings()
		if exists {
			base = s.decodeSettings(current)
		}
		applied = patch.Apply(base)
		encoded, err := json.Marshal(applied)
		if err != nil {
			return nil, false, err
		}
		return encoded, true, nil
	})
	if err != nil {
		return Settings{}, err
	}
	return applied, nil
}

// Watch streams settings after every change until ctx ends or the returned
// function runs.
func (s *SettingsStore) Watch(ctx context.Context) (<-chan Settings, func()) {
	watchCtx, cancel := context.WithCancel(ctx)
	changes, unsubscribe := s.store.Subscribe(watchCtx, settingsKey)
	out := make(chan Settings, 1)
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-watchCtx.Done():
				return
			case change := <-changes:
				settings := DefaultSettings()
				if !change.Deleted {
					settings = s.decodeSettings(change.Value)
				}
				deliverLatest(out, settings)
			}
		}
	}()
	return out, cancel
}

// SoundPreferences returns the stored scalar preferences. The rate is
// clamped for use.
func (s *SettingsStore) SoundPreferences(ctx context.Context) (SoundPreferences, error) {
	preferences := SoundPreferences{Rate: 1, Voice: VoiceAuto}
	raw, ok, err := s.store.Get(ctx, soundRateKey)
	if err != nil {
		return preferences, err
	}
	if ok {
		if rate, err := strconv.ParseFloat(string(raw), 64); err == nil {
			preferences.Rate = rate
		} else {
			s.logger.Warn("ignoring malformed sound rate", zap.String("value", string(raw)))
		}
	}
	raw, ok, err = s.store.Get(ctx, voicePreferenceKey)
	if err != nil {
		return preferences, err
	}
	if ok {
		if voice, err := ParseVoicePreference(string(raw)); err == nil {
			preferences.Voice = voice
		}
	}
	preferences.Rate = clamp(preferences.Rate, minRate, maxRate)
	return preferences, nil
}

// SetSoundRate stores the playback rate preference.
func (s *SettingsStore) SetSoundRate(ctx context.Context, rate float64) error {
	return s.store.Set(ctx, soundRateKey, []byte(strconv.FormatFloat(rate, 'f', -1, 64)))
}

// SetVoicePreference stores the voice preference.
func (s *SettingsStore) SetVoicePreference(ctx context.Context, voice VoicePreference) error {
	if _, err := ParseVoicePreference(string(voice)); err != nil {
		return err
	}
	return s.store.Set(ctx, voicePreferenceKey, []byte(voice))
}

// WatchSound streams the sound preferences after either scalar changes.
func (s *SettingsStore) WatchSound(ctx context.Context) (<-chan SoundPreferences, func()) {
	watchCtx, cancel := context.WithCancel(ctx)
	rateChanges, unsubscribeRate := s.store.Subscribe(watchCtx, soundRateKey)
	voiceChanges, unsubscribeVoice := s.store.Subscribe(watchCtx, voicePreferenceKey)
	out := make(chan SoundPreferences, 1)
	go func() {
		defer unsubscribeRate()
		defer unsubscribeVoice()
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-rateChanges:
			case <-voiceChanges:
			}
			preferences, err := s.SoundPreferences(watchCtx)
			if err != nil {
				if watchCtx.Err() == nil {
					s.logger.Warn("sound preferences unreadable", zap.Error(err))
				}
				continue
			}
			deliverLatest(out, preferences)
		}
	}()
	return out, cancel
}

func (s *SettingsStore) decodeSettings(raw []byte) Settings {
	settings := DefaultSettings()
	if err := json.Unmarshal(raw, &settings); err != nil {
		s.logger.Warn("discarding undecodable speech settings", zap.Error(err))
		return DefaultSettings()
	}
	return settings
}

// deliverLatest replaces any undelivered value so watchers see the newest.
func deliverLatest[T any](out chan T, value T) {
	for {
		select {
		case out <- value:
			return
		default:
		}
		select {
		case <-out:
		default:
		}
	}
}

func clamp(value, low, high float64) float64 {
	if value < low {
		return low
	}
	if value > high {
		return high
	}
	return value
}
