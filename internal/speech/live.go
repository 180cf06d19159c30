package speech

import (
	"context"
	"sync"
)

// LiveSettings keeps the latest settings and sound preferences in memory so
// the engine and coordinator read them without touching the store.
type LiveSettings struct {
	mu          sync.RWMutex
	settings    Settings
	preferences SoundPreferences
	cancel      context.CancelFunc
	done        chan struct{}
}

// FollowSettings loads the current values from s and tracks later changes
// until Close.
func FollowSettings(ctx context.Context, s *SettingsStore) (*LiveSettings, error) {
	settings, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	preferences, err := s.SoundPreferences(ctx)
	if err != nil {
		return nil, err
	}

	followCtx, cancel := context.WithCancel(context.Background())
	settingsChanges, stopSettings := s.Watch(followCtx)
	soundChanges, stopSound := s.WatchSound(followCtx)
	live := &LiveSettings{
		settings:    settings,
		preferences: preferences,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go func() {
		defer close(live.done)
		defer stopSettings()
		defer stopSound()
		for {
			select {
			case <-followCtx.Done():
				return
			case next := <-settingsChanges:
				live.mu.Lock()
				live.settings = next
				live.mu.Unlock()
			case next := <-soundChanges:
				live.mu.Lock()
				live.preferences = next
				live.mu.Unlock()
			}
		}
	}()
	return live, nil
}

// Current returns the settings with the sound preferences applied: the
// sound rate scales the speech rate and a non-auto voice preference wins.
func (l *LiveSettings) Current() Settings {
	l.mu.RLock()
	settings := l.settings
	preferences := l.preferences
	l.mu.RUnlock()

	if preferences.Rate > 0 {
		settings.Rate *= preferences.Rate
	}
	if preferences.Voice != "" && preferences.Voice != VoiceAuto {
		settings.VoicePreference = preferences.Voice
	}
	return settings.Effective()
}

// Close stops tracking changes.
func (l *LiveSettings) Close() {
	l.cancel()
	<-l.done
}
