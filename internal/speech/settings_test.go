package speech

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/lectern/internal/store"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestSettingsStore(t *testing.T) (*SettingsStore, *store.Store) {
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
	settings, err := NewSettingsStore(s, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to construct settings store: %v", err)
	}
	return settings, s
}

func TestSettingsEffectiveClamps(t *testing.T) {
	settings := Settings{Rate: 3, Pitch: -1, Volume: 1.5}.Effective()
	if settings.Rate != 2 || settings.Pitch != 0 || settings.Volume != 1 {
		t.Fatalf("unexpected clamped settings %+v", settings)
	}
	if settings.VoicePreference != VoiceAuto || settings.Trigger != TriggerFocus {
		t.Fatalf("expected empty enums to default, got %+v", settings)
	}
	if low := (Settings{Rate: 0.1}).Effective(); low.Rate != 0.5 {
		t.Fatalf("expected rate floor, got %v", low.Rate)
	}
}

func TestSettingsStoreDefaultsAndPatches(t *testing.T) {
	settings, _ := newTestSettingsStore(t)
	ctx := context.Background()

	loaded, err := settings.Load(ctx)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if loaded != DefaultSettings() {
		t.Fatalf("expected defaults, got %+v", loaded)
	}

	rate := 3.5
	voice := VoiceFemale
	applied, err := settings.Apply(ctx, SettingsPatch{Rate: &rate, VoicePreference: &voice})
	if err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	if applied.Rate != 3.5 || applied.VoicePreference != VoiceFemale || applied.Lang != "ko-KR" {
		t.Fatalf("unexpected patched settings %+v", applied)
	}
	loaded, _ = settings.Load(ctx)
	if loaded != applied {
		t.Fatalf("expected stored settings to match, got %+v", loaded)
	}
	if loaded.Effective().Rate != 2 {
		t.Fatalf("expected rate to be clamped at use")
	}

	bad := VoicePreference("robot")
	if _, err := settings.Apply(ctx, SettingsPatch{VoicePreference: &bad}); !errors.Is(err, ErrInvalidPreference) {
		t.Fatalf("expected invalid preference, got %v", err)
	}
}

func TestSettingsStoreLoadFillsMissingFields(t *testing.T) {
	settings, s := newTestSettingsStore(t)
	ctx := context.Background()
	if err := s.Set(ctx, settingsKey, []byte(`{"rate":1.5}`)); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}
	loaded, err := settings.Load(ctx)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if loaded.Rate != 1.5 || !loaded.Enabled || loaded.Lang != "ko-KR" {
		t.Fatalf("expected defaults for missing fields, got %+v", loaded)
	}
}

func TestSettingsWatchReceivesPatches(t *testing.T) {
	settings, _ := newTestSettingsStore(t)
	ctx := context.Background()
	updates, stop := settings.Watch(ctx)
	defer stop()

	enabled := false
	if _, err := settings.Apply(ctx, SettingsPatch{Enabled: &enabled}); err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	select {
	case update := <-updates:
		if update.Enabled {
			t.Fatalf("expected disabled settings, got %+v", update)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a settings update")
	}
}

func TestSoundPreferences(t *testing.T) {
	settings, _ := newTestSettingsStore(t)
	ctx := context.Background()

	preferences, err := settings.SoundPreferences(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if preferences.Rate != 1 || preferences.Voice != VoiceAuto {
		t.Fatalf("unexpected defaults %+v", preferences)
	}

	updates, stop := settings.WatchSound(ctx)
	defer stop()
	if err := settings.SetSoundRate(ctx, 4); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}
	select {
	case update := <-updates:
		if update.Rate != 2 {
			t.Fatalf("expected clamped rate, got %v", update.Rate)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a sound update")
	}

	if err := settings.SetVoicePreference(ctx, VoiceMale); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}
	select {
	case update := <-updates:
		if update.Voice != VoiceMale {
			t.Fatalf("expected male voice, got %v", update.Voice)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a voice update")
	}
	if err := settings.SetVoicePreference(ctx, "robot"); !errors.Is(err, ErrInvalidPreference) {
		t.Fatalf("expected invalid preference, got %v", err)
	}
}
