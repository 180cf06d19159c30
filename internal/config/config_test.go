package config

import (
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/lectern/internal/livesync"
)

func TestLoadRelayRequiresSigningSecret(t *testing.T) {
	configViper := NewViper()
	if _, err := LoadRelay(configViper); err == nil {
		t.Fatalf("expected missing signing secret to fail")
	}

	configViper.Set("auth.signing_secret", "secret")
	cfg, err := LoadRelay(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.TokenTTL != 12*time.Hour || cfg.MaxUploadBytes != 64<<20 {
		t.Fatalf("unexpected relay defaults %+v", cfg)
	}
}

func TestLoadRelayReadsEnvironment(t *testing.T) {
	t.Setenv("LECTERN_AUTH_SIGNING_SECRET", "from-env")
	t.Setenv("LECTERN_HTTP_ADDRESS", "127.0.0.1:9000")
	cfg, err := LoadRelay(NewViper())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.SigningSecret != "from-env" || cfg.HTTPAddress != "127.0.0.1:9000" {
		t.Fatalf("expected environment overrides, got %+v", cfg)
	}
}

func TestLoadClientDefaults(t *testing.T) {
	cfg, err := LoadClient(NewViper())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.Role != livesync.RoleStudent {
		t.Fatalf("expected student default, got %s", cfg.Role)
	}
	if cfg.UploadTimeout != 5*time.Minute || cfg.SettleDelay != 300*time.Millisecond {
		t.Fatalf("unexpected timing defaults %+v", cfg)
	}
	if cfg.SynthesizerCommand != "espeak-ng" || cfg.StoragePath != defaultClientDatabasePath {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadClientValidates(t *testing.T) {
	configViper := NewViper()
	configViper.Set("session.role", "professor")
	if _, err := LoadClient(configViper); err == nil {
		t.Fatalf("expected unknown role to fail")
	}

	configViper = NewViper()
	configViper.Set("capture.source", "/tmp/mic.pipe")
	configViper.Set("capture.command", "arecord")
	if _, err := LoadClient(configViper); err == nil {
		t.Fatalf("expected conflicting capture settings to fail")
	}
}
