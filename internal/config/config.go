package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/lectern/internal/livesync"
	"github.com/spf13/viper"
)

const (
	envPrefix                 = "LECTERN"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultRelayDatabasePath  = "lectern-relay.db"
	defaultClientDatabasePath = "lectern-client.db"
	defaultLogLevel           = "info"
	defaultTokenIssuer        = "lectern-relay"
	defaultTokenAudience      = "lectern-classroom"
	defaultTokenTTLMinutes    = 720
	defaultMaxUploadMegabytes = 64
	defaultServerBaseURL      = "http://localhost:8080"
	defaultRole               = "student"
	defaultUploadTimeoutSecs  = 300
	defaultSettleDelayMillis  = 300
	defaultProbeIntervalSecs  = 15
	defaultSynthesizerCommand = "espeak-ng"
	defaultPlayerCommand      = "ffplay"
)

// RelayConfig captures runtime configuration for the classroom relay.
type RelayConfig struct {
	HTTPAddress    string
	DatabasePath   string
	SigningSecret  string
	TokenIssuer    string
	TokenAudience  string
	TokenTTL       time.Duration
	MaxUploadBytes int64
	LogLevel       string
}

// ClientConfig captures runtime configuration for a classroom session.
type ClientConfig struct {
	ServerBaseURL      string
	AccessToken        string
	DocumentID         string
	Role               livesync.Role
	TotalPages         int
	StoragePath        string
	UploadTimeout      time.Duration
	SettleDelay        time.Duration
	ProbeInterval      time.Duration
	CaptureSource      string
	CaptureCommand     string
	SynthesizerCommand string
	PlayerCommand      string
	AudioDirectory     string
	LogLevel           string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultRelayDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.audience", defaultTokenAudience)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("upload.max_megabytes", defaultMaxUploadMegabytes)

	configViper.SetDefault("server.base_url", defaultServerBaseURL)
	configViper.SetDefault("session.role", defaultRole)
	configViper.SetDefault("session.total_pages", 0)
	configViper.SetDefault("storage.path", defaultClientDatabasePath)
	configViper.SetDefault("upload.timeout_seconds", defaultUploadTimeoutSecs)
	configViper.SetDefault("capture.settle_delay_ms", defaultSettleDelayMillis)
	configViper.SetDefault("connectivity.probe_interval_seconds", defaultProbeIntervalSecs)
	configViper.SetDefault("speech.synthesizer", defaultSynthesizerCommand)
	configViper.SetDefault("speech.player", defaultPlayerCommand)
}

// LoadRelay parses relay configuration from viper.
func LoadRelay(configViper *viper.Viper) (RelayConfig, error) {
	cfg := RelayConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		TokenIssuer:    configViper.GetString("auth.issuer"),
		TokenAudience:  configViper.GetString("auth.audience"),
		TokenTTL:       time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		MaxUploadBytes: int64(configViper.GetInt("upload.max_megabytes")) << 20,
		LogLevel:       configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return RelayConfig{}, err
	}

	return cfg, nil
}

func (c RelayConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.TokenIssuer) == "" || strings.TrimSpace(c.TokenAudience) == "" {
		return fmt.Errorf("auth.issuer and auth.audience are required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("upload.max_megabytes must be positive")
	}
	return nil
}

// LoadClient parses session configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	role, ok := livesync.ParseRole(configViper.GetString("session.role"))
	if !ok {
		return ClientConfig{}, fmt.Errorf("session.role must be assistant or student")
	}
	cfg := ClientConfig{
		ServerBaseURL:      configViper.GetString("server.base_url"),
		AccessToken:        configViper.GetString("auth.token"),
		DocumentID:         configViper.GetString("session.document_id"),
		Role:               role,
		TotalPages:         configViper.GetInt("session.total_pages"),
		StoragePath:        configViper.GetString("storage.path"),
		UploadTimeout:      time.Duration(configViper.GetInt("upload.timeout_seconds")) * time.Second,
		SettleDelay:        time.Duration(configViper.GetInt("capture.settle_delay_ms")) * time.Millisecond,
		ProbeInterval:      time.Duration(configViper.GetInt("connectivity.probe_interval_seconds")) * time.Second,
		CaptureSource:      configViper.GetString("capture.source"),
		CaptureCommand:     configViper.GetString("capture.command"),
		SynthesizerCommand: configViper.GetString("speech.synthesizer"),
		PlayerCommand:      configViper.GetString("speech.player"),
		AudioDirectory:     configViper.GetString("speech.audio_dir"),
		LogLevel:           configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}

	return cfg, nil
}

func (c ClientConfig) validate() error {
	if strings.TrimSpace(c.StoragePath) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.TotalPages < 0 {
		return fmt.Errorf("session.total_pages must not be negative")
	}
	if c.UploadTimeout <= 0 {
		return fmt.Errorf("upload.timeout_seconds must be positive")
	}
	if c.SettleDelay <= 0 {
		return fmt.Errorf("capture.settle_delay_ms must be positive")
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("connectivity.probe_interval_seconds must be positive")
	}
	if c.CaptureSource != "" && c.CaptureCommand != "" {
		return fmt.Errorf("capture.source and capture.command are mutually exclusive")
	}
	return nil
}
