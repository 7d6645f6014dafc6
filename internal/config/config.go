package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	ModePipeline = "pipeline"
	ModeRealtime = "realtime"
)

// Config holds the process configuration of the voice agent. User-facing
// conversation settings live in the settings file, not here.
type Config struct {
	Mode string `envconfig:"MODE" default:"pipeline"` // pipeline or realtime

	// Endpoints
	PipelineURL     string        `envconfig:"PIPELINE_URL" default:"http://localhost:8000/api/pipeline"`
	RealtimeURL     string        `envconfig:"REALTIME_URL" default:"ws://localhost:8000/api/realtime/ws"`
	PipelineTimeout time.Duration `envconfig:"PIPELINE_TIMEOUT" default:"60s"`

	// Settings files
	SettingsPath      string        `envconfig:"SETTINGS_PATH" default:"settings.yaml"`
	PersonalitiesPath string        `envconfig:"PERSONALITIES_PATH" default:""`
	SettingsPoll      time.Duration `envconfig:"SETTINGS_POLL" default:"2s"`

	// Audio
	SampleRate       int           `envconfig:"SAMPLE_RATE" default:"16000"`
	Channels         int           `envconfig:"CHANNELS" default:"1"`
	RecordingFormat  string        `envconfig:"RECORDING_FORMAT" default:"wav"` // wav or opus
	PlaybackWatchdog time.Duration `envconfig:"PLAYBACK_WATCHDOG" default:"1200ms"`
	VADTick          time.Duration `envconfig:"VAD_TICK" default:"50ms"`
	LevelTick        time.Duration `envconfig:"LEVEL_TICK" default:"33ms"`
	RestartDebounce  time.Duration `envconfig:"RESTART_DEBOUNCE" default:"120ms"`
	FFPlayPath       string        `envconfig:"FFPLAY_PATH" default:"ffplay"`

	// TestMessage, when set, is spoken once after start instead of waiting
	// for the microphone.
	TestMessage string `envconfig:"TEST_MESSAGE" default:""`

	// Observability
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty   bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:""` // e.g. :9090; empty disables the HTTP server
}

// Load reads configuration from environment variables, after loading a .env
// file if one exists.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv reads configuration from environment variables only.
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Mode {
	case ModePipeline:
		if c.PipelineURL == "" {
			errs = append(errs, errors.New("PIPELINE_URL is required in pipeline mode"))
		}
	case ModeRealtime:
		if c.RealtimeURL == "" {
			errs = append(errs, errors.New("REALTIME_URL is required in realtime mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("MODE must be %q or %q, got %q", ModePipeline, ModeRealtime, c.Mode))
	}
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("SAMPLE_RATE must be positive, got %d", c.SampleRate))
	}
	if c.Channels <= 0 {
		errs = append(errs, fmt.Errorf("CHANNELS must be positive, got %d", c.Channels))
	}
	switch c.RecordingFormat {
	case "wav", "opus":
	default:
		errs = append(errs, fmt.Errorf("RECORDING_FORMAT must be wav or opus, got %q", c.RecordingFormat))
	}
	if c.SettingsPath == "" {
		errs = append(errs, errors.New("SETTINGS_PATH is required"))
	}
	return errors.Join(errs...)
}
