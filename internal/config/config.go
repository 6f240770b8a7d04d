package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything the voice core needs to run. Values come from
// environment variables; an optional YAML file (CONFIG_FILE) is applied
// first and individual env vars override it.
type Config struct {
	Signaling     SignalingConfig     `yaml:"signaling"`
	Audio         AudioConfig         `yaml:"audio"`
	VAD           VADConfig           `yaml:"vad"`
	Pool          PoolConfig          `yaml:"pool"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	MetricsAddr   string              `yaml:"metrics_addr"`
}

// SignalingConfig identifies the relay session to establish.
type SignalingConfig struct {
	Endpoint  string `yaml:"endpoint"`   // relay signaling host (wss target)
	SessionID string `yaml:"session_id"` // relay session identifier
	ServerID  string `yaml:"server_id"`  // voice server / room identifier
	UserID    string `yaml:"user_id"`    // our own identity on the relay
	Token     string `yaml:"token"`      // session auth token

	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"` // per-attempt reply wait
	DiscoveryRetries int           `yaml:"discovery_retries"`
}

// AudioConfig describes the pipeline's target PCM format and buffering.
type AudioConfig struct {
	SampleRate     int           `yaml:"sample_rate"` // pipeline target rate
	Channels       int           `yaml:"channels"`
	BufferDuration time.Duration `yaml:"buffer_duration"` // per-speaker ring cap
}

// VADConfig tunes utterance segmentation.
type VADConfig struct {
	EnergyThresholdDB float64       `yaml:"energy_threshold_db"`
	MinSpeech         time.Duration `yaml:"min_speech"`
	SilenceTimeout    time.Duration `yaml:"silence_timeout"`
	MinUtterance      time.Duration `yaml:"min_utterance"`
	MaxUtterance      time.Duration `yaml:"max_utterance"`
}

// PoolConfig tunes the transcription worker pool.
type PoolConfig struct {
	Workers       int           `yaml:"workers"`
	HighWaterMark int           `yaml:"high_water_mark"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	// Priority thresholds; the formula itself is fixed, these knobs are not
	// part of any contract and may be retuned freely.
	LongDuration   time.Duration `yaml:"long_duration"`
	MediumDuration time.Duration `yaml:"medium_duration"`
	RecentActivity time.Duration `yaml:"recent_activity"`
	HighConfidence float64       `yaml:"high_confidence"`
}

// TranscriptionConfig points at the external transcription service.
type TranscriptionConfig struct {
	URL        string        `yaml:"url"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	Language   string        `yaml:"language"`
	Translate  bool          `yaml:"translate"`
	BeamSize   int           `yaml:"beam_size"`
}

// Default returns a Config with working defaults for everything except the
// relay credentials, which have no sane default.
func Default() *Config {
	return &Config{
		Signaling: SignalingConfig{
			DiscoveryTimeout: 1 * time.Second,
			DiscoveryRetries: 3,
		},
		Audio: AudioConfig{
			SampleRate:     16000,
			Channels:       1,
			BufferDuration: 10 * time.Second,
		},
		VAD: VADConfig{
			EnergyThresholdDB: -40.0,
			MinSpeech:         300 * time.Millisecond,
			SilenceTimeout:    1 * time.Second,
			MinUtterance:      300 * time.Millisecond,
			MaxUtterance:      30 * time.Second,
		},
		Pool: PoolConfig{
			Workers:        3,
			HighWaterMark:  20,
			ShutdownGrace:  5 * time.Second,
			LongDuration:   5 * time.Second,
			MediumDuration: 2 * time.Second,
			RecentActivity: 60 * time.Second,
			HighConfidence: 0.8,
		},
		Transcription: TranscriptionConfig{
			Timeout:    30 * time.Second,
			MaxRetries: 3,
		},
	}
}

// Load builds the configuration from the environment, applying the YAML
// file named by CONFIG_FILE first when present.
func Load() (*Config, error) {
	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr(&c.Signaling.Endpoint, "RELAY_ENDPOINT")
	envStr(&c.Signaling.SessionID, "RELAY_SESSION_ID")
	envStr(&c.Signaling.ServerID, "RELAY_SERVER_ID")
	envStr(&c.Signaling.UserID, "RELAY_USER_ID")
	envStr(&c.Signaling.Token, "RELAY_TOKEN")
	envDur(&c.Signaling.DiscoveryTimeout, "DISCOVERY_TIMEOUT")
	envInt(&c.Signaling.DiscoveryRetries, "DISCOVERY_RETRIES")

	envInt(&c.Audio.SampleRate, "AUDIO_SAMPLE_RATE")
	envInt(&c.Audio.Channels, "AUDIO_CHANNELS")
	envDur(&c.Audio.BufferDuration, "AUDIO_BUFFER_DURATION")

	envFloat(&c.VAD.EnergyThresholdDB, "VAD_ENERGY_THRESHOLD_DB")
	envDur(&c.VAD.MinSpeech, "VAD_MIN_SPEECH")
	envDur(&c.VAD.SilenceTimeout, "VAD_SILENCE_TIMEOUT")
	envDur(&c.VAD.MinUtterance, "VAD_MIN_UTTERANCE")
	envDur(&c.VAD.MaxUtterance, "VAD_MAX_UTTERANCE")

	envInt(&c.Pool.Workers, "POOL_WORKERS")
	envInt(&c.Pool.HighWaterMark, "POOL_HIGH_WATER_MARK")
	envDur(&c.Pool.ShutdownGrace, "POOL_SHUTDOWN_GRACE")

	envStr(&c.Transcription.URL, "WHISPER_URL")
	envDur(&c.Transcription.Timeout, "WHISPER_TIMEOUT")
	envInt(&c.Transcription.MaxRetries, "WHISPER_MAX_RETRIES")
	envStr(&c.Transcription.Language, "STT_LANGUAGE")
	envBool(&c.Transcription.Translate, "WHISPER_TRANSLATE")
	envInt(&c.Transcription.BeamSize, "STT_BEAM_SIZE")

	envStr(&c.MetricsAddr, "METRICS_ADDR")
}

// Validate checks every section and returns the first problem found.
func (c *Config) Validate() error {
	if err := c.Signaling.Validate(); err != nil {
		return fmt.Errorf("signaling: %w", err)
	}
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio: %w", err)
	}
	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad: %w", err)
	}
	if err := c.Pool.Validate(); err != nil {
		return fmt.Errorf("pool: %w", err)
	}
	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription: %w", err)
	}
	return nil
}

func (s *SignalingConfig) Validate() error {
	if s.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}
	if s.SessionID == "" || s.Token == "" || s.UserID == "" {
		return fmt.Errorf("session_id, user_id and token are all required")
	}
	if s.DiscoveryTimeout <= 0 {
		return fmt.Errorf("discovery_timeout must be positive, got %s", s.DiscoveryTimeout)
	}
	if s.DiscoveryRetries < 1 {
		return fmt.Errorf("discovery_retries must be at least 1, got %d", s.DiscoveryRetries)
	}
	return nil
}

func (a *AudioConfig) Validate() error {
	if a.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", a.SampleRate)
	}
	if a.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono pipeline), got %d", a.Channels)
	}
	if a.BufferDuration <= 0 {
		return fmt.Errorf("buffer_duration must be positive, got %s", a.BufferDuration)
	}
	return nil
}

func (v *VADConfig) Validate() error {
	if v.EnergyThresholdDB > 0 {
		return fmt.Errorf("energy_threshold_db must be <= 0 dBFS, got %f", v.EnergyThresholdDB)
	}
	if v.MinSpeech <= 0 || v.SilenceTimeout <= 0 || v.MinUtterance <= 0 {
		return fmt.Errorf("min_speech, silence_timeout and min_utterance must all be positive")
	}
	if v.MaxUtterance <= v.MinUtterance {
		return fmt.Errorf("max_utterance (%s) must exceed min_utterance (%s)", v.MaxUtterance, v.MinUtterance)
	}
	return nil
}

func (p *PoolConfig) Validate() error {
	if p.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", p.Workers)
	}
	if p.HighWaterMark < 1 {
		return fmt.Errorf("high_water_mark must be at least 1, got %d", p.HighWaterMark)
	}
	if p.ShutdownGrace <= 0 {
		return fmt.Errorf("shutdown_grace must be positive, got %s", p.ShutdownGrace)
	}
	return nil
}

func (t *TranscriptionConfig) Validate() error {
	if t.URL == "" {
		return fmt.Errorf("url cannot be empty")
	}
	if t.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", t.Timeout)
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", t.MaxRetries)
	}
	return nil
}

func envStr(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(dst *bool, key string) {
	if v := strings.ToLower(strings.TrimSpace(os.Getenv(key))); v != "" {
		*dst = v == "1" || v == "true" || v == "yes"
	}
}

// envDur accepts Go duration strings ("750ms") and falls back to plain
// integers interpreted as milliseconds.
func envDur(dst *time.Duration, key string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Millisecond
	}
}
