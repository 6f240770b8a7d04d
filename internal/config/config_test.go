package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Signaling.Endpoint = "voice.example.com"
	cfg.Signaling.SessionID = "sess-1"
	cfg.Signaling.ServerID = "guild-1"
	cfg.Signaling.UserID = "bot-1"
	cfg.Signaling.Token = "tok"
	cfg.Transcription.URL = "http://stt:9000/transcribe"
	return cfg
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing endpoint", func(c *Config) { c.Signaling.Endpoint = "" }},
		{"missing token", func(c *Config) { c.Signaling.Token = "" }},
		{"zero discovery retries", func(c *Config) { c.Signaling.DiscoveryRetries = 0 }},
		{"bad sample rate", func(c *Config) { c.Audio.SampleRate = 0 }},
		{"stereo pipeline", func(c *Config) { c.Audio.Channels = 2 }},
		{"positive threshold", func(c *Config) { c.VAD.EnergyThresholdDB = 5 }},
		{"max below min utterance", func(c *Config) { c.VAD.MaxUtterance = c.VAD.MinUtterance }},
		{"zero workers", func(c *Config) { c.Pool.Workers = 0 }},
		{"missing stt url", func(c *Config) { c.Transcription.URL = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
signaling:
  endpoint: file.example.com
  session_id: sess-file
  server_id: guild-file
  user_id: bot-file
  token: tok-file
vad:
  silence_timeout: 2s
transcription:
  url: http://file:9000/transcribe
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("RELAY_ENDPOINT", "env.example.com")
	t.Setenv("VAD_SILENCE_TIMEOUT", "750ms")
	t.Setenv("POOL_WORKERS", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Signaling.Endpoint != "env.example.com" {
		t.Fatalf("env should override file: got %q", cfg.Signaling.Endpoint)
	}
	if cfg.Signaling.SessionID != "sess-file" {
		t.Fatalf("file value lost: got %q", cfg.Signaling.SessionID)
	}
	if cfg.VAD.SilenceTimeout != 750*time.Millisecond {
		t.Fatalf("duration env parse: got %s", cfg.VAD.SilenceTimeout)
	}
	if cfg.Pool.Workers != 5 {
		t.Fatalf("int env parse: got %d", cfg.Pool.Workers)
	}
}

func TestEnvDurAcceptsBareMilliseconds(t *testing.T) {
	t.Setenv("VAD_MIN_SPEECH", "450")
	cfg := validConfig()
	cfg.applyEnv()
	if cfg.VAD.MinSpeech != 450*time.Millisecond {
		t.Fatalf("bare integer env should parse as ms, got %s", cfg.VAD.MinSpeech)
	}
}
