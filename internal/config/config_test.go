package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	c := Default()
	c.Discord.Token = "token"
	return c
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		errorMsg string
	}{
		{name: "valid configuration", mutate: func(*Config) {}},
		{
			name:     "missing token",
			mutate:   func(c *Config) { c.Discord.Token = "" },
			errorMsg: "token cannot be empty",
		},
		{
			name:     "auto join without channel",
			mutate:   func(c *Config) { c.Discord.AutoJoin = true },
			errorMsg: "auto_join requires",
		},
		{
			name:     "min above max",
			mutate:   func(c *Config) { c.Segmenter.MinDuration = 30 * time.Second },
			errorMsg: "segmenter config",
		},
		{
			name:     "empty fallback reply",
			mutate:   func(c *Config) { c.Dialogue.FallbackReply = "  " },
			errorMsg: "fallback_reply cannot be empty",
		},
		{
			name:     "zero workers",
			mutate:   func(c *Config) { c.Dialogue.Workers = 0 },
			errorMsg: "workers must be at least 1",
		},
		{
			name:     "negative wake window",
			mutate:   func(c *Config) { c.Dialogue.WakeWindow = -1 },
			errorMsg: "wake_window cannot be negative",
		},
		{
			name:     "unknown stt backend",
			mutate:   func(c *Config) { c.STT.Backend = "vosk" },
			errorMsg: "backend must be 'whisper' or 'openai'",
		},
		{
			name:     "unknown tts backend",
			mutate:   func(c *Config) { c.TTS.Backend = "espeak" },
			errorMsg: "backend must be 'sbv2' or 'openai'",
		},
		{
			name:     "bad log level",
			mutate:   func(c *Config) { c.Logging.Level = "verbose" },
			errorMsg: "level must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(&c)
			err := c.Validate()
			if tt.errorMsg == "" {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.errorMsg)
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Fatalf("expected error containing %q, got %q", tt.errorMsg, err.Error())
			}
		})
	}
}

func TestLoadFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir) // keep a developer's .env out of the test

	path := filepath.Join(dir, "bot.yaml")
	yml := `
discord:
  token: from-file
  allowed_users: ["1", "2"]
segmenter:
  silence_threshold: 800
  max_duration: 15s
dialogue:
  workers: 4
tts:
  backend: openai
  voice: nova
`
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("DISCORD_BOT_TOKEN", "from-env")
	t.Setenv("VAD_SILENCE_DURATION", "1500")
	t.Setenv("WAKE_PHRASES", "ミリア, hey miria")
	t.Setenv("WAKE_WINDOW", "2")
	t.Setenv("ECHO_TRANSCRIPTS", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Discord.Token != "from-env" {
		t.Errorf("env should override file, got token %q", cfg.Discord.Token)
	}
	if len(cfg.Discord.AllowedUsers) != 2 {
		t.Errorf("expected allowed users from file, got %v", cfg.Discord.AllowedUsers)
	}
	if cfg.Segmenter.SilenceThreshold != 800 || cfg.Segmenter.MaxDuration != 15*time.Second {
		t.Errorf("unexpected segmenter config: %+v", cfg.Segmenter)
	}
	if cfg.Segmenter.SilenceDuration != 1500*time.Millisecond {
		t.Errorf("expected millisecond env duration, got %v", cfg.Segmenter.SilenceDuration)
	}
	if cfg.Segmenter.MinDuration != time.Second {
		t.Errorf("unset fields keep defaults, got %v", cfg.Segmenter.MinDuration)
	}
	if cfg.Dialogue.Workers != 4 || cfg.TTS.Backend != "openai" || cfg.TTS.Voice != "nova" {
		t.Errorf("file values not applied: %+v %+v", cfg.Dialogue, cfg.TTS)
	}
	if got := cfg.Dialogue.WakePhrases; len(got) != 2 || got[0] != "ミリア" || got[1] != "hey miria" {
		t.Errorf("unexpected wake phrases %v", got)
	}
	if cfg.Dialogue.WakeWindow != 2 {
		t.Errorf("expected wake window from env, got %d", cfg.Dialogue.WakeWindow)
	}
	if cfg.Discord.EchoTranscripts {
		t.Errorf("expected echo disabled from env")
	}
}

func TestLoadRejectsMalformedEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DISCORD_BOT_TOKEN", "x")
	t.Setenv("WORKERS", "many")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "WORKERS") {
		t.Fatalf("expected WORKERS parse error, got %v", err)
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DISCORD_BOT_TOKEN", "x")
	t.Setenv("CONFIG_FILE", "does-not-exist.yaml")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
