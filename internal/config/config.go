package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/discord-voice-companion/internal/voice"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultFallbackReply is spoken when reply generation fails.
const DefaultFallbackReply = "ごめんね、ちょっと頭が回らないみたい..."

// DefaultSystemPrompt is the companion persona.
const DefaultSystemPrompt = "あなたは「ミリア」という名前の妹キャラクターです。兄（ユーザー）と仲良く会話してください。返答は短めに、感情豊かに。"

// Config is the complete bot configuration.
type Config struct {
	Discord   DiscordConfig         `yaml:"discord"`
	Segmenter voice.SegmenterConfig `yaml:"segmenter"`
	Dialogue  DialogueConfig        `yaml:"dialogue"`
	STT       STTConfig             `yaml:"stt"`
	LLM       LLMConfig             `yaml:"llm"`
	TTS       TTSConfig             `yaml:"tts"`
	HTTP      HTTPConfig            `yaml:"http"`
	Logging   LoggingConfig         `yaml:"logging"`
}

type DiscordConfig struct {
	Token          string   `yaml:"token"`
	GuildID        string   `yaml:"guild_id"`
	VoiceChannelID string   `yaml:"voice_channel_id"`
	ChatChannelID  string   `yaml:"chat_channel_id"`
	BotUserID      string   `yaml:"bot_user_id"`
	AllowedUsers   []string `yaml:"allowed_users"`
	CommandPrefix  string   `yaml:"command_prefix"`
	// AutoJoin joins VoiceChannelID on startup instead of waiting for !join.
	AutoJoin        bool `yaml:"auto_join"`
	EchoTranscripts bool `yaml:"echo_transcripts"`
	OpusQueueSize   int  `yaml:"opus_queue_size"`
}

type DialogueConfig struct {
	Language          string        `yaml:"language"`
	FallbackReply     string        `yaml:"fallback_reply"`
	Workers           int           `yaml:"workers"`
	TranscribeTimeout time.Duration `yaml:"transcribe_timeout"`
	GenerateTimeout   time.Duration `yaml:"generate_timeout"`
	SynthesizeTimeout time.Duration `yaml:"synthesize_timeout"`
	WakePhrases       []string      `yaml:"wake_phrases"`
	WakeWindow        int           `yaml:"wake_window"`
	TempDir           string        `yaml:"temp_dir"`
	TempRetention     time.Duration `yaml:"temp_retention"`
	JanitorInterval   time.Duration `yaml:"janitor_interval"`
}

type STTConfig struct {
	// Backend is "whisper" (HTTP server taking a WAV body) or "openai".
	Backend string `yaml:"backend"`
	URL     string `yaml:"url"`
	// BaseURL points the openai backend at a compatible server; empty means
	// api.openai.com.
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	BeamSize  int    `yaml:"beam_size"`
	Translate bool   `yaml:"translate"`
	APIKey    string `yaml:"api_key"`
	Retries   int    `yaml:"retries"`
}

type LLMConfig struct {
	BaseURL       string  `yaml:"base_url"`
	APIKey        string  `yaml:"api_key"`
	Model         string  `yaml:"model"`
	FallbackModel string  `yaml:"fallback_model"`
	SystemPrompt  string  `yaml:"system_prompt"`
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float32 `yaml:"temperature"`
	HistorySize   int     `yaml:"history_size"`
}

type TTSConfig struct {
	// Backend is "sbv2" (Style-Bert-VITS2 /voice) or "openai".
	Backend          string  `yaml:"backend"`
	URL              string  `yaml:"url"`
	ModelID          int     `yaml:"model_id"`
	SpeakerID        int     `yaml:"speaker_id"`
	Style            string  `yaml:"style"`
	StyleWeight      float64 `yaml:"style_weight"`
	Language         string  `yaml:"language"`
	SDPRatio         float64 `yaml:"sdp_ratio"`
	Noise            float64 `yaml:"noise"`
	NoiseW           float64 `yaml:"noise_w"`
	Length           float64 `yaml:"length"`
	AssistTextWeight float64 `yaml:"assist_text_weight"`
	APIKey           string  `yaml:"api_key"`
	BaseURL          string  `yaml:"base_url"`
	Model            string  `yaml:"model"`
	Voice            string  `yaml:"voice"`
	Retries          int     `yaml:"retries"`
}

// HTTPConfig controls the side listener serving /ws, /mcp and /metrics.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns a configuration that works against local whisper, ollama
// and Style-Bert-VITS2 servers.
func Default() Config {
	return Config{
		Discord: DiscordConfig{
			CommandPrefix:   "!",
			EchoTranscripts: true,
			OpusQueueSize:   512,
		},
		Segmenter: voice.DefaultSegmenterConfig(),
		Dialogue: DialogueConfig{
			Language:          "ja",
			FallbackReply:     DefaultFallbackReply,
			Workers:           2,
			TranscribeTimeout: 30 * time.Second,
			GenerateTimeout:   60 * time.Second,
			SynthesizeTimeout: 30 * time.Second,
			TempDir:           filepath.Join(os.TempDir(), "voice-companion"),
			TempRetention:     time.Hour,
			JanitorInterval:   5 * time.Minute,
		},
		STT: STTConfig{
			Backend:  "whisper",
			URL:      "http://localhost:9000/asr",
			Model:    "whisper-1",
			BeamSize: 5,
			Retries:  3,
		},
		LLM: LLMConfig{
			BaseURL:      "http://localhost:11434/v1",
			Model:        "qwen2.5:7b",
			SystemPrompt: DefaultSystemPrompt,
			MaxTokens:    256,
			Temperature:  0.8,
			HistorySize:  20,
		},
		TTS: TTSConfig{
			Backend:          "sbv2",
			URL:              "http://127.0.0.1:5000",
			Style:            "Neutral",
			StyleWeight:      5.0,
			Language:         "JP",
			SDPRatio:         0.2,
			Noise:            0.6,
			NoiseW:           0.8,
			Length:           1.0,
			AssistTextWeight: 1.0,
			Model:            "tts-1",
			Voice:            "alloy",
			Retries:          2,
		},
		HTTP:    HTTPConfig{Enabled: true, Address: "0.0.0.0:8000"},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load builds the configuration from defaults, an optional .env file, an
// optional YAML file named by CONFIG_FILE, and finally environment variables.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	cfg := Default()
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// envReader collects the first parse error so applyEnv reads top to bottom.
type envReader struct{ err error }

func (r *envReader) str(dst *string, keys ...string) {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			*dst = v
			return
		}
	}
}

func (r *envReader) list(dst *[]string, key string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	out := make([]string, 0)
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}

func (r *envReader) integer(dst *int, key string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" || r.err != nil {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = n
}

func (r *envReader) float(dst *float64, key string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" || r.err != nil {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = f
}

func (r *envReader) boolean(dst *bool, key string) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "":
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	default:
		if r.err == nil {
			r.err = fmt.Errorf("%s: invalid boolean %q", key, v)
		}
	}
}

// duration accepts Go duration strings ("1.5s") or bare milliseconds.
func (r *envReader) duration(dst *time.Duration, key string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" || r.err != nil {
		return
	}
	if ms, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(ms) * time.Millisecond
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = d
}

func (c *Config) applyEnv() error {
	r := &envReader{}

	r.str(&c.Discord.Token, "DISCORD_BOT_TOKEN", "DISCORD_TOKEN")
	r.str(&c.Discord.GuildID, "GUILD_ID")
	r.str(&c.Discord.VoiceChannelID, "VOICE_CHANNEL_ID")
	r.str(&c.Discord.ChatChannelID, "CHAT_CHANNEL_ID")
	r.str(&c.Discord.BotUserID, "BOT_USER_ID")
	r.list(&c.Discord.AllowedUsers, "ALLOWED_USER_IDS")
	r.str(&c.Discord.CommandPrefix, "COMMAND_PREFIX")
	r.boolean(&c.Discord.AutoJoin, "AUTO_JOIN")
	r.boolean(&c.Discord.EchoTranscripts, "ECHO_TRANSCRIPTS")
	r.integer(&c.Discord.OpusQueueSize, "OPUS_QUEUE_SIZE")

	r.float(&c.Segmenter.SilenceThreshold, "VAD_SILENCE_THRESHOLD")
	r.duration(&c.Segmenter.SilenceDuration, "VAD_SILENCE_DURATION")
	r.duration(&c.Segmenter.MinDuration, "VAD_MIN_DURATION")
	r.duration(&c.Segmenter.MaxDuration, "VAD_MAX_DURATION")
	r.duration(&c.Segmenter.IdleReclaim, "VAD_IDLE_RECLAIM")
	r.duration(&c.Segmenter.PreRoll, "VAD_PRE_ROLL")

	r.str(&c.Dialogue.Language, "STT_LANGUAGE")
	r.str(&c.Dialogue.FallbackReply, "FALLBACK_REPLY")
	r.integer(&c.Dialogue.Workers, "WORKERS")
	r.duration(&c.Dialogue.TranscribeTimeout, "TRANSCRIBE_TIMEOUT")
	r.duration(&c.Dialogue.GenerateTimeout, "GENERATE_TIMEOUT")
	r.duration(&c.Dialogue.SynthesizeTimeout, "SYNTHESIZE_TIMEOUT")
	r.list(&c.Dialogue.WakePhrases, "WAKE_PHRASES")
	r.integer(&c.Dialogue.WakeWindow, "WAKE_WINDOW")
	r.str(&c.Dialogue.TempDir, "TEMP_AUDIO_DIR")
	r.duration(&c.Dialogue.TempRetention, "TEMP_AUDIO_RETENTION")

	r.str(&c.STT.Backend, "STT_BACKEND")
	r.str(&c.STT.URL, "WHISPER_URL")
	r.str(&c.STT.BaseURL, "STT_BASE_URL")
	r.str(&c.STT.Model, "STT_MODEL")
	r.integer(&c.STT.BeamSize, "STT_BEAM_SIZE")
	r.boolean(&c.STT.Translate, "WHISPER_TRANSLATE")
	r.str(&c.STT.APIKey, "STT_API_KEY", "OPENAI_API_KEY")

	r.str(&c.LLM.BaseURL, "OPENAI_BASE_URL", "LLM_BASE_URL")
	r.str(&c.LLM.APIKey, "OPENAI_API_KEY")
	r.str(&c.LLM.Model, "OPENAI_MODEL", "LLM_MODEL")
	r.str(&c.LLM.FallbackModel, "OPENAI_FALLBACK_MODEL")
	r.str(&c.LLM.SystemPrompt, "LLM_SYSTEM_PROMPT")
	r.integer(&c.LLM.MaxTokens, "LLM_MAX_TOKENS")
	temp := float64(c.LLM.Temperature)
	r.float(&temp, "LLM_TEMPERATURE")
	c.LLM.Temperature = float32(temp)
	r.integer(&c.LLM.HistorySize, "LLM_HISTORY_SIZE")

	r.str(&c.TTS.Backend, "TTS_BACKEND")
	r.str(&c.TTS.URL, "TTS_URL", "SBV2_URL")
	r.integer(&c.TTS.ModelID, "TTS_MODEL_ID")
	r.integer(&c.TTS.SpeakerID, "TTS_SPEAKER_ID")
	r.str(&c.TTS.Style, "TTS_STYLE")
	r.float(&c.TTS.StyleWeight, "TTS_STYLE_WEIGHT")
	r.str(&c.TTS.Language, "TTS_LANGUAGE")
	r.str(&c.TTS.APIKey, "TTS_AUTH_TOKEN", "OPENAI_API_KEY")
	r.str(&c.TTS.BaseURL, "TTS_BASE_URL")
	r.str(&c.TTS.Model, "TTS_MODEL")
	r.str(&c.TTS.Voice, "TTS_VOICE")

	r.boolean(&c.HTTP.Enabled, "HTTP_ENABLED")
	r.str(&c.HTTP.Address, "HTTP_ADDR")

	r.str(&c.Logging.Level, "LOG_LEVEL")
	return r.err
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Discord.Validate(); err != nil {
		return fmt.Errorf("discord config: %w", err)
	}
	if err := c.Segmenter.Validate(); err != nil {
		return fmt.Errorf("segmenter config: %w", err)
	}
	if err := c.Dialogue.Validate(); err != nil {
		return fmt.Errorf("dialogue config: %w", err)
	}
	if err := c.STT.Validate(); err != nil {
		return fmt.Errorf("stt config: %w", err)
	}
	if err := c.LLM.Validate(); err != nil {
		return fmt.Errorf("llm config: %w", err)
	}
	if err := c.TTS.Validate(); err != nil {
		return fmt.Errorf("tts config: %w", err)
	}
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

func (d *DiscordConfig) Validate() error {
	if d.Token == "" {
		return fmt.Errorf("token cannot be empty (set DISCORD_BOT_TOKEN)")
	}
	if d.AutoJoin && (d.GuildID == "" || d.VoiceChannelID == "") {
		return fmt.Errorf("auto_join requires guild_id and voice_channel_id")
	}
	if d.CommandPrefix == "" {
		return fmt.Errorf("command_prefix cannot be empty")
	}
	if d.OpusQueueSize < 1 {
		return fmt.Errorf("opus_queue_size must be at least 1, got %d", d.OpusQueueSize)
	}
	return nil
}

func (d *DialogueConfig) Validate() error {
	if strings.TrimSpace(d.FallbackReply) == "" {
		return fmt.Errorf("fallback_reply cannot be empty")
	}
	if d.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", d.Workers)
	}
	if d.TranscribeTimeout <= 0 || d.GenerateTimeout <= 0 || d.SynthesizeTimeout <= 0 {
		return fmt.Errorf("collaborator timeouts must be positive")
	}
	if d.WakeWindow < 0 {
		return fmt.Errorf("wake_window cannot be negative, got %d", d.WakeWindow)
	}
	if d.TempDir == "" {
		return fmt.Errorf("temp_dir cannot be empty")
	}
	if d.TempRetention <= 0 || d.JanitorInterval <= 0 {
		return fmt.Errorf("temp_retention and janitor_interval must be positive")
	}
	return nil
}

func (s *STTConfig) Validate() error {
	switch s.Backend {
	case "whisper":
		if s.URL == "" {
			return fmt.Errorf("url cannot be empty for the whisper backend")
		}
	case "openai":
		if s.Model == "" {
			return fmt.Errorf("model cannot be empty for the openai backend")
		}
	default:
		return fmt.Errorf("backend must be 'whisper' or 'openai', got '%s'", s.Backend)
	}
	if s.BeamSize < 0 {
		return fmt.Errorf("beam_size cannot be negative, got %d", s.BeamSize)
	}
	if s.Retries < 1 {
		return fmt.Errorf("retries must be at least 1, got %d", s.Retries)
	}
	return nil
}

func (l *LLMConfig) Validate() error {
	if l.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}
	if l.MaxTokens < 0 {
		return fmt.Errorf("max_tokens cannot be negative, got %d", l.MaxTokens)
	}
	if l.Temperature < 0 || l.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %v", l.Temperature)
	}
	if l.HistorySize < 0 {
		return fmt.Errorf("history_size cannot be negative, got %d", l.HistorySize)
	}
	return nil
}

func (t *TTSConfig) Validate() error {
	switch t.Backend {
	case "sbv2":
		if t.URL == "" {
			return fmt.Errorf("url cannot be empty for the sbv2 backend")
		}
	case "openai":
		if t.Model == "" || t.Voice == "" {
			return fmt.Errorf("model and voice are required for the openai backend")
		}
	default:
		return fmt.Errorf("backend must be 'sbv2' or 'openai', got '%s'", t.Backend)
	}
	if t.Retries < 1 {
		return fmt.Errorf("retries must be at least 1, got %d", t.Retries)
	}
	return nil
}

func (h *HTTPConfig) Validate() error {
	if h.Enabled && h.Address == "" {
		return fmt.Errorf("address cannot be empty when HTTP is enabled")
	}
	return nil
}

func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(l.Level)] {
		return fmt.Errorf("level must be one of debug, info, warn, error, got '%s'", l.Level)
	}
	return nil
}
