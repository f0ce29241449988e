package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/discord-voice-companion/internal/broadcast"
	"github.com/discord-voice-companion/internal/config"
	"github.com/discord-voice-companion/internal/dialogue"
	"github.com/discord-voice-companion/internal/discord"
	"github.com/discord-voice-companion/internal/llm"
	"github.com/discord-voice-companion/internal/logging"
	"github.com/discord-voice-companion/internal/mcp"
	"github.com/discord-voice-companion/internal/metrics"
	"github.com/discord-voice-companion/internal/playback"
	"github.com/discord-voice-companion/internal/stt"
	"github.com/discord-voice-companion/internal/tts"
	"github.com/discord-voice-companion/internal/voice"
)

const version = "0.1.0"

func newTranscriber(c config.STTConfig) dialogue.Transcriber {
	if c.Backend == "openai" {
		return stt.NewOpenAI(c.BaseURL, c.APIKey, c.Model, nil)
	}
	return &stt.Whisper{URL: c.URL, BeamSize: c.BeamSize, Translate: c.Translate, Attempts: c.Retries}
}

func newSynthesizer(c config.TTSConfig) dialogue.Synthesizer {
	if c.Backend == "openai" {
		return tts.NewOpenAI(c.BaseURL, c.APIKey, c.Model, c.Voice, nil)
	}
	return &tts.SBV2{
		URL:              c.URL,
		ModelID:          c.ModelID,
		SpeakerID:        c.SpeakerID,
		Style:            c.Style,
		StyleWeight:      c.StyleWeight,
		Language:         c.Language,
		SDPRatio:         c.SDPRatio,
		Noise:            c.Noise,
		NoiseW:           c.NoiseW,
		Length:           c.Length,
		AssistTextWeight: c.AssistTextWeight,
		AuthToken:        c.APIKey,
		Attempts:         c.Retries,
	}
}

func main() {
	logging.Init()
	cfg, err := config.Load()
	if err != nil {
		logging.FatalExitf("failed to load configuration", "err", err)
	}
	logging.SetLevel(cfg.Logging.Level)
	defer logging.Sync()

	if err := os.MkdirAll(cfg.Dialogue.TempDir, 0o755); err != nil {
		logging.FatalExitf("failed to create temp audio dir", "dir", cfg.Dialogue.TempDir, "err", err)
	}

	dg, err := discordgo.New("Bot " + cfg.Discord.Token)
	if err != nil {
		logging.FatalExitf("discordgo.New failed", "err", err)
	}
	// MessageContent is privileged: enable it in the Developer Portal or
	// chat turns arrive with empty text.
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
	dg.AddHandler(newEventLogger(eventLogConfigFromEnv()))
	logging.Infow("using gateway intents", "intents", dg.Identify.Intents)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := voice.NewRegistry(cfg.Segmenter, cfg.Discord.BotUserID, nil)
	player := playback.NewController(nil)
	generator := llm.New(llm.Config{
		BaseURL:       cfg.LLM.BaseURL,
		APIKey:        cfg.LLM.APIKey,
		Model:         cfg.LLM.Model,
		FallbackModel: cfg.LLM.FallbackModel,
		SystemPrompt:  cfg.LLM.SystemPrompt,
		MaxTokens:     cfg.LLM.MaxTokens,
		Temperature:   cfg.LLM.Temperature,
		HistorySize:   cfg.LLM.HistorySize,
	})

	hub := broadcast.NewHub()
	m := metrics.NewMetrics()
	m.WatchBroadcastClients(hub.Clients)

	publishers := broadcast.Fanout{hub, m}
	var wg sync.WaitGroup
	if cfg.Discord.EchoTranscripts && cfg.Discord.ChatChannelID != "" {
		echo := discord.NewTranscriptEcho(dg, cfg.Discord.ChatChannelID)
		publishers = append(publishers, echo)
		wg.Add(1)
		go func() {
			defer wg.Done()
			echo.Run(ctx)
		}()
	}

	bot := discord.NewBot(dg, discord.BotConfig{
		Discord:   cfg.Discord,
		Registry:  registry,
		Player:    player,
		History:   generator,
		Metrics:   m,
		Observers: hub.Clients,
	})

	pool := dialogue.NewPool(cfg.Dialogue.Workers, cfg.Dialogue.Workers*4)
	orch, err := dialogue.New(dialogue.Config{
		Language:          cfg.Dialogue.Language,
		FallbackReply:     cfg.Dialogue.FallbackReply,
		TempDir:           cfg.Dialogue.TempDir,
		TranscribeTimeout: cfg.Dialogue.TranscribeTimeout,
		GenerateTimeout:   cfg.Dialogue.GenerateTimeout,
		SynthesizeTimeout: cfg.Dialogue.SynthesizeTimeout,
		WakePhrases:       cfg.Dialogue.WakePhrases,
		WakeWindow:        cfg.Dialogue.WakeWindow,
	}, dialogue.Deps{
		Transcriber: newTranscriber(cfg.STT),
		Generator:   generator,
		Synthesizer: newSynthesizer(cfg.TTS),
		Player:      player,
		Publisher:   publishers,
		Pool:        pool,
		OnTurnEnd:   m.ObserveTurn,
	})
	if err != nil {
		logging.FatalExitf("failed to build dialogue orchestrator", "err", err)
	}
	bot.Attach(orch)

	var srv *http.Server
	if cfg.HTTP.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/ws", hub)
		mux.Handle("/mcp", mcp.Handler(ctx, mcp.NewServer("discord-voice-companion", version, bot)))
		mux.Handle("/metrics", m.Handler())
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})
		srv = &http.Server{Addr: cfg.HTTP.Address, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		wg.Add(1)
		go func() {
			defer wg.Done()
			logging.Infow("http listener started", "addr", cfg.HTTP.Address)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Errorw("http listener failed", "err", err)
			}
		}()
	}

	wg.Add(1)
	voice.StartTempJanitor(ctx, &wg, cfg.Dialogue.TempDir, cfg.Dialogue.TempRetention, cfg.Dialogue.JanitorInterval)

	bot.Start(ctx)
	logging.Infow("opening discord session")
	if err := dg.Open(); err != nil {
		logging.FatalExitf("discord session open failed", "err", err)
	}
	logging.Infow("discord session opened")

	if cfg.Discord.AutoJoin {
		if err := bot.Join(cfg.Discord.GuildID, cfg.Discord.VoiceChannelID); err != nil {
			logging.Warnw("auto join failed", append(logging.ChannelFields(cfg.Discord.VoiceChannelID, ""), "err", err)...)
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logging.Infow("shutdown signal received, closing resources")

	cancel()
	bot.Close()
	orch.Wait()
	pool.Close()
	player.Close()
	hub.Close()
	if srv != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Warnw("http shutdown error", "err", err)
		}
		done()
	}
	wg.Wait()
	if err := dg.Close(); err != nil {
		logging.Warnw("discord session close error", "err", err)
	}
	logging.Infow("shutdown complete")
}
