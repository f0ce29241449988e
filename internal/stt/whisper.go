package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/discord-voice-companion/internal/httpclient"
	"github.com/discord-voice-companion/internal/logging"
)

var ErrNotConfigured = errors.New("transcriber not configured")

// Whisper posts WAV bodies to a whisper HTTP server (faster-whisper,
// whisper.cpp server and similar) and reads {"text": ...} back.
type Whisper struct {
	URL       string
	BeamSize  int
	Translate bool
	Attempts  int
	Client    *http.Client
}

func (w *Whisper) endpoint(language string) (string, error) {
	u, err := url.Parse(w.URL)
	if err != nil {
		return "", fmt.Errorf("invalid whisper url: %w", err)
	}
	q := u.Query()
	if w.Translate {
		q.Set("task", "translate")
	}
	if w.BeamSize > 0 {
		q.Set("beam_size", strconv.Itoa(w.BeamSize))
	}
	if language != "" {
		q.Set("language", language)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Transcribe implements dialogue.Transcriber.
func (w *Whisper) Transcribe(ctx context.Context, path, language string) (string, error) {
	if w == nil || w.URL == "" {
		return "", ErrNotConfigured
	}
	wav, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read utterance: %w", err)
	}
	endpoint, err := w.endpoint(language)
	if err != nil {
		return "", err
	}

	sendTs := time.Now()
	resp, err := httpclient.DoWithRetries(ctx, w.Client, w.Attempts, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(wav))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "audio/wav")
		return req, nil
	})
	if err != nil {
		return "", fmt.Errorf("whisper request: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode whisper response: %w", err)
	}
	serverMs := 0
	if v := resp.Header.Get("X-Processing-Time-ms"); v != "" {
		serverMs, _ = strconv.Atoi(v)
	}
	logging.Debugw("stt: whisper response", "bytes", len(wav), "stt_latency_ms", time.Since(sendTs).Milliseconds(), "stt_server_ms", serverMs)
	return strings.TrimSpace(out.Text), nil
}
