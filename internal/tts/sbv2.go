package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/discord-voice-companion/internal/httpclient"
	"github.com/discord-voice-companion/internal/logging"
)

var (
	ErrNotConfigured = errors.New("synthesizer not configured")
	// ErrEmptyAudio is returned when the backend answers 2xx with no body.
	ErrEmptyAudio = errors.New("synthesizer returned no audio")
)

// SBV2 synthesizes through the GET /voice endpoint of a Style-Bert-VITS2
// API server, which answers with a WAV body.
type SBV2 struct {
	URL              string
	ModelID          int
	SpeakerID        int
	Style            string
	StyleWeight      float64
	Language         string
	SDPRatio         float64
	Noise            float64
	NoiseW           float64
	Length           float64
	AssistTextWeight float64
	AuthToken        string
	Attempts         int
	Client           *http.Client
}

func float(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func (s *SBV2) query(text string) url.Values {
	q := url.Values{}
	q.Set("text", text)
	q.Set("model_id", strconv.Itoa(s.ModelID))
	q.Set("speaker_id", strconv.Itoa(s.SpeakerID))
	q.Set("sdp_ratio", float(s.SDPRatio))
	q.Set("noise", float(s.Noise))
	q.Set("noise_w", float(s.NoiseW))
	q.Set("length", float(s.Length))
	q.Set("language", s.Language)
	q.Set("auto_split", "true")
	q.Set("split_interval", "0.5")
	q.Set("assist_text_weight", float(s.AssistTextWeight))
	q.Set("style", s.Style)
	q.Set("style_weight", float(s.StyleWeight))
	return q
}

// Synthesize implements dialogue.Synthesizer.
func (s *SBV2) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if s == nil || s.URL == "" {
		return nil, ErrNotConfigured
	}
	endpoint := strings.TrimRight(s.URL, "/") + "/voice?" + s.query(text).Encode()

	start := time.Now()
	resp, err := httpclient.DoWithRetries(ctx, s.Client, s.Attempts, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "audio/wav")
		if s.AuthToken != "" {
			req.Header.Set("Authorization", "Bearer "+s.AuthToken)
		}
		return req, nil
	})
	if err != nil {
		logging.Debugw("tts: request failed", "err", err)
		return nil, fmt.Errorf("sbv2 request: %w", err)
	}
	defer resp.Body.Close()
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read sbv2 audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, ErrEmptyAudio
	}
	logging.Debugw("tts: synthesized", "bytes", len(audio), "text_len", len(text), "latency_ms", time.Since(start).Milliseconds())
	return audio, nil
}
