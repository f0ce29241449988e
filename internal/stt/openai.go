package stt

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAI transcribes through the /audio/transcriptions endpoint of any
// OpenAI-compatible server.
type OpenAI struct {
	client *openai.Client
	model  string
}

func NewOpenAI(baseURL, apiKey, model string, hc *http.Client) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if hc != nil {
		cfg.HTTPClient = hc
	}
	if model == "" {
		model = openai.Whisper1
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg), model: model}
}

// Transcribe implements dialogue.Transcriber.
func (o *OpenAI) Transcribe(ctx context.Context, path, language string) (string, error) {
	resp, err := o.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    o.model,
		FilePath: path,
		Language: language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", fmt.Errorf("openai transcription: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}
