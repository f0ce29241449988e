package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/discord-voice-companion/internal/logging"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Status is the snapshot returned by the status tool.
type Status struct {
	Connected bool   `json:"connected"`
	GuildID   string `json:"guild_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	Speakers  int    `json:"speakers"`
	Playing   bool   `json:"playing"`
	Observers int    `json:"observers"`
}

// Backend is the bot surface the tools drive.
type Backend interface {
	// Speak synthesizes text verbatim and plays it; it returns the turn id.
	Speak(ctx context.Context, text string) (string, error)
	StopPlayback()
	// ResetHistory forgets one speaker's conversation, or all when empty.
	ResetHistory(speakerID string)
	Status() Status
}

type SpeakArgs struct {
	Text string `json:"text" jsonschema:"text to speak in the voice channel as-is"`
}

type ResetHistoryArgs struct {
	SpeakerID string `json:"speaker_id,omitempty" jsonschema:"discord user id; empty clears every speaker"`
}

// NewServer builds an MCP server exposing the bot's control tools.
func NewServer(name, version string, b Backend) *sdk.Server {
	server := sdk.NewServer(&sdk.Implementation{Name: name, Version: version}, nil)

	sdk.AddTool(server, &sdk.Tool{
		Name:        "speak",
		Description: "Speak the given text in the connected voice channel, interrupting any current playback.",
	}, func(ctx context.Context, req *sdk.CallToolRequest, args SpeakArgs) (*sdk.CallToolResult, any, error) {
		text := strings.TrimSpace(args.Text)
		if text == "" {
			return errorResult("text must not be empty"), nil, nil
		}
		id, err := b.Speak(ctx, text)
		if err != nil {
			return errorResult(err.Error()), nil, nil
		}
		logging.Infow("mcp: speak", "turn.id", id, "text_len", len(text))
		return textResult("queued turn " + id), nil, nil
	})

	sdk.AddTool(server, &sdk.Tool{
		Name:        "stop_playback",
		Description: "Stop whatever the bot is currently saying.",
	}, func(ctx context.Context, req *sdk.CallToolRequest, _ struct{}) (*sdk.CallToolResult, any, error) {
		b.StopPlayback()
		return textResult("stopped"), nil, nil
	})

	sdk.AddTool(server, &sdk.Tool{
		Name:        "reset_history",
		Description: "Forget the conversation history of one speaker, or of everyone.",
	}, func(ctx context.Context, req *sdk.CallToolRequest, args ResetHistoryArgs) (*sdk.CallToolResult, any, error) {
		b.ResetHistory(args.SpeakerID)
		if args.SpeakerID == "" {
			return textResult("history cleared for all speakers"), nil, nil
		}
		return textResult(fmt.Sprintf("history cleared for %s", args.SpeakerID)), nil, nil
	})

	sdk.AddTool(server, &sdk.Tool{
		Name:        "status",
		Description: "Report voice connection, active speakers, playback and observer counts as JSON.",
	}, func(ctx context.Context, req *sdk.CallToolRequest, _ struct{}) (*sdk.CallToolResult, any, error) {
		data, err := json.Marshal(b.Status())
		if err != nil {
			return errorResult(err.Error()), nil, nil
		}
		return textResult(string(data)), nil, nil
	})

	return server
}

func textResult(s string) *sdk.CallToolResult {
	return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: s}}}
}

func errorResult(s string) *sdk.CallToolResult {
	return &sdk.CallToolResult{IsError: true, Content: []sdk.Content{&sdk.TextContent{Text: s}}}
}
