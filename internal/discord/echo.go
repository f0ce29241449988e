package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/discord-voice-companion/internal/broadcast"
	"github.com/discord-voice-companion/internal/dialogue"
	"github.com/discord-voice-companion/internal/logging"
)

type messageSender interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// TranscriptEcho posts voice transcripts to a text channel. Publish never
// blocks; messages queue for Run and overflow is dropped.
type TranscriptEcho struct {
	send      messageSender
	channelID string
	queue     chan string
}

func NewTranscriptEcho(send messageSender, channelID string) *TranscriptEcho {
	return &TranscriptEcho{send: send, channelID: channelID, queue: make(chan string, 32)}
}

func formatTranscript(speaker, text string) string {
	return fmt.Sprintf("🎤 **%s**: %s", speaker, text)
}

func (e *TranscriptEcho) Publish(ev broadcast.Event) {
	if ev.Type != broadcast.KindTranscript || ev.Source != string(dialogue.SourceVoice) || e.channelID == "" {
		return
	}
	name := ev.Speaker
	if name == "" {
		name = ev.SpeakerID
	}
	select {
	case e.queue <- formatTranscript(name, ev.Text):
	default:
		logging.Warnw("echo: queue full, dropping transcript", "turn.id", ev.TurnID)
	}
}

// Run sends queued messages until ctx ends.
func (e *TranscriptEcho) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-e.queue:
			if _, err := e.send.ChannelMessageSend(e.channelID, msg); err != nil {
				logging.Warnw("echo: send failed", "channel.id", e.channelID, "err", err)
			}
		}
	}
}
