package discord

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/discord-voice-companion/internal/broadcast"
	"github.com/discord-voice-companion/internal/dialogue"
)

type sentMessage struct {
	channelID string
	content   string
	ref       *discordgo.MessageReference
}

type fakeMessenger struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (f *fakeMessenger) ChannelMessageSend(channelID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{channelID: channelID, content: content})
	return &discordgo.Message{ChannelID: channelID, Content: content}, nil
}

func (f *fakeMessenger) ChannelMessageSendReply(channelID, content string, ref *discordgo.MessageReference, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{channelID: channelID, content: content, ref: ref})
	return &discordgo.Message{ChannelID: channelID, Content: content}, nil
}

func (f *fakeMessenger) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func TestTranscriptEcho(t *testing.T) {
	send := &fakeMessenger{}
	e := NewTranscriptEcho(send, "chat")

	e.Publish(broadcast.Event{Type: broadcast.KindTranscript, Source: string(dialogue.SourceVoice), Speaker: "Alice", Text: "hi"})
	e.Publish(broadcast.Event{Type: broadcast.KindTranscript, Source: string(dialogue.SourceVoice), SpeakerID: "42", Text: "yo"})
	e.Publish(broadcast.Event{Type: broadcast.KindTranscript, Source: string(dialogue.SourceText), Speaker: "Bob", Text: "typed"})
	e.Publish(broadcast.Event{Type: broadcast.KindSpeaking, Source: string(dialogue.SourceVoice), Text: "reply"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for len(send.messages()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	got := send.messages()
	if len(got) != 2 {
		t.Fatalf("expected two echoed transcripts, got %+v", got)
	}
	if got[0].channelID != "chat" || got[0].content != "🎤 **Alice**: hi" {
		t.Fatalf("unexpected first message %+v", got[0])
	}
	if got[1].content != "🎤 **42**: yo" {
		t.Fatalf("speaker id should stand in for a missing name, got %q", got[1].content)
	}
}

func TestTranscriptEchoNeverBlocks(t *testing.T) {
	e := NewTranscriptEcho(&fakeMessenger{}, "chat")
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			e.Publish(broadcast.Event{Type: broadcast.KindTranscript, Source: string(dialogue.SourceVoice), Text: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Publish blocked without a running sender")
	}

	off := NewTranscriptEcho(&fakeMessenger{}, "")
	off.Publish(broadcast.Event{Type: broadcast.KindTranscript, Source: string(dialogue.SourceVoice), Text: "x"})
	if len(off.queue) != 0 {
		t.Fatalf("no channel configured means nothing is queued")
	}
}
