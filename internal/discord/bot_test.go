package discord

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/discord-voice-companion/internal/config"
	"github.com/discord-voice-companion/internal/dialogue"
	"github.com/discord-voice-companion/internal/playback"
	"github.com/discord-voice-companion/internal/voice"
)

type textCall struct {
	speaker dialogue.Speaker
	text    string
	opts    dialogue.TextOptions
}

type fakeDialogue struct {
	mu         sync.Mutex
	texts      []textCall
	utterances chan dialogue.Speaker
	reply      string
}

func newFakeDialogue() *fakeDialogue {
	return &fakeDialogue{utterances: make(chan dialogue.Speaker, 4), reply: "pong"}
}

func (f *fakeDialogue) HandleUtterance(_ context.Context, sp dialogue.Speaker, _ *voice.Utterance) string {
	f.utterances <- sp
	return "turn-voice"
}

func (f *fakeDialogue) HandleText(_ context.Context, sp dialogue.Speaker, text string, opts dialogue.TextOptions) string {
	f.mu.Lock()
	f.texts = append(f.texts, textCall{speaker: sp, text: text, opts: opts})
	f.mu.Unlock()
	if opts.Reply != nil {
		opts.Reply(dialogue.Turn{ID: "turn-1", Reply: f.reply})
	}
	return "turn-1"
}

func (f *fakeDialogue) calls() []textCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]textCall(nil), f.texts...)
}

type fakeHistory struct{ reset []string }

func (h *fakeHistory) ResetHistory(id string) { h.reset = append(h.reset, id) }

type botFixture struct {
	bot     *Bot
	dlg     *fakeDialogue
	msg     *fakeMessenger
	history *fakeHistory
	reg     *voice.Registry
}

func newBotFixture(t *testing.T, allowed ...string) *botFixture {
	t.Helper()
	f := &botFixture{dlg: newFakeDialogue(), msg: &fakeMessenger{}, history: &fakeHistory{}}
	f.reg = voice.NewRegistry(voice.DefaultSegmenterConfig(), "", nil)
	player := playback.NewController(nil)
	t.Cleanup(player.Close)
	f.bot = newBot(BotConfig{
		Discord: config.DiscordConfig{
			ChatChannelID: "chat",
			CommandPrefix: "!",
			AllowedUsers:  allowed,
		},
		Registry:   f.reg,
		Player:     player,
		History:    f.history,
		Observers:  func() int { return 2 },
		NewDecoder: func() (Decoder, error) { return fakeDecoder{}, nil },
	})
	f.bot.msg = f.msg
	f.bot.Attach(f.dlg)
	return f
}

func message(channelID, authorID, content string) *discordgo.Message {
	return &discordgo.Message{
		ID:        "m1",
		ChannelID: channelID,
		GuildID:   "g",
		Content:   content,
		Author:    &discordgo.User{ID: authorID, Username: "user-" + authorID},
	}
}

func TestChatMessageStartsTextTurn(t *testing.T) {
	f := newBotFixture(t)
	f.bot.handleMessage(message("chat", "1", "hello bot"))

	calls := f.dlg.calls()
	if len(calls) != 1 {
		t.Fatalf("expected one text turn, got %d", len(calls))
	}
	c := calls[0]
	if c.text != "hello bot" || c.speaker.ID != "1" || c.opts.Source != dialogue.SourceText {
		t.Fatalf("unexpected turn %+v", c)
	}
	if c.opts.Voice || c.opts.Verbatim {
		t.Fatalf("a chat message outside voice is answered in text only, got %+v", c.opts)
	}

	sent := f.msg.messages()
	if len(sent) != 1 || sent[0].content != "pong" || sent[0].channelID != "chat" {
		t.Fatalf("expected the reply in the chat channel, got %+v", sent)
	}
	if sent[0].ref == nil || sent[0].ref.MessageID != "m1" {
		t.Fatalf("reply should reference the original message, got %+v", sent[0].ref)
	}
}

func TestMessagesThatAreIgnored(t *testing.T) {
	f := newBotFixture(t, "1")

	f.bot.handleMessage(message("general", "1", "not the chat channel"))
	bot := message("chat", "1", "beep")
	bot.Author.Bot = true
	f.bot.handleMessage(bot)
	f.bot.handleMessage(message("chat", "2", "not allowed"))
	f.bot.handleMessage(&discordgo.Message{ChannelID: "chat", Content: "no author"})

	if n := len(f.dlg.calls()); n != 0 {
		t.Fatalf("expected no turns, got %d", n)
	}
	if n := len(f.msg.messages()); n != 0 {
		t.Fatalf("expected no messages, got %d", n)
	}
}

func TestResetCommand(t *testing.T) {
	f := newBotFixture(t)
	f.bot.handleMessage(message("general", "7", "!reset"))

	if len(f.history.reset) != 1 || f.history.reset[0] != "7" {
		t.Fatalf("history not reset for the author: %v", f.history.reset)
	}
	sent := f.msg.messages()
	if len(sent) != 1 || sent[0].content != "History cleared." || sent[0].channelID != "general" {
		t.Fatalf("unexpected confirmation %+v", sent)
	}
	if len(f.dlg.calls()) != 0 {
		t.Fatalf("commands never reach the dialogue")
	}
}

func TestSpeakCommandWithoutVoice(t *testing.T) {
	f := newBotFixture(t)
	f.bot.handleMessage(message("chat", "1", "!speak hi"))

	if len(f.dlg.calls()) != 0 {
		t.Fatalf("speak must not start a turn when the bot cannot join")
	}
	sent := f.msg.messages()
	if len(sent) != 1 || sent[0].content != "Could not join the voice channel." {
		t.Fatalf("unexpected messages %+v", sent)
	}

	f.bot.handleMessage(message("chat", "1", "!leave"))
	f.bot.handleMessage(message("chat", "1", "!stop"))
	if len(f.msg.messages()) != 1 {
		t.Fatalf("leave and stop are silent when idle")
	}
}

func TestBackendWhenDisconnected(t *testing.T) {
	f := newBotFixture(t)

	if _, err := f.bot.Speak(context.Background(), "hello"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	f.bot.StopPlayback()
	f.bot.ResetHistory("9")
	if len(f.history.reset) != 1 || f.history.reset[0] != "9" {
		t.Fatalf("ResetHistory not forwarded")
	}

	f.reg.Route("alice", make([]byte, 3840))
	st := f.bot.Status()
	if st.Connected || st.Playing || st.Speakers != 1 || st.Observers != 2 {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestUtteranceStartsVoiceTurn(t *testing.T) {
	f := newBotFixture(t)
	f.bot.onUtterance("alice", &voice.Utterance{ID: "u1", Speaker: "alice"})

	select {
	case sp := <-f.dlg.utterances:
		if sp.ID != "alice" {
			t.Fatalf("unexpected speaker %+v", sp)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("utterance never reached the dialogue")
	}
	f.bot.wg.Wait()
}

func TestReadyExcludesOwnVoice(t *testing.T) {
	f := newBotFixture(t)
	f.bot.onReady(nil, &discordgo.Ready{User: &discordgo.User{ID: "bot"}})

	f.reg.Route("bot", make([]byte, 3840))
	if f.reg.Len() != 0 {
		t.Fatalf("the bot's own audio must not get a buffer")
	}
}
