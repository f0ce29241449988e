package discord

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/discord-voice-companion/internal/config"
	"github.com/discord-voice-companion/internal/dialogue"
	"github.com/discord-voice-companion/internal/logging"
	"github.com/discord-voice-companion/internal/mcp"
	"github.com/discord-voice-companion/internal/metrics"
	"github.com/discord-voice-companion/internal/playback"
	"github.com/discord-voice-companion/internal/voice"
)

const defaultSpeakTest = "これはマイクのテストです。聞こえていますか？"

var (
	ErrNotConnected     = errors.New("not connected to a voice channel")
	errAuthorNotInVoice = errors.New("author is not in a voice channel")
)

// Dialogue is the part of the orchestrator the bot drives.
type Dialogue interface {
	HandleUtterance(ctx context.Context, speaker dialogue.Speaker, u *voice.Utterance) string
	HandleText(ctx context.Context, speaker dialogue.Speaker, text string, opts dialogue.TextOptions) string
}

type HistoryResetter interface {
	ResetHistory(speakerID string)
}

type messenger interface {
	messageSender
	ChannelMessageSendReply(channelID, content string, reference *discordgo.MessageReference, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

type BotConfig struct {
	Discord  config.DiscordConfig
	Registry *voice.Registry
	Player   *playback.Controller
	History  HistoryResetter
	Metrics  *metrics.Metrics
	// Observers reports connected broadcast clients for the status tool.
	Observers  func() int
	NewEncoder func() (Encoder, error)
	NewDecoder func() (Decoder, error)
}

// Bot is the discord side of the companion: it owns the voice connection,
// turns received audio and chat messages into dialogue turns and answers
// chat commands. It also serves the MCP control tools.
type Bot struct {
	session    *discordgo.Session
	msg        messenger
	cfg        config.DiscordConfig
	registry   *voice.Registry
	player     *playback.Controller
	history    HistoryResetter
	resolver   *Resolver
	receiver   *Receiver
	observers  func() int
	newEncoder func() (Encoder, error)

	dlg Dialogue
	ctx context.Context
	wg  sync.WaitGroup

	mu          sync.Mutex
	vc          *discordgo.VoiceConnection
	voiceCancel context.CancelFunc
	guildID     string
	channelID   string
}

func NewBot(s *discordgo.Session, cfg BotConfig) *Bot {
	b := newBot(cfg)
	b.session = s
	b.msg = s
	b.resolver = NewResolver(s)
	return b
}

func newBot(cfg BotConfig) *Bot {
	if cfg.NewEncoder == nil {
		cfg.NewEncoder = NewOpusEncoder
	}
	if cfg.Observers == nil {
		cfg.Observers = func() int { return 0 }
	}
	b := &Bot{
		cfg:        cfg.Discord,
		registry:   cfg.Registry,
		player:     cfg.Player,
		history:    cfg.History,
		observers:  cfg.Observers,
		newEncoder: cfg.NewEncoder,
		ctx:        context.Background(),
	}
	b.receiver = NewReceiver(ReceiverConfig{
		Registry:    cfg.Registry,
		OnUtterance: b.onUtterance,
		NewDecoder:  cfg.NewDecoder,
		Metrics:     cfg.Metrics,
		QueueSize:   cfg.Discord.OpusQueueSize,
	})
	b.receiver.SetAllowedUsers(cfg.Discord.AllowedUsers)
	return b
}

// Attach sets the dialogue engine. It must be called before Start.
func (b *Bot) Attach(d Dialogue) { b.dlg = d }

// Start registers gateway handlers and runs the receive loop until ctx
// ends. Call it before opening the session.
func (b *Bot) Start(ctx context.Context) {
	b.ctx = ctx
	if b.session != nil {
		b.session.AddHandler(b.onReady)
		b.session.AddHandler(b.onMessageCreate)
		b.session.AddHandler(b.onVoiceStateUpdate)
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.receiver.Run(ctx)
	}()
}

// Close leaves voice and waits for the bot's goroutines. ctx passed to
// Start must already be done.
func (b *Bot) Close() {
	b.Leave()
	b.wg.Wait()
}

func (b *Bot) onReady(s *discordgo.Session, r *discordgo.Ready) {
	self := b.cfg.BotUserID
	if self == "" && r.User != nil {
		self = r.User.ID
	}
	b.registry.SetSelfID(self)
	logging.Infow("discord: ready", "user_id", self, "guilds", len(r.Guilds))
}

// Join connects to a voice channel, moving away from any current one.
func (b *Bot) Join(guildID, channelID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.vc != nil && b.guildID == guildID && b.channelID == channelID {
		return nil
	}
	b.leaveLocked()

	// not deafened: the bot has to hear the channel
	vc, err := b.session.ChannelVoiceJoin(guildID, channelID, false, false)
	if err != nil {
		return fmt.Errorf("voice join: %w", err)
	}
	vc.AddHandler(b.receiver.HandleSpeakingUpdate)

	vctx, cancel := context.WithCancel(b.ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.receiver.Pump(vctx, vc.OpusRecv)
	}()

	if enc, err := b.newEncoder(); err != nil {
		logging.Errorw("discord: no opus encoder, replies will not be spoken", "err", err)
	} else {
		b.player.SetSink(NewOpusSink(vc, enc))
	}
	b.vc, b.voiceCancel = vc, cancel
	b.guildID, b.channelID = guildID, channelID
	logging.Infow("discord: joined voice", append(logging.GuildFields(guildID, ""), logging.ChannelFields(channelID, "")...)...)
	return nil
}

// Leave disconnects from voice; a no-op when not connected.
func (b *Bot) Leave() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leaveLocked()
}

func (b *Bot) leaveLocked() {
	if b.vc == nil {
		return
	}
	b.player.SetSink(nil)
	b.voiceCancel()
	if err := b.vc.Disconnect(); err != nil {
		logging.Warnw("discord: voice disconnect error", "err", err)
	}
	logging.Infow("discord: left voice", logging.ChannelFields(b.channelID, "")...)
	b.vc, b.voiceCancel = nil, nil
	b.guildID, b.channelID = "", ""
}

func (b *Bot) voiceChannel() (guildID, channelID string, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.guildID, b.channelID, b.channelID != ""
}

func (b *Bot) speaker(guildID, userID string) dialogue.Speaker {
	name := ""
	if b.resolver != nil {
		name = b.resolver.UserName(guildID, userID)
	}
	return dialogue.Speaker{ID: userID, Name: name}
}

// onUtterance runs on the receive loop; name lookups may hit the REST API
// so the hand-off happens on its own goroutine.
func (b *Bot) onUtterance(speakerID string, u *voice.Utterance) {
	guildID, _, _ := b.voiceChannel()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.dlg.HandleUtterance(b.ctx, b.speaker(guildID, speakerID), u)
	}()
}

func (b *Bot) allowed(userID string) bool {
	if len(b.cfg.AllowedUsers) == 0 {
		return true
	}
	for _, id := range b.cfg.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

func (b *Bot) say(channelID, text string) {
	if _, err := b.msg.ChannelMessageSend(channelID, text); err != nil {
		logging.Warnw("discord: send message failed", "channel.id", channelID, "err", err)
	}
}

func (b *Bot) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	b.handleMessage(m.Message)
}

func (b *Bot) handleMessage(m *discordgo.Message) {
	if m.Author == nil || m.Author.Bot || !b.allowed(m.Author.ID) {
		return
	}
	if b.resolver != nil {
		b.resolver.Remember(m.GuildID, m.Member, m.Author)
	}
	if cmd, ok := parseCommand(b.cfg.CommandPrefix, m.Content); ok {
		b.handleCommand(m, cmd)
		return
	}
	if b.cfg.ChatChannelID == "" || m.ChannelID != b.cfg.ChatChannelID {
		return
	}
	_, _, connected := b.voiceChannel()
	ref := m.Reference()
	channelID := m.ChannelID
	b.dlg.HandleText(b.ctx, b.speaker(m.GuildID, m.Author.ID), m.Content, dialogue.TextOptions{
		Source: dialogue.SourceText,
		Voice:  connected,
		Reply: func(t dialogue.Turn) {
			if _, err := b.msg.ChannelMessageSendReply(channelID, t.Reply, ref); err != nil {
				logging.Warnw("discord: reply failed", "channel.id", channelID, "turn.id", t.ID, "err", err)
			}
		},
	})
}

func (b *Bot) handleCommand(m *discordgo.Message, cmd command) {
	logging.Infow("discord: command", "command", cmd.name, "user_id", m.Author.ID)
	switch cmd.name {
	case "join":
		if err := b.joinAuthor(m); err != nil {
			b.sayJoinError(m.ChannelID, err)
			return
		}
		b.say(m.ChannelID, "Connected.")
	case "leave":
		if _, _, ok := b.voiceChannel(); !ok {
			return
		}
		b.Leave()
		b.say(m.ChannelID, "Disconnected.")
	case "speak", "speak_test":
		text := cmd.arg
		if text == "" {
			text = defaultSpeakTest
		}
		if _, _, ok := b.voiceChannel(); !ok {
			if err := b.joinAuthor(m); err != nil {
				b.sayJoinError(m.ChannelID, err)
				return
			}
		}
		b.say(m.ChannelID, "Testing TTS with: "+text)
		b.dlg.HandleText(b.ctx, b.speaker(m.GuildID, m.Author.ID), text, dialogue.TextOptions{
			Source:   dialogue.SourceText,
			Verbatim: true,
			Voice:    true,
		})
	case "stop":
		b.player.Stop()
	case "reset":
		b.history.ResetHistory(m.Author.ID)
		b.say(m.ChannelID, "History cleared.")
	}
}

func (b *Bot) sayJoinError(channelID string, err error) {
	if errors.Is(err, errAuthorNotInVoice) {
		b.say(channelID, "You are not in a voice channel.")
		return
	}
	logging.Warnw("discord: join failed", "err", err)
	b.say(channelID, "Could not join the voice channel.")
}

// joinAuthor joins the voice channel the message author is sitting in.
func (b *Bot) joinAuthor(m *discordgo.Message) error {
	if b.session == nil || b.session.State == nil {
		return ErrNotConnected
	}
	vs, err := b.session.State.VoiceState(m.GuildID, m.Author.ID)
	if err != nil || vs == nil || vs.ChannelID == "" {
		return errAuthorNotInVoice
	}
	return b.Join(m.GuildID, vs.ChannelID)
}

func (b *Bot) onVoiceStateUpdate(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	_, channelID, ok := b.voiceChannel()
	if !ok || vs.UserID == "" || vs.ChannelID == channelID {
		return
	}
	if vs.BeforeUpdate != nil && vs.BeforeUpdate.ChannelID == channelID {
		logging.Debugw("discord: user left voice channel", "user_id", vs.UserID)
		b.receiver.ForgetUser(vs.UserID)
	}
}

// Speak implements mcp.Backend.
func (b *Bot) Speak(ctx context.Context, text string) (string, error) {
	if _, _, ok := b.voiceChannel(); !ok {
		return "", ErrNotConnected
	}
	// the turn outlives the tool call, so it runs under the bot's context
	return b.dlg.HandleText(b.ctx, dialogue.Speaker{ID: "mcp", Name: "MCP"}, text, dialogue.TextOptions{
		Source:   dialogue.SourceMCP,
		Verbatim: true,
		Voice:    true,
	}), nil
}

func (b *Bot) StopPlayback() { b.player.Stop() }

func (b *Bot) ResetHistory(speakerID string) { b.history.ResetHistory(speakerID) }

func (b *Bot) Status() mcp.Status {
	guildID, channelID, ok := b.voiceChannel()
	return mcp.Status{
		Connected: ok,
		GuildID:   guildID,
		ChannelID: channelID,
		Speakers:  b.registry.Len(),
		Playing:   b.player.Active() != nil,
		Observers: b.observers(),
	}
}
