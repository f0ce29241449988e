package discord

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/discord-voice-companion/internal/logging"
	"github.com/discord-voice-companion/internal/metrics"
	"github.com/discord-voice-companion/internal/voice"
)

type opusPacket struct {
	ssrc uint32
	data []byte
}

type ReceiverConfig struct {
	Registry *voice.Registry
	// OnUtterance is called from the receive goroutine; it must not block.
	OnUtterance func(speakerID string, u *voice.Utterance)
	// NewDecoder builds one decoder per SSRC; defaults to NewOpusDecoder.
	NewDecoder func() (Decoder, error)
	Metrics    *metrics.Metrics
	QueueSize  int
	// SweepInterval is how often silent buffers are checked for a frame gap.
	SweepInterval time.Duration
}

// Receiver decodes the voice connection's opus stream, attributes it to
// users through speaking updates and feeds the speaker registry.
type Receiver struct {
	registry    *voice.Registry
	onUtterance func(string, *voice.Utterance)
	newDecoder  func() (Decoder, error)
	metrics     *metrics.Metrics
	sweepEvery  time.Duration

	queue chan opusPacket

	mu        sync.Mutex
	ssrcUsers map[uint32]string
	allowlist map[string]struct{}

	// only touched by Run
	decoders map[uint32]Decoder
}

func NewReceiver(cfg ReceiverConfig) *Receiver {
	if cfg.NewDecoder == nil {
		cfg.NewDecoder = NewOpusDecoder
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 100 * time.Millisecond
	}
	return &Receiver{
		registry:    cfg.Registry,
		onUtterance: cfg.OnUtterance,
		newDecoder:  cfg.NewDecoder,
		metrics:     cfg.Metrics,
		sweepEvery:  cfg.SweepInterval,
		queue:       make(chan opusPacket, cfg.QueueSize),
		ssrcUsers:   make(map[uint32]string),
		allowlist:   make(map[string]struct{}),
		decoders:    make(map[uint32]Decoder),
	}
}

// SetAllowedUsers restricts ingestion to ids. An empty list admits everyone.
func (r *Receiver) SetAllowedUsers(ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allowlist = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			r.allowlist[id] = struct{}{}
		}
	}
	logging.Infow("receiver: allowed users set", "count", len(r.allowlist))
}

// MapSSRC records which user an SSRC belongs to.
func (r *Receiver) MapSSRC(ssrc uint32, userID string) {
	if userID == "" {
		return
	}
	r.mu.Lock()
	prev := r.ssrcUsers[ssrc]
	r.ssrcUsers[ssrc] = userID
	r.mu.Unlock()
	if prev != userID {
		logging.Infow("receiver: mapped SSRC to user", "ssrc", ssrc, "user_id", userID)
	}
}

// HandleSpeakingUpdate fits VoiceConnection.AddHandler.
func (r *Receiver) HandleSpeakingUpdate(_ *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
	r.MapSSRC(uint32(su.SSRC), su.UserID)
}

// ForgetUser drops a user's SSRC mappings and pending audio, e.g. when they
// leave the channel.
func (r *Receiver) ForgetUser(userID string) {
	r.mu.Lock()
	for ssrc, id := range r.ssrcUsers {
		if id == userID {
			delete(r.ssrcUsers, ssrc)
		}
	}
	r.mu.Unlock()
	r.registry.Reset(userID)
}

func (r *Receiver) lookup(ssrc uint32) (userID string, allowed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	userID = r.ssrcUsers[ssrc]
	if len(r.allowlist) == 0 || userID == "" {
		return userID, true
	}
	_, allowed = r.allowlist[userID]
	return userID, allowed
}

// Enqueue hands a packet to the decode loop without blocking. It reports
// whether the packet was queued.
func (r *Receiver) Enqueue(ssrc uint32, data []byte) bool {
	if _, allowed := r.lookup(ssrc); !allowed {
		return false
	}
	select {
	case r.queue <- opusPacket{ssrc: ssrc, data: append([]byte(nil), data...)}:
		r.metrics.RecordPacket(true)
		return true
	default:
		r.metrics.RecordPacket(false)
		logging.Warnw("receiver: dropping opus packet; queue full", "ssrc", ssrc)
		return false
	}
}

// Pump copies packets from a voice connection's OpusRecv channel until it
// closes or ctx ends.
func (r *Receiver) Pump(ctx context.Context, in <-chan *discordgo.Packet) {
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-in:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}
			r.Enqueue(pkt.SSRC, pkt.Opus)
		}
	}
}

// Run decodes queued packets and sweeps buffers for frame gaps until ctx
// ends.
func (r *Receiver) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case pkt := <-r.queue:
			r.handle(pkt)
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Receiver) handle(pkt opusPacket) {
	userID, allowed := r.lookup(pkt.ssrc)
	if userID == "" {
		logging.Debugw("receiver: packet from unmapped SSRC", "ssrc", pkt.ssrc)
		return
	}
	if !allowed {
		return
	}
	dec, ok := r.decoders[pkt.ssrc]
	if !ok {
		var err error
		if dec, err = r.newDecoder(); err != nil {
			r.metrics.RecordDecodeError()
			logging.Errorw("receiver: create decoder", "ssrc", pkt.ssrc, "err", err)
			return
		}
		r.decoders[pkt.ssrc] = dec
	}
	pcm, err := dec.Decode(pkt.data)
	if err != nil {
		r.metrics.RecordDecodeError()
		logging.Debugw("receiver: opus decode error", "ssrc", pkt.ssrc, "err", err)
		return
	}
	if speaker, u := r.registry.Route(userID, pcm); u != nil {
		r.emit(speaker, u)
	}
}

func (r *Receiver) sweep() {
	for _, f := range r.registry.Sweep() {
		r.emit(f.Speaker, f.Utterance)
	}
	r.metrics.SetActiveSpeakers(r.registry.Len())
}

func (r *Receiver) emit(speakerID string, u *voice.Utterance) {
	r.metrics.RecordUtterance(u.Duration.Seconds())
	if r.onUtterance != nil {
		r.onUtterance(speakerID, u)
	}
}
