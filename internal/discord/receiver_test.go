package discord

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/discord-voice-companion/internal/metrics"
	"github.com/discord-voice-companion/internal/voice"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeDecoder turns packet {1} into a loud 20ms stereo frame and anything
// else into silence.
type fakeDecoder struct{ err error }

func (d fakeDecoder) Decode(packet []byte) ([]byte, error) {
	if d.err != nil {
		return nil, d.err
	}
	var amp int16
	if len(packet) > 0 && packet[0] == 1 {
		amp = 3000
	}
	out := make([]byte, 960*2*2)
	for i := 0; i < len(out); i += 2 {
		binary.LittleEndian.PutUint16(out[i:], uint16(amp))
	}
	return out, nil
}

type utteranceLog struct {
	mu   sync.Mutex
	seen []voice.Flushed
}

func (l *utteranceLog) add(speaker string, u *voice.Utterance) {
	l.mu.Lock()
	l.seen = append(l.seen, voice.Flushed{Speaker: speaker, Utterance: u})
	l.mu.Unlock()
}

func (l *utteranceLog) all() []voice.Flushed {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]voice.Flushed(nil), l.seen...)
}

func newTestReceiver(clock *fakeClock, log *utteranceLog, m *metrics.Metrics, dec Decoder) (*Receiver, *voice.Registry) {
	reg := voice.NewRegistry(voice.DefaultSegmenterConfig(), "bot", clock.Now)
	r := NewReceiver(ReceiverConfig{
		Registry:    reg,
		OnUtterance: log.add,
		NewDecoder:  func() (Decoder, error) { return dec, nil },
		Metrics:     m,
		QueueSize:   4,
	})
	return r, reg
}

func feed(r *Receiver, clock *fakeClock, ssrc uint32, loud bool, n int) {
	b := byte(0)
	if loud {
		b = 1
	}
	for i := 0; i < n; i++ {
		r.handle(opusPacket{ssrc: ssrc, data: []byte{b}})
		clock.Advance(20 * time.Millisecond)
	}
}

func TestReceiverFlushesOnFrameGap(t *testing.T) {
	clock := newFakeClock()
	log := &utteranceLog{}
	m := metrics.NewMetrics()
	r, reg := newTestReceiver(clock, log, m, fakeDecoder{})

	r.HandleSpeakingUpdate(nil, &discordgo.VoiceSpeakingUpdate{SSRC: 7, UserID: "alice", Speaking: true})
	feed(r, clock, 7, true, 60)
	if len(log.all()) != 0 {
		t.Fatalf("no utterance expected while speaking")
	}

	clock.Advance(1500 * time.Millisecond)
	r.sweep()
	got := log.all()
	if len(got) != 1 || got[0].Speaker != "alice" {
		t.Fatalf("expected one utterance for alice, got %+v", got)
	}
	if d := got[0].Utterance.Duration; d < time.Second || d > 1300*time.Millisecond {
		t.Fatalf("unexpected utterance duration %v", d)
	}
	if reg.Len() != 1 {
		t.Fatalf("expected one speaker buffer, got %d", reg.Len())
	}
	if v := testutil.ToFloat64(m.UtterancesEmitted); v != 1 {
		t.Fatalf("utterances metric = %v", v)
	}
	if v := testutil.ToFloat64(m.ActiveSpeakers); v != 1 {
		t.Fatalf("active speakers metric = %v", v)
	}
}

func TestReceiverIgnoresUnmappedAndSelf(t *testing.T) {
	clock := newFakeClock()
	log := &utteranceLog{}
	created := 0
	reg := voice.NewRegistry(voice.DefaultSegmenterConfig(), "bot", clock.Now)
	r := NewReceiver(ReceiverConfig{
		Registry:    reg,
		OnUtterance: log.add,
		NewDecoder: func() (Decoder, error) {
			created++
			return fakeDecoder{}, nil
		},
	})

	feed(r, clock, 9, true, 10)
	if created != 0 || reg.Len() != 0 {
		t.Fatalf("unmapped SSRC must not be decoded (decoders=%d buffers=%d)", created, reg.Len())
	}

	r.MapSSRC(3, "bot")
	feed(r, clock, 3, true, 80)
	clock.Advance(2 * time.Second)
	r.sweep()
	if reg.Len() != 0 || len(log.all()) != 0 {
		t.Fatalf("the bot's own voice must never be segmented")
	}
}

func TestReceiverAllowList(t *testing.T) {
	clock := newFakeClock()
	r, reg := newTestReceiver(clock, &utteranceLog{}, nil, fakeDecoder{})
	r.SetAllowedUsers([]string{"bob"})
	r.MapSSRC(1, "alice")
	r.MapSSRC(2, "bob")

	if r.Enqueue(1, []byte{1}) {
		t.Fatalf("alice is not on the allow list")
	}
	if !r.Enqueue(2, []byte{1}) {
		t.Fatalf("bob is allowed")
	}
	feed(r, clock, 1, true, 5)
	feed(r, clock, 2, true, 5)
	if _, ok := reg.Buffer("alice"); ok {
		t.Fatalf("alice must not get a buffer")
	}
	if _, ok := reg.Buffer("bob"); !ok {
		t.Fatalf("bob should have a buffer")
	}
}

func TestEnqueueDropsWhenQueueFull(t *testing.T) {
	m := metrics.NewMetrics()
	r, _ := newTestReceiver(newFakeClock(), &utteranceLog{}, m, fakeDecoder{})
	queued := 0
	for i := 0; i < 6; i++ {
		if r.Enqueue(1, []byte{1}) {
			queued++
		}
	}
	if queued != 4 {
		t.Fatalf("expected queue capacity 4, queued %d", queued)
	}
	if v := testutil.ToFloat64(m.PacketsDropped); v != 2 {
		t.Fatalf("dropped metric = %v", v)
	}
	if v := testutil.ToFloat64(m.PacketsReceived); v != 6 {
		t.Fatalf("received metric = %v", v)
	}
}

func TestDecodeErrorsAreCounted(t *testing.T) {
	m := metrics.NewMetrics()
	r, reg := newTestReceiver(newFakeClock(), &utteranceLog{}, m, fakeDecoder{err: errors.New("corrupt")})
	r.MapSSRC(1, "alice")
	r.handle(opusPacket{ssrc: 1, data: []byte{1}})
	if v := testutil.ToFloat64(m.DecodeErrors); v != 1 {
		t.Fatalf("decode errors = %v", v)
	}
	if reg.Len() != 0 {
		t.Fatalf("undecodable audio must not reach the registry")
	}
}

func TestForgetUser(t *testing.T) {
	clock := newFakeClock()
	r, reg := newTestReceiver(clock, &utteranceLog{}, nil, fakeDecoder{})
	r.MapSSRC(1, "alice")
	feed(r, clock, 1, true, 10)

	r.ForgetUser("alice")
	if id, _ := r.lookup(1); id != "" {
		t.Fatalf("SSRC mapping should be gone, got %q", id)
	}
	if b, _ := reg.Buffer("alice"); b.Len() != 0 {
		t.Fatalf("pending audio should be dropped")
	}
}

func TestPumpAndRun(t *testing.T) {
	clock := newFakeClock()
	log := &utteranceLog{}
	reg := voice.NewRegistry(voice.DefaultSegmenterConfig(), "bot", clock.Now)
	r := NewReceiver(ReceiverConfig{
		Registry:      reg,
		OnUtterance:   log.add,
		NewDecoder:    func() (Decoder, error) { return fakeDecoder{}, nil },
		QueueSize:     8,
		SweepInterval: time.Millisecond,
	})
	r.MapSSRC(5, "carol")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	in := make(chan *discordgo.Packet, 2)
	in <- &discordgo.Packet{SSRC: 5, Opus: []byte{1}}
	in <- nil
	close(in)
	r.Pump(ctx, in)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if b, ok := reg.Buffer("carol"); ok && b.Len() > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("packet never reached the registry")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}
