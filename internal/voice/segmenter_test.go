package voice

import (
	"encoding/binary"
	"math/rand"
	"testing"
	"time"
)

const frameDur = 20 * time.Millisecond

type fakeClock struct{ t time.Time }

func newFakeClock() *fakeClock { return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)} }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// stereoFrame returns 20ms of 48kHz stereo PCM alternating between +amp
// and -amp, which has an RMS of exactly amp.
func stereoFrame(amp int16) []byte {
	const frames = 960
	out := make([]byte, frames*2*bytesPerSample)
	for i := 0; i < frames*2; i++ {
		v := amp
		if (i/2)%2 == 1 {
			v = -amp
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// feed appends n frames of the given amplitude, advancing the clock by one
// frame after each, and returns every emitted utterance.
func feed(b *SpeakerBuffer, clk *fakeClock, n int, amp int16) []*Utterance {
	var out []*Utterance
	f := stereoFrame(amp)
	for i := 0; i < n; i++ {
		if u := b.Append(f); u != nil {
			out = append(out, u)
		}
		clk.Advance(frameDur)
	}
	return out
}

func TestSpeechThenSilenceEmitsOneUtterance(t *testing.T) {
	clk := newFakeClock()
	b := NewSpeakerBuffer("alice", DefaultSegmenterConfig(), clk.Now)

	// 96000 sample frames of speech, then 57600 of silence.
	got := feed(b, clk, 100, 3000)
	if len(got) != 0 {
		t.Fatalf("unexpected utterance during speech: %d", len(got))
	}
	got = feed(b, clk, 60, 0)
	if len(got) != 1 {
		t.Fatalf("expected exactly one utterance, got %d", len(got))
	}
	u := got[0]
	if u.Duration != 2*time.Second {
		t.Fatalf("expected 2s utterance, got %v", u.Duration)
	}
	if u.Samples() != 96000 {
		t.Fatalf("expected 96000 mono samples, got %d", u.Samples())
	}
	if u.Speaker != "alice" || u.SampleRate != 48000 || u.ID == "" {
		t.Fatalf("unexpected utterance metadata: %+v", u)
	}
}

func TestShortBurstIsDiscarded(t *testing.T) {
	clk := newFakeClock()
	b := NewSpeakerBuffer("bob", DefaultSegmenterConfig(), clk.Now)

	if got := feed(b, clk, 25, 3000); len(got) != 0 {
		t.Fatalf("unexpected utterance: %d", len(got))
	}
	// silence starts at 0.5s; the discard happens on the first frame more
	// than one second later (t=1.52s), which is the 52nd silent frame.
	if got := feed(b, clk, 52, 0); len(got) != 0 {
		t.Fatalf("short burst must not emit, got %d", len(got))
	}
	if b.Len() != 0 || b.Speaking() {
		t.Fatalf("expected cleared buffer, len=%d speaking=%v", b.Len(), b.Speaking())
	}
}

func TestIdleSilenceNeverEmits(t *testing.T) {
	clk := newFakeClock()
	cfg := DefaultSegmenterConfig()
	b := NewSpeakerBuffer("carol", cfg, clk.Now)

	limit := cfg.bytesFor(cfg.IdleReclaim) + len(stereoFrame(0))
	f := stereoFrame(0)
	for i := 0; i < 1500; i++ { // 30s, longer than the max duration
		if u := b.Append(f); u != nil {
			t.Fatalf("silence produced an utterance at frame %d", i)
		}
		if b.Len() > limit {
			t.Fatalf("idle buffer grew past reclaim window: %d bytes", b.Len())
		}
		clk.Advance(frameDur)
	}
}

func TestMaxDurationForcesFlush(t *testing.T) {
	clk := newFakeClock()
	cfg := DefaultSegmenterConfig()
	b := NewSpeakerBuffer("dave", cfg, clk.Now)

	got := feed(b, clk, 1250, 3000) // 25s of uninterrupted speech
	if len(got) != 1 {
		t.Fatalf("expected one forced flush, got %d", len(got))
	}
	if got[0].Duration != cfg.MaxDuration {
		t.Fatalf("expected %v utterance, got %v", cfg.MaxDuration, got[0].Duration)
	}
	if b.Duration() > cfg.MaxDuration {
		t.Fatalf("accumulator exceeded max duration: %v", b.Duration())
	}
}

func TestMalformedFrameTreatedAsSilence(t *testing.T) {
	clk := newFakeClock()
	b := NewSpeakerBuffer("erin", DefaultSegmenterConfig(), clk.Now)

	feed(b, clk, 10, 3000)
	before := b.Len()
	odd := append(stereoFrame(3000), 0x7f)
	if u := b.Append(odd); u != nil {
		t.Fatalf("malformed frame must not flush")
	}
	if got := b.Len() - before; got != len(odd)-1 {
		t.Fatalf("expected aligned prefix (%d bytes) appended, got %d", len(odd)-1, got)
	}
	if b.Append(nil) != nil {
		t.Fatalf("empty frame must not flush")
	}
}

func TestTickClosesUtteranceAfterFrameGap(t *testing.T) {
	clk := newFakeClock()
	b := NewSpeakerBuffer("frank", DefaultSegmenterConfig(), clk.Now)

	feed(b, clk, 75, 3000) // 1.5s, then the client stops sending
	if u := b.Tick(clk.Now().Add(500 * time.Millisecond)); u != nil {
		t.Fatalf("gap shorter than silence duration must not flush")
	}
	u := b.Tick(clk.Now().Add(1100 * time.Millisecond))
	if u == nil {
		t.Fatalf("expected utterance after frame gap")
	}
	if u.Duration != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s, got %v", u.Duration)
	}
	if b.Len() != 0 {
		t.Fatalf("expected buffer cleared after flush")
	}
}

func TestPauseShorterThanSilenceDurationKeepsUtteranceOpen(t *testing.T) {
	clk := newFakeClock()
	b := NewSpeakerBuffer("gina", DefaultSegmenterConfig(), clk.Now)

	feed(b, clk, 50, 3000)
	feed(b, clk, 40, 0) // 0.8s pause
	feed(b, clk, 50, 3000)
	got := feed(b, clk, 60, 0)
	if len(got) != 1 {
		t.Fatalf("expected one utterance spanning the pause, got %d", len(got))
	}
	if got[0].Duration != 2800*time.Millisecond {
		t.Fatalf("expected 2.8s, got %v", got[0].Duration)
	}
}

func TestEmittedDurationsStayWithinBounds(t *testing.T) {
	cfg := DefaultSegmenterConfig()
	rng := rand.New(rand.NewSource(7))
	for run := 0; run < 20; run++ {
		clk := newFakeClock()
		b := NewSpeakerBuffer("prop", cfg, clk.Now)
		for i := 0; i < 3000; i++ {
			amp := int16(0)
			if rng.Intn(3) > 0 {
				amp = int16(rng.Intn(4000))
			}
			if u := b.Append(stereoFrame(amp)); u != nil {
				if u.Duration < cfg.MinDuration || u.Duration > cfg.MaxDuration {
					t.Fatalf("run %d: utterance duration %v out of bounds", run, u.Duration)
				}
			}
			clk.Advance(time.Duration(rng.Intn(40)) * time.Millisecond)
			if b.Duration() > cfg.MaxDuration {
				t.Fatalf("run %d: accumulator exceeded max: %v", run, b.Duration())
			}
		}
	}
}

func TestRMSAndDownmix(t *testing.T) {
	if got := RMS(stereoFrame(1234)); got != 1234 {
		t.Fatalf("expected rms 1234, got %v", got)
	}
	if RMS([]byte{1, 2, 3}) != 0 {
		t.Fatalf("odd-length input must yield zero energy")
	}

	stereo := make([]byte, 8)
	binary.LittleEndian.PutUint16(stereo[0:], uint16(100))
	binary.LittleEndian.PutUint16(stereo[2:], uint16(300))
	neg1, neg2 := int16(-100), int16(-301)
	binary.LittleEndian.PutUint16(stereo[4:], uint16(neg1))
	binary.LittleEndian.PutUint16(stereo[6:], uint16(neg2))
	mono := Downmix(stereo, 2)
	if len(mono) != 4 {
		t.Fatalf("expected 2 mono samples, got %d bytes", len(mono))
	}
	if v := int16(binary.LittleEndian.Uint16(mono[0:])); v != 200 {
		t.Fatalf("expected 200, got %d", v)
	}
	if v := int16(binary.LittleEndian.Uint16(mono[2:])); v != -200 {
		t.Fatalf("expected -200, got %d", v)
	}
}

func TestSegmenterConfigValidate(t *testing.T) {
	if err := DefaultSegmenterConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	cfg := DefaultSegmenterConfig()
	cfg.MinDuration = cfg.MaxDuration
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error when min >= max")
	}
	cfg = DefaultSegmenterConfig()
	cfg.Channels = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for zero channels")
	}
}
