package voice

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/discord-voice-companion/internal/logging"
)

const bytesPerSample = 2

// SegmenterConfig holds the energy VAD thresholds and the duration policy
// used by every SpeakerBuffer. The defaults were tuned by ear against
// discord voice and are expected to be overridden per deployment.
type SegmenterConfig struct {
	SampleRate       int           `yaml:"sample_rate"`
	Channels         int           `yaml:"channels"`
	SilenceThreshold float64       `yaml:"silence_threshold"`
	SilenceDuration  time.Duration `yaml:"silence_duration"`
	MinDuration      time.Duration `yaml:"min_duration"`
	MaxDuration      time.Duration `yaml:"max_duration"`
	IdleReclaim      time.Duration `yaml:"idle_reclaim"`
	PreRoll          time.Duration `yaml:"pre_roll"`
}

// DefaultSegmenterConfig matches discord's 48kHz stereo receive format.
func DefaultSegmenterConfig() SegmenterConfig {
	return SegmenterConfig{
		SampleRate:       48000,
		Channels:         2,
		SilenceThreshold: 500,
		SilenceDuration:  time.Second,
		MinDuration:      time.Second,
		MaxDuration:      20 * time.Second,
		IdleReclaim:      5 * time.Second,
	}
}

func (c SegmenterConfig) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("channels must be positive, got %d", c.Channels)
	}
	if c.SilenceThreshold < 0 {
		return fmt.Errorf("silence_threshold must not be negative, got %v", c.SilenceThreshold)
	}
	if c.SilenceDuration <= 0 {
		return fmt.Errorf("silence_duration must be positive, got %v", c.SilenceDuration)
	}
	if c.MinDuration < 0 || c.MaxDuration <= 0 {
		return fmt.Errorf("invalid duration bounds min=%v max=%v", c.MinDuration, c.MaxDuration)
	}
	if c.MinDuration >= c.MaxDuration {
		return fmt.Errorf("min_duration (%v) must be below max_duration (%v)", c.MinDuration, c.MaxDuration)
	}
	if c.IdleReclaim <= 0 {
		return fmt.Errorf("idle_reclaim must be positive, got %v", c.IdleReclaim)
	}
	if c.PreRoll < 0 {
		return fmt.Errorf("pre_roll must not be negative, got %v", c.PreRoll)
	}
	return nil
}

func (c SegmenterConfig) blockAlign() int { return c.Channels * bytesPerSample }

func (c SegmenterConfig) bytesPerSecond() int { return c.SampleRate * c.blockAlign() }

// bytesFor converts a duration into a frame-aligned byte count.
func (c SegmenterConfig) bytesFor(d time.Duration) int {
	frames := int64(d) * int64(c.SampleRate) / int64(time.Second)
	return int(frames) * c.blockAlign()
}

func (c SegmenterConfig) durationOf(n int) time.Duration {
	bps := c.bytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// SpeakerBuffer accumulates interleaved 16-bit PCM for one speaker and cuts
// it into utterances using an RMS energy detector. The buffer lives for the
// whole session; flushing clears it but never destroys it.
type SpeakerBuffer struct {
	mu      sync.Mutex
	speaker string
	cfg     SegmenterConfig
	now     func() time.Time

	pcm          []byte
	speaking     bool
	silenceSince time.Time
	lastFrameAt  time.Time
	startedAt    time.Time
	// byte offsets into pcm: where the current speech began and where the
	// trailing silence began (valid while silenceSince is set).
	speechStart int
	speechEnd   int
}

// NewSpeakerBuffer creates an empty buffer. A nil clock means time.Now.
func NewSpeakerBuffer(speaker string, cfg SegmenterConfig, now func() time.Time) *SpeakerBuffer {
	if now == nil {
		now = time.Now
	}
	return &SpeakerBuffer{speaker: speaker, cfg: cfg, now: now}
}

func (b *SpeakerBuffer) Speaker() string { return b.speaker }

// Len returns the number of accumulated bytes.
func (b *SpeakerBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pcm)
}

// Duration returns the accumulated audio duration.
func (b *SpeakerBuffer) Duration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.durationOf(len(b.pcm))
}

func (b *SpeakerBuffer) Speaking() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.speaking
}

// Append adds one frame and returns an utterance when the frame completes
// one. Frames whose length is not a whole number of sample frames are
// treated as silence and only their aligned prefix is kept.
func (b *SpeakerBuffer) Append(frame []byte) *Utterance {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	align := b.cfg.blockAlign()
	data := frame[:len(frame)-len(frame)%align]
	malformed := len(data) != len(frame)
	maxBytes := b.cfg.bytesFor(b.cfg.MaxDuration)

	var out *Utterance
	if len(b.pcm)+len(data) > maxBytes {
		out = b.forceFlush(now)
		if len(data) > maxBytes {
			data = data[:maxBytes]
		}
	}

	if len(b.pcm) == 0 {
		b.startedAt = now
	}
	offset := len(b.pcm)
	b.pcm = append(b.pcm, data...)
	b.lastFrameAt = now

	energy := 0.0
	if !malformed {
		energy = RMS(data)
	} else {
		logging.Debugw("segmenter: malformed frame treated as silence", "speaker.id", b.speaker, "bytes", len(frame))
	}

	if energy > b.cfg.SilenceThreshold {
		if !b.speaking {
			b.speaking = true
			b.speechStart = offset
		}
		b.silenceSince = time.Time{}
	} else if b.speaking && b.silenceSince.IsZero() {
		b.silenceSince = now
		b.speechEnd = offset
	}

	if out != nil {
		return out
	}
	return b.evaluate(now)
}

// Tick evaluates the flush policy without new audio. The gateway stops
// delivering packets while a user is silent, so a gap longer than the
// silence duration counts as silence that started at the last frame.
func (b *SpeakerBuffer) Tick(now time.Time) *Utterance {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pcm) == 0 {
		return nil
	}
	if b.speaking && b.silenceSince.IsZero() && now.Sub(b.lastFrameAt) > b.cfg.SilenceDuration {
		b.silenceSince = b.lastFrameAt
		b.speechEnd = len(b.pcm)
	}
	return b.evaluate(now)
}

// Reset drops any accumulated audio.
func (b *SpeakerBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reset()
}

func (b *SpeakerBuffer) evaluate(now time.Time) *Utterance {
	if len(b.pcm) >= b.cfg.bytesFor(b.cfg.MaxDuration) {
		return b.forceFlush(now)
	}
	if !b.speaking {
		if len(b.pcm) > 0 && now.Sub(b.startedAt) > b.cfg.IdleReclaim {
			logging.Debugw("segmenter: reclaimed idle buffer", "speaker.id", b.speaker, "bytes", len(b.pcm))
			b.reset()
		}
		return nil
	}
	if !b.silenceSince.IsZero() && now.Sub(b.silenceSince) > b.cfg.SilenceDuration {
		return b.cut(b.speechEnd, now, "end_of_speech")
	}
	return nil
}

// forceFlush is the max-duration guard. Audio that never crossed the
// energy threshold is dropped rather than sent for transcription.
func (b *SpeakerBuffer) forceFlush(now time.Time) *Utterance {
	if !b.speaking {
		b.reset()
		return nil
	}
	end := len(b.pcm)
	if !b.silenceSince.IsZero() {
		end = b.speechEnd
	}
	return b.cut(end, now, "max_duration")
}

func (b *SpeakerBuffer) cut(end int, now time.Time, reason string) *Utterance {
	defer b.reset()
	span := end - b.speechStart
	if span < b.cfg.bytesFor(b.cfg.MinDuration) {
		logging.Debugw("segmenter: discarded short burst", "speaker.id", b.speaker, "reason", reason, "duration_ms", b.cfg.durationOf(span).Milliseconds())
		return nil
	}
	start := b.speechStart - b.cfg.bytesFor(b.cfg.PreRoll)
	if start < 0 {
		start = 0
	}
	u := newUtterance(b.speaker, Downmix(b.pcm[start:end], b.cfg.Channels), b.cfg.SampleRate, now)
	logging.Debugw("segmenter: utterance flushed", append(logging.UtteranceFields(u.ID, u.Samples(), u.Duration.Milliseconds()), "speaker.id", b.speaker, "reason", reason)...)
	return u
}

func (b *SpeakerBuffer) reset() {
	b.pcm = b.pcm[:0]
	b.speaking = false
	b.silenceSince = time.Time{}
	b.startedAt = time.Time{}
	b.speechStart = 0
	b.speechEnd = 0
}

// RMS returns the root-mean-square of little-endian 16-bit samples across
// all channels. Empty or odd-length input yields zero.
func RMS(pcm []byte) float64 {
	n := len(pcm) / bytesPerSample
	if n == 0 || len(pcm)%bytesPerSample != 0 {
		return 0
	}
	var sumSq float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sumSq += v * v
	}
	return math.Sqrt(sumSq / float64(n))
}

// Downmix averages interleaved channels into a single little-endian 16-bit
// channel.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		out := make([]byte, len(pcm))
		copy(out, pcm)
		return out
	}
	align := channels * bytesPerSample
	frames := len(pcm) / align
	out := make([]byte, frames*bytesPerSample)
	for f := 0; f < frames; f++ {
		var sum int
		base := f * align
		for ch := 0; ch < channels; ch++ {
			sum += int(int16(binary.LittleEndian.Uint16(pcm[base+ch*bytesPerSample:])))
		}
		binary.LittleEndian.PutUint16(out[f*bytesPerSample:], uint16(int16(sum/channels)))
	}
	return out
}
