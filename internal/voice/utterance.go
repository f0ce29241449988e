package voice

import (
	"time"

	"github.com/google/uuid"
)

// Utterance is one segmented unit of speech, already down-mixed to mono.
type Utterance struct {
	ID         string
	Speaker    string
	PCM        []byte // mono 16-bit little-endian
	SampleRate int
	Duration   time.Duration
	CreatedAt  time.Time
}

func newUtterance(speaker string, mono []byte, sampleRate int, now time.Time) *Utterance {
	u := &Utterance{
		ID:         uuid.NewString(),
		Speaker:    speaker,
		PCM:        mono,
		SampleRate: sampleRate,
		CreatedAt:  now,
	}
	if sampleRate > 0 {
		u.Duration = time.Duration(int64(u.Samples()) * int64(time.Second) / int64(sampleRate))
	}
	return u
}

// Samples returns the number of mono samples in the payload.
func (u *Utterance) Samples() int { return len(u.PCM) / bytesPerSample }

// WAV returns the payload wrapped in a RIFF/WAVE container.
func (u *Utterance) WAV() []byte { return BuildWAV(u.PCM, u.SampleRate, 1, 16) }
