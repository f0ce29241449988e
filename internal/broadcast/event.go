package broadcast

import (
	"time"

	"github.com/discord-voice-companion/internal/logging"
)

// Event kinds published by the dialogue pipeline.
const (
	KindTranscript       = "transcript"
	KindSpeaking         = "speaking"
	KindPlaybackStarted  = "playback_started"
	KindPlaybackFinished = "playback_finished"
)

// Playback outcomes carried by KindPlaybackFinished.
const (
	OutcomeCompleted   = "completed"
	OutcomeInterrupted = "interrupted"
	OutcomeError       = "error"
)

// Event is the JSON payload pushed to UI observers.
type Event struct {
	Type      string    `json:"type"`
	Text      string    `json:"text,omitempty"`
	Source    string    `json:"source,omitempty"`
	SpeakerID string    `json:"speaker_id,omitempty"`
	Speaker   string    `json:"speaker,omitempty"`
	TurnID    string    `json:"turn_id,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	Time      time.Time `json:"ts"`
}

// Publisher is fire-and-forget: implementations must not block the caller
// and must swallow their own failures.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(e Event) { f(e) }

// Fanout delivers each event to every publisher. A panicking publisher is
// logged and skipped.
type Fanout []Publisher

func (f Fanout) Publish(e Event) {
	for _, p := range f {
		if p == nil {
			continue
		}
		publishSafe(p, e)
	}
}

func publishSafe(p Publisher, e Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Warnw("broadcast: publisher panicked", "type", e.Type, "panic", r)
		}
	}()
	p.Publish(e)
}

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(Event) {})
