package dialogue

import (
	"fmt"
	"time"
)

// State is a step of a turn. Done and Failed are terminal.
type State int

const (
	Received State = iota
	Transcribing
	Transcribed
	Generating
	Generated
	Synthesizing
	Synthesized
	Playing
	Done
	Failed
)

var stateNames = [...]string{
	Received:     "received",
	Transcribing: "transcribing",
	Transcribed:  "transcribed",
	Generating:   "generating",
	Generated:    "generated",
	Synthesizing: "synthesizing",
	Synthesized:  "synthesized",
	Playing:      "playing",
	Done:         "done",
	Failed:       "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) Terminal() bool { return s == Done || s == Failed }

// Stage names the step a failed turn died in.
type Stage string

const (
	StageTranscription Stage = "transcription"
	StageSynthesis     Stage = "synthesis"
	StagePlayback      Stage = "playback"
	// StageAudio covers temp file writes on either side of the pipeline.
	StageAudio Stage = "audio"
)

// Source tags where a turn's input came from.
type Source string

const (
	SourceVoice Source = "voice_chat"
	SourceText  Source = "text_chat"
	SourceMCP   Source = "mcp"
)

// Speaker identifies the person a turn answers.
type Speaker struct {
	ID   string
	Name string
}

func (s Speaker) Display() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// Turn is one cycle from input to spoken reply. Only the turn's own
// goroutine mutates it; hooks receive copies.
type Turn struct {
	ID      string
	Speaker Speaker
	Source  Source

	Transcript string
	Reply      string
	// Fallback is set when Reply is the canned text after a generation failure.
	Fallback    bool
	Interrupted bool

	State       State
	FailedStage Stage
	Err         error
	Trace       []State

	StartedAt time.Time
	EndedAt   time.Time
}

func (t *Turn) set(s State) {
	t.State = s
	t.Trace = append(t.Trace, s)
}

func (t *Turn) fail(stage Stage, err error) {
	t.FailedStage = stage
	t.Err = err
	t.set(Failed)
}

// Reached reports whether the turn passed through s.
func (t *Turn) Reached(s State) bool {
	for _, v := range t.Trace {
		if v == s {
			return true
		}
	}
	return false
}

func (t *Turn) snapshot() Turn {
	c := *t
	c.Trace = append([]State(nil), t.Trace...)
	return c
}
