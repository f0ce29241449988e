package dialogue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/discord-voice-companion/internal/broadcast"
	"github.com/discord-voice-companion/internal/logging"
	"github.com/discord-voice-companion/internal/playback"
	"github.com/discord-voice-companion/internal/voice"
	"github.com/google/uuid"
)

// ErrEmptyAudio marks a synthesis call that succeeded with no audio.
var ErrEmptyAudio = errors.New("synthesizer returned no audio")

// Transcriber turns a WAV file into text. An empty string means nothing
// intelligible was said.
type Transcriber interface {
	Transcribe(ctx context.Context, path, language string) (string, error)
}

// Generator produces a reply for one speaker's text.
type Generator interface {
	Generate(ctx context.Context, speakerID, text string) (string, error)
}

// Synthesizer turns reply text into WAV bytes.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Player is the playback side; *playback.Controller implements it.
type Player interface {
	Play(ctx context.Context, path string, onDone func(playback.Result)) (*playback.Session, error)
}

type Config struct {
	Language          string
	FallbackReply     string
	TempDir           string
	TranscribeTimeout time.Duration
	GenerateTimeout   time.Duration
	SynthesizeTimeout time.Duration
	WakePhrases       []string
	WakeWindow        int
}

// Deps are the orchestrator's collaborators. Publisher and the hooks are
// optional.
type Deps struct {
	Transcriber Transcriber
	Generator   Generator
	Synthesizer Synthesizer
	Player      Player
	Publisher   broadcast.Publisher
	Pool        *Pool

	// OnTurnEnd sees every turn once it is Done or Failed.
	OnTurnEnd func(Turn)
	// RemoveFile deletes temp audio; defaults to os.Remove.
	RemoveFile func(string) error
}

// TextOptions shape a text-initiated turn.
type TextOptions struct {
	Source Source
	// Verbatim speaks the text as-is instead of generating a reply.
	Verbatim bool
	// Voice requests synthesis and playback; without it the turn ends after
	// the reply is handed to Reply.
	Voice bool
	// Reply receives this turn once reply text exists.
	Reply func(Turn)
}

// Orchestrator runs one goroutine per turn. Collaborator calls go through
// the pool; playback is serialized by the Player.
type Orchestrator struct {
	cfg  Config
	deps Deps
	wake *WakeDetector

	wg sync.WaitGroup
}

func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Transcriber == nil || deps.Generator == nil || deps.Synthesizer == nil || deps.Player == nil {
		return nil, errors.New("dialogue: transcriber, generator, synthesizer and player are required")
	}
	if deps.Pool == nil {
		return nil, errors.New("dialogue: worker pool is required")
	}
	if strings.TrimSpace(cfg.FallbackReply) == "" {
		return nil, errors.New("dialogue: fallback reply must not be empty")
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("dialogue: create temp dir: %w", err)
	}
	if deps.Publisher == nil {
		deps.Publisher = broadcast.Discard
	}
	return &Orchestrator{
		cfg:  cfg,
		deps: deps,
		wake: NewWakeDetector(cfg.WakePhrases, cfg.WakeWindow),
	}, nil
}

// HandleUtterance starts a voice turn and returns its id immediately.
func (o *Orchestrator) HandleUtterance(ctx context.Context, speaker Speaker, u *voice.Utterance) string {
	t := o.newTurn(speaker, SourceVoice)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx := turnContext(ctx, t)
		defer o.finish(ctx, t)
		o.runVoice(ctx, t, u)
	}()
	return t.ID
}

// HandleText starts a turn from typed or injected text.
func (o *Orchestrator) HandleText(ctx context.Context, speaker Speaker, text string, opts TextOptions) string {
	if opts.Source == "" {
		opts.Source = SourceText
	}
	t := o.newTurn(speaker, opts.Source)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx := turnContext(ctx, t)
		defer o.finish(ctx, t)
		text = strings.TrimSpace(text)
		t.Transcript = text
		if text == "" {
			t.set(Done)
			return
		}
		o.respond(ctx, t, text, opts.Verbatim, opts.Voice, opts.Reply)
	}()
	return t.ID
}

// Wait blocks until every started turn has ended.
func (o *Orchestrator) Wait() { o.wg.Wait() }

func (o *Orchestrator) newTurn(speaker Speaker, src Source) *Turn {
	t := &Turn{
		ID:        uuid.NewString(),
		Speaker:   speaker,
		Source:    src,
		StartedAt: time.Now(),
	}
	t.set(Received)
	return t
}

// turnContext tags every log line of the turn with its identity.
func turnContext(ctx context.Context, t *Turn) context.Context {
	ctx = logging.WithFields(ctx, logging.TurnFields(t.ID, string(t.Source))...)
	return logging.WithFields(ctx, logging.SpeakerFields(t.Speaker.ID, t.Speaker.Name)...)
}

func (o *Orchestrator) finish(ctx context.Context, t *Turn) {
	if r := recover(); r != nil {
		t.fail(StageAudio, fmt.Errorf("turn panicked: %v", r))
		logging.ErrorwCtx(ctx, "dialogue: turn panicked", "panic", r)
	}
	if !t.State.Terminal() {
		t.set(Done)
	}
	t.EndedAt = time.Now()
	kv := []interface{}{"state", t.State.String(), "duration_ms", t.EndedAt.Sub(t.StartedAt).Milliseconds()}
	if t.State == Failed {
		logging.WarnwCtx(ctx, "dialogue: turn failed", append(kv, "stage", string(t.FailedStage), "err", t.Err)...)
	} else {
		logging.InfowCtx(ctx, "dialogue: turn done", append(kv, "interrupted", t.Interrupted, "fallback", t.Fallback)...)
	}
	if o.deps.OnTurnEnd != nil {
		o.deps.OnTurnEnd(t.snapshot())
	}
}

// call runs fn on the pool under its own deadline.
func (o *Orchestrator) call(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return o.deps.Pool.Do(ctx, fn)
}

func (o *Orchestrator) publish(t *Turn, kind, text, outcome string) {
	o.deps.Publisher.Publish(broadcast.Event{
		Type:      kind,
		Text:      text,
		Source:    string(t.Source),
		SpeakerID: t.Speaker.ID,
		Speaker:   t.Speaker.Display(),
		TurnID:    t.ID,
		Outcome:   outcome,
		Time:      time.Now().UTC(),
	})
}

func (o *Orchestrator) runVoice(ctx context.Context, t *Turn, u *voice.Utterance) {
	if u == nil || len(u.PCM) == 0 {
		t.set(Done)
		return
	}
	t.set(Transcribing)
	f, err := voice.WriteTempFile(o.cfg.TempDir, "utt", u.WAV(), o.deps.RemoveFile)
	if err != nil {
		t.fail(StageAudio, err)
		return
	}
	logging.DebugwCtx(ctx, "dialogue: transcribing", logging.UtteranceFields(u.ID, u.Samples(), u.Duration.Milliseconds())...)

	var text string
	err = o.call(ctx, o.cfg.TranscribeTimeout, func(ctx context.Context) error {
		var terr error
		text, terr = o.deps.Transcriber.Transcribe(ctx, f.Path, o.cfg.Language)
		return terr
	})
	// the recording is not needed past transcription, whatever the outcome
	_ = f.Release()
	if err != nil {
		t.fail(StageTranscription, err)
		return
	}
	text = strings.TrimSpace(text)
	t.Transcript = text
	t.set(Transcribed)
	if text == "" {
		logging.DebugwCtx(ctx, "dialogue: empty transcript, dropping turn")
		t.set(Done)
		return
	}
	logging.InfowCtx(ctx, "dialogue: transcript", "text", text)
	o.publish(t, broadcast.KindTranscript, text, "")

	matched, stripped := o.wake.Detect(text)
	if !matched {
		logging.DebugwCtx(ctx, "dialogue: no wake phrase, ignoring")
		t.set(Done)
		return
	}
	if strings.TrimSpace(stripped) == "" {
		t.set(Done)
		return
	}
	o.respond(ctx, t, stripped, false, true, nil)
}

// respond drives a turn from Transcribed (or injected text) to the end.
func (o *Orchestrator) respond(ctx context.Context, t *Turn, text string, verbatim, speak bool, onReply func(Turn)) {
	reply := text
	if !verbatim {
		t.set(Generating)
		var out string
		err := o.call(ctx, o.cfg.GenerateTimeout, func(ctx context.Context) error {
			var gerr error
			out, gerr = o.deps.Generator.Generate(ctx, t.Speaker.ID, text)
			return gerr
		})
		reply = strings.TrimSpace(out)
		if err != nil || reply == "" {
			if err == nil {
				err = errors.New("empty reply")
			}
			logging.WarnwCtx(ctx, "dialogue: generation failed, using fallback reply", "err", err)
			reply = o.cfg.FallbackReply
			t.Fallback = true
		}
	}
	t.Reply = reply
	t.set(Generated)
	if onReply != nil {
		onReply(t.snapshot())
	}
	if !speak {
		t.set(Done)
		return
	}

	o.publish(t, broadcast.KindSpeaking, reply, "")
	t.set(Synthesizing)
	var audio []byte
	err := o.call(ctx, o.cfg.SynthesizeTimeout, func(ctx context.Context) error {
		var serr error
		audio, serr = o.deps.Synthesizer.Synthesize(ctx, reply)
		return serr
	})
	if err == nil && len(audio) == 0 {
		err = ErrEmptyAudio
	}
	if err != nil {
		t.fail(StageSynthesis, err)
		return
	}
	t.set(Synthesized)

	f, err := voice.WriteTempFile(o.cfg.TempDir, "tts", audio, o.deps.RemoveFile)
	if err != nil {
		t.fail(StageAudio, err)
		return
	}
	defer f.Release()

	o.play(ctx, t, f.Path)
}

func (o *Orchestrator) play(ctx context.Context, t *Turn, path string) {
	results := make(chan playback.Result, 1)
	t.set(Playing)
	if _, err := o.deps.Player.Play(ctx, path, func(r playback.Result) { results <- r }); err != nil {
		t.fail(StagePlayback, err)
		return
	}
	o.publish(t, broadcast.KindPlaybackStarted, t.Reply, "")

	res := <-results
	switch {
	case res.Err != nil:
		o.publish(t, broadcast.KindPlaybackFinished, t.Reply, broadcast.OutcomeError)
		t.fail(StagePlayback, res.Err)
	case res.Interrupted:
		t.Interrupted = true
		o.publish(t, broadcast.KindPlaybackFinished, t.Reply, broadcast.OutcomeInterrupted)
		t.set(Done)
	default:
		o.publish(t, broadcast.KindPlaybackFinished, t.Reply, broadcast.OutcomeCompleted)
		t.set(Done)
	}
}
