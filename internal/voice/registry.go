package voice

import (
	"sync"
	"time"
)

// Flushed pairs an utterance with the speaker whose buffer produced it.
type Flushed struct {
	Speaker   string
	Utterance *Utterance
}

// Registry routes frames to per-speaker buffers. Buffers are created on
// first sight of a speaker and kept for the rest of the session. The map
// lock only guards insertion and lookup; each buffer has its own lock, so
// speakers never contend with each other while appending.
type Registry struct {
	cfg SegmenterConfig
	now func() time.Time

	mu      sync.RWMutex
	selfID  string
	buffers map[string]*SpeakerBuffer
}

// NewRegistry creates a registry that never segments audio attributed to
// selfID (the bot's own voice). A nil clock means time.Now.
func NewRegistry(cfg SegmenterConfig, selfID string, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{cfg: cfg, now: now, selfID: selfID, buffers: make(map[string]*SpeakerBuffer)}
}

// SetSelfID updates the excluded identity; the gateway only reports it once
// the session is ready.
func (r *Registry) SetSelfID(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selfID = id
	if b, ok := r.buffers[id]; ok && id != "" {
		b.Reset()
		delete(r.buffers, id)
	}
}

// Route appends frame to the speaker's buffer and returns the utterance it
// completed, if any.
func (r *Registry) Route(speakerID string, frame []byte) (string, *Utterance) {
	b := r.buffer(speakerID)
	if b == nil {
		return speakerID, nil
	}
	return speakerID, b.Append(frame)
}

func (r *Registry) buffer(speakerID string) *SpeakerBuffer {
	if speakerID == "" {
		return nil
	}
	r.mu.RLock()
	self := r.selfID
	b, ok := r.buffers[speakerID]
	r.mu.RUnlock()
	if speakerID == self {
		return nil
	}
	if ok {
		return b
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if speakerID == r.selfID {
		return nil
	}
	if b, ok = r.buffers[speakerID]; !ok {
		b = NewSpeakerBuffer(speakerID, r.cfg, r.now)
		r.buffers[speakerID] = b
	}
	return b
}

// Sweep ticks every buffer and returns the utterances closed by a frame gap.
func (r *Registry) Sweep() []Flushed {
	now := r.now()
	r.mu.RLock()
	bufs := make([]*SpeakerBuffer, 0, len(r.buffers))
	for _, b := range r.buffers {
		bufs = append(bufs, b)
	}
	r.mu.RUnlock()

	var out []Flushed
	for _, b := range bufs {
		if u := b.Tick(now); u != nil {
			out = append(out, Flushed{Speaker: b.Speaker(), Utterance: u})
		}
	}
	return out
}

// Reset clears a speaker's buffer, e.g. when they leave the channel.
func (r *Registry) Reset(speakerID string) {
	r.mu.RLock()
	b, ok := r.buffers[speakerID]
	r.mu.RUnlock()
	if ok {
		b.Reset()
	}
}

// Buffer returns the buffer for speakerID without creating it.
func (r *Registry) Buffer(speakerID string) (*SpeakerBuffer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.buffers[speakerID]
	return b, ok
}

// Len returns the number of speakers seen so far.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buffers)
}
