package events

import (
	"sync"

	"github.com/google/uuid"

	"crucible/core/types"
)

// Event represents a structured state change emitted by the protocol.
type Event interface {
	EventType() string
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. indexers, the
// HTTP stream).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Buffer holds the events of one operation until it commits. A failed
// operation drops its buffer so observers never see effects that were rolled
// back.
type Buffer struct {
	pending []Event
}

// Emit implements the Emitter interface.
func (b *Buffer) Emit(e Event) {
	if e == nil {
		return
	}
	b.pending = append(b.pending, e)
}

// Events returns the buffered events in emission order.
func (b *Buffer) Events() []Event {
	out := make([]Event, len(b.pending))
	copy(out, b.pending)
	return out
}

// Flush forwards the buffered events to dst and clears the buffer.
func (b *Buffer) Flush(dst Emitter) {
	if dst != nil {
		for _, e := range b.pending {
			dst.Emit(e)
		}
	}
	b.pending = nil
}

// Discard clears the buffer without forwarding.
func (b *Buffer) Discard() { b.pending = nil }

// Fanout forwards each event to every sink.
type Fanout []Emitter

// Emit implements the Emitter interface.
func (f Fanout) Emit(e Event) {
	for _, sink := range f {
		if sink != nil {
			sink.Emit(e)
		}
	}
}

// Envelope is a rendered event with a stable identifier and sequence number.
type Envelope struct {
	ID         string            `json:"id"`
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Seal renders e into an envelope with a fresh identifier.
func Seal(e Event, seq uint64) Envelope {
	rendered := e.Event().Clone()
	env := Envelope{ID: uuid.NewString(), Sequence: seq}
	if rendered != nil {
		env.Type = rendered.Type
		env.Attributes = rendered.Attributes
	}
	return env
}

// Recorder keeps the most recent envelopes in memory and notifies
// subscribers.
type Recorder struct {
	mu      sync.RWMutex
	limit   int
	seq     uint64
	history []Envelope
	subs    map[int]chan Envelope
	nextSub int
}

// NewRecorder retains at most limit envelopes. A non-positive limit keeps
// 1024.
func NewRecorder(limit int) *Recorder {
	if limit <= 0 {
		limit = 1024
	}
	return &Recorder{limit: limit, subs: make(map[int]chan Envelope)}
}

// Emit implements the Emitter interface.
func (r *Recorder) Emit(e Event) {
	if e == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	env := Seal(e, r.seq)
	r.history = append(r.history, env)
	if len(r.history) > r.limit {
		r.history = append([]Envelope(nil), r.history[len(r.history)-r.limit:]...)
	}
	for _, ch := range r.subs {
		select {
		case ch <- env:
		default:
			// slow subscribers miss events rather than stall settlement
		}
	}
}

// Since returns envelopes with a sequence greater than after.
func (r *Recorder) Since(after uint64) []Envelope {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Envelope, 0, len(r.history))
	for _, env := range r.history {
		if env.Sequence > after {
			out = append(out, env)
		}
	}
	return out
}

// Subscribe registers a buffered channel that receives new envelopes. The
// returned function unsubscribes and closes the channel.
func (r *Recorder) Subscribe(buffer int) (<-chan Envelope, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Envelope, buffer)
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
			close(ch)
		})
	}
}
