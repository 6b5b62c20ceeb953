// Package relay serializes all outbound session events onto the client
// transport. It is the single sequencing point per session: interleaved
// arrivals from the upstream read loop, the synthesizer, and the session
// manager are written by one goroutine, which enforces the per-generation
// ordering contract and is the authoritative checkpoint for dropping
// events from a stale generation.
package relay

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
)

// Kind classifies an event for ordering purposes.
type Kind int

const (
	// KindControl events (lifecycle, warn, error) bypass generation
	// ordering entirely.
	KindControl Kind = iota
	KindTranscript
	KindTextStart
	KindTextDelta
	KindTextFinal
	KindAudio
	KindAudioEnd
)

// phases per generation: transcript events precede assistant text, which
// precedes audio.
const (
	phaseTranscript = iota
	phaseText
	phaseAudio
)

// ErrClosed is returned by Deliver after Close.
var ErrClosed = errors.New("relay: closed")

// Sink delivers one JSON-encodable event to the client transport. The
// relay guarantees WriteEvent is never called concurrently.
type Sink interface {
	WriteEvent(v any) error
}

// Event is one outbound message plus its ordering metadata. Payload is the
// wire object handed to the sink as-is.
type Event struct {
	Kind    Kind
	Gen     uint64
	Seq     uint64
	Payload any
}

type genState struct {
	phase        int
	lastAudioSeq uint64
	ended        bool
}

// Relay owns the single writer goroutine for a session.
type Relay struct {
	sink   Sink
	logger *log.Logger

	current atomic.Uint64

	queue  chan Event
	urgent chan Event
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	// writer-goroutine owned
	states map[uint64]*genState
}

// New starts a relay writing to sink. queueSize bounds how many events may
// be in flight; producers block (cancellably) when it is full, so audio of
// the current generation is never silently dropped.
func New(sink Sink, logger *log.Logger, queueSize int) *Relay {
	if queueSize <= 0 {
		queueSize = 256
	}
	r := &Relay{
		sink:   sink,
		logger: logger,
		queue:  make(chan Event, queueSize),
		urgent: make(chan Event, 8),
		done:   make(chan struct{}),
		states: make(map[uint64]*genState),
	}
	r.wg.Add(1)
	go r.writeLoop()
	return r
}

// Advance marks gen as the session's current generation. Queued or future
// events tagged with any other generation are dropped at emission.
func (r *Relay) Advance(gen uint64) {
	r.current.Store(gen)
}

// Current returns the current generation id.
func (r *Relay) Current() uint64 {
	return r.current.Load()
}

// Deliver enqueues an event. It blocks while the queue is full and returns
// the context error if the caller's generation is cancelled meanwhile.
func (r *Relay) Deliver(ctx context.Context, e Event) error {
	// Checked first: the queue may still have capacity after Close, and the
	// enqueue case must not win that race.
	select {
	case <-r.done:
		return ErrClosed
	default:
	}
	select {
	case r.queue <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrClosed
	}
}

// Control enqueues a generation-independent event (lifecycle, warn, error).
func (r *Relay) Control(ctx context.Context, payload any) error {
	return r.Deliver(ctx, Event{Kind: KindControl, Payload: payload})
}

// Cut emits the termination event for a stale generation ahead of anything
// still queued. The writer deduplicates, so a generation that already
// ended (or ends later through the normal path) never terminates twice.
func (r *Relay) Cut(gen uint64, payload any) {
	e := Event{Kind: KindAudioEnd, Gen: gen, Payload: payload}
	select {
	case r.urgent <- e:
	case <-r.done:
	}
}

// Close stops the writer after draining urgent events. Pending queued
// events are discarded.
func (r *Relay) Close() {
	r.once.Do(func() { close(r.done) })
	r.wg.Wait()
}

func (r *Relay) writeLoop() {
	defer r.wg.Done()
	for {
		// Urgent events (cut terminations) jump the queue.
		select {
		case e := <-r.urgent:
			r.handle(e, true)
			continue
		default:
		}
		select {
		case e := <-r.urgent:
			r.handle(e, true)
		case e := <-r.queue:
			r.handle(e, false)
		case <-r.done:
			// Flush any last urgent termination before exiting.
			for {
				select {
				case e := <-r.urgent:
					r.handle(e, true)
				default:
					return
				}
			}
		}
	}
}

func (r *Relay) handle(e Event, urgent bool) {
	if e.Kind == KindControl {
		r.write(e.Payload)
		return
	}

	// Authoritative generation checkpoint. Urgent terminations are exempt:
	// they intentionally target the generation that was just retired.
	if !urgent && e.Gen != r.current.Load() {
		return
	}

	st := r.state(e.Gen)
	if st.ended {
		return
	}

	switch e.Kind {
	case KindTranscript:
		if st.phase > phaseTranscript {
			r.logger.Printf("relay: transcript after text/audio started gen=%d, dropped", e.Gen)
			return
		}
	case KindTextStart:
		if st.phase > phaseText {
			r.logger.Printf("relay: text start after audio started gen=%d, dropped", e.Gen)
			return
		}
		st.phase = phaseText
	case KindTextDelta, KindTextFinal:
		// Text may interleave with audio (synthesis starts on the first
		// complete sentence), but never precede the turn's text start.
		if st.phase < phaseText {
			r.logger.Printf("relay: text event before turn start gen=%d, dropped", e.Gen)
			return
		}
	case KindAudio:
		if st.phase < phaseText {
			r.logger.Printf("relay: audio before turn start gen=%d, dropped", e.Gen)
			return
		}
		if e.Seq != st.lastAudioSeq+1 {
			r.logger.Printf("relay: audio chunk out of order gen=%d seq=%d want=%d, dropped",
				e.Gen, e.Seq, st.lastAudioSeq+1)
			return
		}
		st.phase = phaseAudio
		st.lastAudioSeq = e.Seq
	case KindAudioEnd:
		st.ended = true
	}

	r.write(e.Payload)
}

func (r *Relay) write(payload any) {
	if err := r.sink.WriteEvent(payload); err != nil {
		r.logger.Printf("relay: write failed: %v", err)
	}
}

// state returns the tracking entry for gen, evicting entries for
// generations that can no longer receive events.
func (r *Relay) state(gen uint64) *genState {
	if st, ok := r.states[gen]; ok {
		return st
	}
	st := &genState{}
	r.states[gen] = st
	if len(r.states) > 8 {
		for g := range r.states {
			if g+4 < gen {
				delete(r.states, g)
			}
		}
	}
	return st
}
