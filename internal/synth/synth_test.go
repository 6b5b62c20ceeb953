package synth

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/lukasbauer/reverie/internal/protocol"
	"github.com/lukasbauer/reverie/internal/relay"
)

func TestExtractCompleteSentences(t *testing.T) {
	tests := []struct {
		name     string
		buffer   string
		want     string
		wantRest string
	}{
		{"empty", "", "", ""},
		{"no boundary", "Hello there", "", "Hello there"},
		{"single sentence", "Hello there.", "Hello there.", ""},
		{"sentence plus partial", "Hello there. How are", "Hello there.", " How are"},
		{"two sentences", "One. Two!", "One. Two!", ""},
		{"question mark", "Are you there? I was", "Are you there?", " I was"},
		{"exclamation", "Wow! That is", "Wow!", " That is"},
	}

	for _, tt := range tests {
		got, rest := ExtractCompleteSentences(tt.buffer)
		if got != tt.want || rest != tt.wantRest {
			t.Errorf("%s: ExtractCompleteSentences(%q) = (%q, %q), want (%q, %q)",
				tt.name, tt.buffer, got, rest, tt.want, tt.wantRest)
		}
	}
}

func TestIsSentenceEnd(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"", false},
		{"hello", false},
		{"hello.", true},
		{"hello!", true},
		{"hello?", true},
		{"hello. ", true},
		{"hello,", false},
	}

	for _, tt := range tests {
		if got := isSentenceEnd(tt.text); got != tt.want {
			t.Errorf("isSentenceEnd(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestNormalizeForSpeech(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"whitespace only", "   ", ""},
		{"collapses whitespace", "hello   there\n\tfriend", "hello there friend"},
		{"triple dots to ellipsis", "well... maybe", "well… maybe"},
		{"punctuation spacing", "Hi.How are you?Good", "Hi. How are you? Good"},
		{"trims", "  hello.  ", "hello."},
	}

	for _, tt := range tests {
		if got := NormalizeForSpeech(tt.in); got != tt.want {
			t.Errorf("%s: NormalizeForSpeech(%q) = %q, want %q", tt.name, tt.in, got, tt.want)
		}
	}
}

// fakeTTS records synthesized units and emits a fixed number of chunks each.
type fakeTTS struct {
	mu         sync.Mutex
	texts      []string
	chunksPer  int
	streamErr  error
	chunkDelay time.Duration
}

func (f *fakeTTS) Synthesize(_ context.Context, text string) ([]byte, error) {
	return []byte(text), nil
}

func (f *fakeTTS) SynthesizeStream(ctx context.Context, text string) (<-chan []byte, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()

	ch := make(chan []byte, f.chunksPer)
	go func() {
		defer close(ch)
		for i := 0; i < f.chunksPer; i++ {
			if f.chunkDelay > 0 {
				time.Sleep(f.chunkDelay)
			}
			select {
			case <-ctx.Done():
				return
			case ch <- []byte{byte(i)}:
			}
		}
	}()
	return ch, nil
}

func (f *fakeTTS) spoken() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.texts))
	copy(out, f.texts)
	return out
}

type captureSink struct {
	mu     sync.Mutex
	events []any
}

func (s *captureSink) WriteEvent(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, v)
	return nil
}

func (s *captureSink) snapshot() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]any, len(s.events))
	copy(out, s.events)
	return out
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// startTurn stands in for the session: it marks gen current and opens its
// text phase so audio is admissible.
func startTurn(t *testing.T, r *relay.Relay, gen uint64) {
	t.Helper()
	r.Advance(gen)
	err := r.Deliver(context.Background(), relay.Event{
		Kind:    relay.KindTextStart,
		Gen:     gen,
		Payload: protocol.TextStart{Type: protocol.TypeAITextStart, Gen: gen},
	})
	if err != nil {
		t.Fatalf("text start: %v", err)
	}
}

func TestRun_SpeaksSentencesThenRemainder(t *testing.T) {
	sink := &captureSink{}
	r := relay.New(sink, testLogger(), 64)
	defer r.Close()
	f := &fakeTTS{chunksPer: 2}
	s := New(f, r, testLogger())

	startTurn(t, r, 1)

	deltas := make(chan string, 8)
	deltas <- "Hello there. How "
	deltas <- "are you"
	close(deltas)

	if err := s.Run(context.Background(), 1, deltas); err != nil {
		t.Fatalf("Run() = %v", err)
	}

	spoken := f.spoken()
	want := []string{"Hello there.", "How are you"}
	if len(spoken) != len(want) {
		t.Fatalf("spoke %v, want %v", spoken, want)
	}
	for i := range want {
		if spoken[i] != want[i] {
			t.Errorf("unit[%d] = %q, want %q", i, spoken[i], want[i])
		}
	}

	// 1 text start + 4 audio chunks + 1 end
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(sink.snapshot()) < 6 {
		time.Sleep(5 * time.Millisecond)
	}
	events := sink.snapshot()
	if len(events) != 6 {
		t.Fatalf("got %d events, want 6: %v", len(events), events)
	}

	var seqs []uint64
	ends := 0
	for _, ev := range events {
		switch p := ev.(type) {
		case protocol.AudioDelta:
			seqs = append(seqs, p.Seq)
			if p.Gen != 1 {
				t.Errorf("audio gen = %d, want 1", p.Gen)
			}
		case protocol.AudioEnd:
			ends++
			if p.Gen != 1 {
				t.Errorf("end gen = %d, want 1", p.Gen)
			}
		}
	}
	for i, seq := range seqs {
		if seq != uint64(i+1) {
			t.Errorf("audio seq[%d] = %d, want %d", i, seq, i+1)
		}
	}
	if ends != 1 {
		t.Errorf("got %d end events, want exactly 1", ends)
	}
}

func TestRun_SkipsSynthesisForEmptyReply(t *testing.T) {
	sink := &captureSink{}
	r := relay.New(sink, testLogger(), 64)
	defer r.Close()
	f := &fakeTTS{chunksPer: 2}
	s := New(f, r, testLogger())

	startTurn(t, r, 1)

	deltas := make(chan string)
	close(deltas)

	if err := s.Run(context.Background(), 1, deltas); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if spoken := f.spoken(); len(spoken) != 0 {
		t.Errorf("spoke %v, want nothing", spoken)
	}

	// The generation still terminates.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, ev := range sink.snapshot() {
			if _, ok := ev.(protocol.AudioEnd); ok {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("no termination event for empty reply")
}

func TestRun_SynthesisFailureTerminatesGeneration(t *testing.T) {
	sink := &captureSink{}
	r := relay.New(sink, testLogger(), 64)
	defer r.Close()
	f := &fakeTTS{streamErr: errors.New("tts unavailable")}
	s := New(f, r, testLogger())

	startTurn(t, r, 1)

	deltas := make(chan string, 1)
	deltas <- "Hello there."
	close(deltas)

	err := s.Run(context.Background(), 1, deltas)
	if err == nil {
		t.Fatal("Run() = nil, want synthesis error")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, ev := range sink.snapshot() {
			if _, ok := ev.(protocol.AudioEnd); ok {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("no termination event after synthesis failure")
}

func TestRun_CancelStopsWithoutTerminating(t *testing.T) {
	sink := &captureSink{}
	r := relay.New(sink, testLogger(), 64)
	defer r.Close()
	f := &fakeTTS{chunksPer: 100, chunkDelay: 10 * time.Millisecond}
	s := New(f, r, testLogger())

	startTurn(t, r, 1)

	ctx, cancel := context.WithCancel(context.Background())
	deltas := make(chan string, 1)
	deltas <- "A long reply that keeps streaming."

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, 1, deltas) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// The cut path owns the termination; the synthesizer must not emit one.
	for _, ev := range sink.snapshot() {
		if _, ok := ev.(protocol.AudioEnd); ok {
			t.Error("synthesizer emitted termination after cancel")
		}
	}
}

func TestRun_StaleGenerationChunksDropped(t *testing.T) {
	sink := &captureSink{}
	r := relay.New(sink, testLogger(), 64)
	defer r.Close()
	f := &fakeTTS{chunksPer: 50, chunkDelay: 5 * time.Millisecond}
	s := New(f, r, testLogger())

	startTurn(t, r, 1)

	deltas := make(chan string, 1)
	deltas <- "A reply whose audio is still arriving."
	close(deltas)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), 1, deltas) }()

	// Barge-in while chunks are mid-flight.
	time.Sleep(30 * time.Millisecond)
	r.Advance(2)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after the generation moved on")
	}

	time.Sleep(50 * time.Millisecond)
	events := sink.snapshot()
	audio := 0
	for _, ev := range events {
		if _, ok := ev.(protocol.AudioDelta); ok {
			audio++
		}
	}
	if audio >= 50 {
		t.Errorf("all %d chunks were written despite the generation moving on", audio)
	}
}
