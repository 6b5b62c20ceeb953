// Package synth turns streamed assistant text into streamed cloned-voice
// audio. Text deltas are grouped into sentence-sized units so synthesis can
// begin before the reply is complete, minimizing time-to-first-audio. Every
// chunk is stamped with the generation it belongs to and re-checked against
// the session's current generation at emission, so audio already in flight
// over the network when a barge-in occurs is discarded rather than played.
package synth

import (
	"context"
	"encoding/base64"
	"log"
	"strings"

	"github.com/lukasbauer/reverie/internal/protocol"
	"github.com/lukasbauer/reverie/internal/relay"
	"github.com/lukasbauer/reverie/internal/tts"
)

// Synthesizer streams audio for assistant turns of one session.
type Synthesizer struct {
	tts    tts.Client
	relay  *relay.Relay
	logger *log.Logger
}

// New creates a synthesizer bound to a session's relay.
func New(client tts.Client, r *relay.Relay, logger *log.Logger) *Synthesizer {
	return &Synthesizer{tts: client, relay: r, logger: logger}
}

// Run consumes assistant text deltas for one generation until the channel
// closes or ctx is cancelled, streaming synthesized audio to the relay.
//
// On normal completion or synthesis failure it emits the generation's
// rt.audio.end event. On cancellation it emits nothing further; the
// session's cut path owns the termination event in that case.
func (s *Synthesizer) Run(ctx context.Context, gen uint64, deltas <-chan string) error {
	var buffer strings.Builder
	seq := uint64(0)

	fail := func(err error) error {
		s.logger.Printf("synth: synthesis failed gen=%d: %v", gen, err)
		s.emitEnd(ctx, gen)
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delta, ok := <-deltas:
			if !ok {
				// Reply complete: speak whatever did not end with
				// punctuation, then terminate the generation.
				remaining := NormalizeForSpeech(buffer.String())
				if remaining != "" {
					if err := s.speak(ctx, gen, remaining, &seq); err != nil {
						if ctx.Err() != nil {
							return ctx.Err()
						}
						return fail(err)
					}
				}
				s.emitEnd(ctx, gen)
				return nil
			}
			buffer.WriteString(delta)

			sentences, rest := ExtractCompleteSentences(buffer.String())
			if sentences == "" {
				continue
			}
			buffer.Reset()
			buffer.WriteString(rest)

			unit := NormalizeForSpeech(sentences)
			if unit == "" {
				continue
			}
			if err := s.speak(ctx, gen, unit, &seq); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fail(err)
			}
		}
	}
}

// speak synthesizes one unit and relays its chunks in arrival order.
func (s *Synthesizer) speak(ctx context.Context, gen uint64, text string, seq *uint64) error {
	audioCh, err := s.tts.SynthesizeStream(ctx, text)
	if err != nil {
		return err
	}

	for chunk := range audioCh {
		// Emission-time generation check: chunks that were in flight when a
		// barge-in advanced the generation are dropped here, before the
		// relay ever sees them.
		if s.relay.Current() != gen {
			for range audioCh {
			}
			return ctx.Err()
		}

		*seq++
		ev := relay.Event{
			Kind: relay.KindAudio,
			Gen:  gen,
			Seq:  *seq,
			Payload: protocol.AudioDelta{
				Type:     protocol.TypeAudioDelta,
				AudioB64: base64.StdEncoding.EncodeToString(chunk),
				Gen:      gen,
				Seq:      *seq,
			},
		}
		if err := s.relay.Deliver(ctx, ev); err != nil {
			for range audioCh {
			}
			return err
		}
	}
	return nil
}

func (s *Synthesizer) emitEnd(ctx context.Context, gen uint64) {
	// The relay deduplicates the termination event per generation, so this
	// is safe even if a cut already terminated it.
	_ = s.relay.Deliver(context.WithoutCancel(ctx), relay.Event{
		Kind:    relay.KindAudioEnd,
		Gen:     gen,
		Payload: protocol.NewAudioEnd(gen),
	})
}
