package tts

import "context"

// Client defines the interface for text-to-speech providers.
type Client interface {
	// Synthesize converts text to speech and returns the full audio buffer.
	// The audio is raw mono 16-bit little-endian PCM at 24 kHz.
	Synthesize(ctx context.Context, text string) ([]byte, error)

	// SynthesizeStream converts text to speech and streams PCM chunks as
	// they arrive. The channel is closed when the stream ends; a mid-stream
	// failure closes the channel early.
	SynthesizeStream(ctx context.Context, text string) (<-chan []byte, error)
}
