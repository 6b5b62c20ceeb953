package app

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	HTTPAddr    string
	DatabaseURL string
	SentryDSN   string

	// Conversation provider
	OpenAIAPIKey          string
	OpenAIRealtimeURL     string // empty uses the provider default
	OpenAITranscribeModel string

	// Voice synthesis
	ElevenLabsAPIKey string
	TTSModelID       string
	TTSSpeed         float64
	TTSStability     float64 // ElevenLabs voice stability (0.0-1.0)
	TTSSimilarity    float64 // ElevenLabs voice similarity boost (0.0-1.0)

	// Utterance detection defaults (per-session overrides via session.config)
	VADSilenceMs   int
	VADThreshold   float64
	MaxUtteranceMs int

	// Outbound audio queue depth per session
	AudioQueueSize int

	// How long shutdown waits for active sessions to drain
	DrainTimeout time.Duration
}

func LoadConfigFromEnv() Config {
	drainTimeout, err := time.ParseDuration(getenv("DRAIN_TIMEOUT", "30s"))
	if err != nil {
		drainTimeout = 30 * time.Second
	}

	return Config{
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		DatabaseURL: getenv("DATABASE_URL", ""),
		SentryDSN:   getenv("SENTRY_DSN", ""),

		OpenAIAPIKey:          getenv("OPENAI_API_KEY", ""),
		OpenAIRealtimeURL:     getenv("OPENAI_REALTIME_URL", ""),
		OpenAITranscribeModel: getenv("OPENAI_TRANSCRIBE_MODEL", "gpt-4o-transcribe"),

		ElevenLabsAPIKey: getenv("ELEVENLABS_API_KEY", ""),
		TTSModelID:       getenv("TTS_MODEL_ID", "eleven_flash_v2_5"),
		TTSSpeed:         getenvFloatClamped("TTS_SPEED", 1.0, 0.7, 1.2),
		TTSStability:     getenvFloatClamped("TTS_STABILITY", 0.5, 0.0, 1.0),
		TTSSimilarity:    getenvFloatClamped("TTS_SIMILARITY", 0.75, 0.0, 1.0),

		VADSilenceMs:   getenvIntClamped("VAD_SILENCE_MS", 600, 300, 4000),
		VADThreshold:   getenvFloatClamped("VAD_THRESHOLD", 0.55, 0.05, 0.95),
		MaxUtteranceMs: getenvIntClamped("MAX_UTTERANCE_MS", 30000, 5000, 120000),

		AudioQueueSize: getenvIntClamped("AUDIO_QUEUE_SIZE", 256, 16, 4096),

		DrainTimeout: drainTimeout,
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// getenvIntClamped reads an int env var with a default, clamping to [lo, hi].
// Unparseable values fall back to the default.
func getenvIntClamped(k string, def, lo, hi int) int {
	v := def
	if s := os.Getenv(k); s != "" {
		if parsed, err := strconv.Atoi(s); err == nil {
			v = parsed
		}
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// getenvFloatClamped reads a float env var with a default, clamping to [lo, hi].
// Unparseable values fall back to the default.
func getenvFloatClamped(k string, def, lo, hi float64) float64 {
	v := def
	if s := os.Getenv(k); s != "" {
		if parsed, err := strconv.ParseFloat(s, 64); err == nil {
			v = parsed
		}
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
