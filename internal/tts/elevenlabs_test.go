package tts

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewElevenLabsClient_DefaultValues(t *testing.T) {
	// Test that default values are used when -1 (sentinel) is specified
	// This signals "use defaults" since 0.0 is a valid value
	client := NewElevenLabsClient(ElevenLabsConfig{
		APIKey:     "test-key",
		VoiceID:    "cloned-voice",
		Stability:  -1, // Sentinel for "use default"
		Similarity: -1, // Sentinel for "use default"
	})

	if client.modelID != "eleven_flash_v2_5" {
		t.Errorf("modelID = %q, want %q", client.modelID, "eleven_flash_v2_5")
	}
	if client.stability != 0.5 {
		t.Errorf("stability = %f, want %f", client.stability, 0.5)
	}
	if client.similarity != 0.75 {
		t.Errorf("similarity = %f, want %f", client.similarity, 0.75)
	}
	if client.speed != 1.0 {
		t.Errorf("speed = %f, want %f", client.speed, 1.0)
	}
}

func TestNewElevenLabsClient_ZeroValuesAreValid(t *testing.T) {
	// 0.0 is a valid ElevenLabs setting (max expressiveness)
	client := NewElevenLabsClient(ElevenLabsConfig{
		APIKey:     "test-key",
		VoiceID:    "cloned-voice",
		Stability:  0,
		Similarity: 0,
	})

	if client.stability != 0 {
		t.Errorf("stability = %f, want %f (zero is valid)", client.stability, 0.0)
	}
	if client.similarity != 0 {
		t.Errorf("similarity = %f, want %f (zero is valid)", client.similarity, 0.0)
	}
}

func TestNewElevenLabsClient_CustomVoiceAndModel(t *testing.T) {
	client := NewElevenLabsClient(ElevenLabsConfig{
		APIKey:  "test-key",
		VoiceID: "custom-voice-id",
		ModelID: "custom-model-id",
	})

	if client.voiceID != "custom-voice-id" {
		t.Errorf("voiceID = %q, want %q", client.voiceID, "custom-voice-id")
	}
	if client.modelID != "custom-model-id" {
		t.Errorf("modelID = %q, want %q", client.modelID, "custom-model-id")
	}
}

func TestClampSpeed(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{0, 1.0},
		{0.5, 0.7},
		{0.7, 0.7},
		{1.0, 1.0},
		{1.2, 1.2},
		{1.5, 1.2},
	}

	for _, tt := range tests {
		if got := clampSpeed(tt.in); got != tt.want {
			t.Errorf("clampSpeed(%f) = %f, want %f", tt.in, got, tt.want)
		}
	}
}

func TestSynthesizeStream_ChunksArrive(t *testing.T) {
	pcm := make([]byte, 10000)
	for i := range pcm {
		pcm[i] = byte(i)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cloned-voice/stream" {
			t.Errorf("path = %q, want /cloned-voice/stream", r.URL.Path)
		}
		if got := r.URL.Query().Get("output_format"); got != "pcm_24000" {
			t.Errorf("output_format = %q, want pcm_24000", got)
		}
		if got := r.Header.Get("xi-api-key"); got != "test-key" {
			t.Errorf("xi-api-key = %q, want test-key", got)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(pcm)
	}))
	defer srv.Close()

	client := NewElevenLabsClient(ElevenLabsConfig{
		APIKey:  "test-key",
		BaseURL: srv.URL,
		VoiceID: "cloned-voice",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := client.SynthesizeStream(ctx, "Hello there.")
	if err != nil {
		t.Fatalf("SynthesizeStream() = %v", err)
	}

	var got []byte
	for chunk := range ch {
		got = append(got, chunk...)
	}
	if len(got) != len(pcm) {
		t.Fatalf("received %d bytes, want %d", len(got), len(pcm))
	}
	for i := range got {
		if got[i] != pcm[i] {
			t.Fatalf("byte %d = %d, want %d", i, got[i], pcm[i])
		}
	}
}

func TestSynthesizeStream_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"quota exceeded"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewElevenLabsClient(ElevenLabsConfig{
		APIKey:  "test-key",
		BaseURL: srv.URL,
		VoiceID: "cloned-voice",
	})

	_, err := client.SynthesizeStream(context.Background(), "Hello.")
	if err == nil {
		t.Fatal("expected error for non-200 status")
	}
	if !strings.Contains(err.Error(), "quota exceeded") {
		t.Errorf("error %q should carry the response body", err)
	}
}
