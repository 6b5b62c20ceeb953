package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const elevenLabsAPIURL = "https://api.elevenlabs.io/v1/text-to-speech"

// frameBytes is the fixed read size for streamed PCM: 2048 samples at
// 16-bit, roughly 85 ms at 24 kHz.
const frameBytes = 4096

// ElevenLabsClient implements the Client interface using ElevenLabs' API,
// requesting raw PCM at 24 kHz so no transcoding is needed downstream.
type ElevenLabsClient struct {
	apiKey     string
	baseURL    string
	voiceID    string
	modelID    string
	speed      float64
	stability  float64
	similarity float64
	httpClient *http.Client
}

// ElevenLabsConfig holds configuration for the ElevenLabs client. VoiceID
// is the cloned voice resolved for the session's loved one and is required.
type ElevenLabsConfig struct {
	APIKey     string
	BaseURL    string // empty uses the public API endpoint
	VoiceID    string
	ModelID    string  // e.g. "eleven_flash_v2_5" for low latency
	Speed      float64 // speaking rate, clamped to 0.7..1.2; 0 means 1.0
	Stability  float64 // -1 means use default
	Similarity float64 // -1 means use default
	HTTPClient *http.Client
}

// NewElevenLabsClient creates a new ElevenLabs client.
func NewElevenLabsClient(cfg ElevenLabsConfig) *ElevenLabsClient {
	modelID := cfg.ModelID
	if modelID == "" {
		modelID = "eleven_flash_v2_5"
	}
	stability := cfg.Stability
	if stability < 0 {
		stability = 0.5
	}
	similarity := cfg.Similarity
	if similarity < 0 {
		similarity = 0.75
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = elevenLabsAPIURL
	}
	return &ElevenLabsClient{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		voiceID:    cfg.VoiceID,
		modelID:    modelID,
		speed:      clampSpeed(cfg.Speed),
		stability:  stability,
		similarity: similarity,
		httpClient: httpClient,
	}
}

func clampSpeed(v float64) float64 {
	if v == 0 {
		return 1.0
	}
	if v < 0.7 {
		return 0.7
	}
	if v > 1.2 {
		return 1.2
	}
	return v
}

// ttsRequest represents an ElevenLabs TTS request.
type ttsRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings,omitempty"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

func (c *ElevenLabsClient) newRequest(ctx context.Context, url, text string) (*http.Request, error) {
	req := ttsRequest{
		Text:    text,
		ModelID: c.modelID,
		VoiceSettings: voiceSettings{
			Stability:       c.stability,
			SimilarityBoost: c.similarity,
			Speed:           c.speed,
		},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("xi-api-key", c.apiKey)
	return httpReq, nil
}

// Synthesize converts text to speech and returns PCM-24k audio.
func (c *ElevenLabsClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	url := fmt.Sprintf("%s/%s?output_format=pcm_24000", c.baseURL, c.voiceID)

	httpReq, err := c.newRequest(ctx, url, text)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ElevenLabs API error: %s - %s", resp.Status, string(respBody))
	}

	return io.ReadAll(resp.Body)
}

// SynthesizeStream converts text to speech and streams PCM chunks.
func (c *ElevenLabsClient) SynthesizeStream(ctx context.Context, text string) (<-chan []byte, error) {
	url := fmt.Sprintf("%s/%s/stream?output_format=pcm_24000", c.baseURL, c.voiceID)

	httpReq, err := c.newRequest(ctx, url, text)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("ElevenLabs API error: %s - %s", resp.Status, string(respBody))
	}

	ch := make(chan []byte, 100)

	go func() {
		defer close(ch)
		defer resp.Body.Close()

		buf := make([]byte, frameBytes)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case <-ctx.Done():
					return
				case ch <- chunk:
				}
			}
			if err == io.EOF {
				return
			}
			if err != nil {
				return
			}
		}
	}()

	return ch, nil
}
