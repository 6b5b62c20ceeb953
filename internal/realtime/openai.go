// Package realtime bridges a session to OpenAI's combined
// transcription+dialogue Realtime API over one persistent WebSocket.
//
// Server-side turn detection is disabled: utterance boundaries are decided
// locally, and each finalized utterance is appended and committed as an
// explicit unit. The bridge itself is generation-unaware; the session tags
// received events with its current generation and drops stale ones.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

const defaultRealtimeURL = "wss://api.openai.com/v1/realtime?model=gpt-realtime"

// appendChunkBytes bounds the raw PCM carried per append message so a long
// utterance never produces an oversized frame.
const appendChunkBytes = 64 * 1024

// Config holds configuration for the Realtime client.
type Config struct {
	APIKey          string
	URL             string // defaults to the OpenAI realtime endpoint
	TranscribeModel string // e.g. "gpt-4o-transcribe"
	Instructions    string // base conversation instructions
}

// EventType classifies events surfaced to the session.
type EventType int

const (
	// EventTranscript is a finalized transcript of one committed utterance.
	EventTranscript EventType = iota
	// EventTextDelta is one streamed fragment of the assistant reply.
	EventTextDelta
	// EventTextDone carries the complete assistant reply text.
	EventTextDone
)

// Event is one upstream event relevant to the conversation pipeline.
type Event struct {
	Type EventType
	Text string
}

// ProtocolError is a failure reported by the service itself, as opposed to
// a transport-level read failure.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return e.Msg }

// wireEvent is the subset of Realtime server events the bridge consumes.
type wireEvent struct {
	Type       string          `json:"type"`
	Transcript string          `json:"transcript"`
	Delta      string          `json:"delta"`
	Text       string          `json:"text"`
	Error      json.RawMessage `json:"error"`
}

// Client is one session's connection to the Realtime service.
type Client struct {
	conn      *websocket.Conn
	cfg       Config
	events    chan Event
	errors    chan error
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	wg        sync.WaitGroup
}

// Dial opens the upstream connection and configures the conversation. A
// single attempt is made; callers surface failure to the session rather
// than retrying, because a stale reconnection risks delivering audio for a
// turn the user no longer expects.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	url := cfg.URL
	if url == "" {
		url = defaultRealtimeURL
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, headers)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to realtime API: %w", err)
	}

	client := &Client{
		conn:   conn,
		cfg:    cfg,
		events: make(chan Event, 100),
		errors: make(chan error, 10),
		done:   make(chan struct{}),
	}

	if err := client.configure(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	client.wg.Add(1)
	go client.readLoop()

	return client, nil
}

// configure sends the initial session.update: text output, PCM-24k input
// with transcription, and no server VAD (boundaries are decided locally).
func (c *Client) configure() error {
	transcribeModel := c.cfg.TranscribeModel
	if transcribeModel == "" {
		transcribeModel = "gpt-4o-transcribe"
	}

	update := map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"type":              "realtime",
			"output_modalities": []string{"text"},
			"instructions":      c.cfg.Instructions,
			"audio": map[string]any{
				"input": map[string]any{
					"format": map[string]any{"type": "audio/pcm", "rate": 24000},
					"transcription": map[string]any{
						"model":    transcribeModel,
						"language": "en",
					},
					"turn_detection": nil,
				},
			},
		},
	}
	return c.send(update)
}

func (c *Client) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return fmt.Errorf("realtime client is closed")
	default:
	}

	return c.conn.WriteJSON(v)
}

// CreateSystemItem injects a system message (persona prompt or per-turn
// memory context) into the upstream conversation.
func (c *Client) CreateSystemItem(text string) error {
	return c.send(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "system",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	})
}

// SendUtterance forwards one finalized utterance: the PCM is appended in
// bounded chunks and committed as a single unit.
func (c *Client) SendUtterance(pcm []byte) error {
	for off := 0; off < len(pcm); off += appendChunkBytes {
		end := off + appendChunkBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		err := c.send(map[string]any{
			"type":  "input_audio_buffer.append",
			"audio": base64.StdEncoding.EncodeToString(pcm[off:end]),
		})
		if err != nil {
			return err
		}
	}
	return c.send(map[string]any{"type": "input_audio_buffer.commit"})
}

// CreateResponse asks the service to generate the assistant reply with
// per-turn instructions.
func (c *Client) CreateResponse(instructions string) error {
	return c.send(map[string]any{
		"type":     "response.create",
		"response": map[string]any{"instructions": instructions},
	})
}

// CancelResponse sends the upstream cancel primitive for the in-flight
// response. Safe to call when nothing is in flight.
func (c *Client) CancelResponse() error {
	return c.send(map[string]any{"type": "response.cancel"})
}

// Events returns the channel of conversation events.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Errors returns the channel of fatal connection/protocol errors.
func (c *Client) Errors() <-chan error {
	return c.errors
}

// Close tears down the connection and drains the read loop.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()

		c.wg.Wait()
		close(c.events)
		close(c.errors)
	})
	return err
}

// readLoop reads server events and forwards the conversation-relevant ones.
func (c *Client) readLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			case c.errors <- fmt.Errorf("read error: %w", err):
			default:
			}
			return
		}

		ev, ok, fatal := parseEvent(msg)
		if fatal != nil {
			select {
			case <-c.done:
				return
			case c.errors <- fatal:
			default:
			}
			continue
		}
		if !ok {
			continue
		}

		select {
		case <-c.done:
			return
		case c.events <- ev:
		}
	}
}

// parseEvent maps one raw server message to a bridge event. The error
// return carries protocol-level failures reported by the service.
func parseEvent(msg []byte) (Event, bool, error) {
	var raw wireEvent
	if err := json.Unmarshal(msg, &raw); err != nil {
		log.Printf("realtime: failed to parse event: %v", err)
		return Event{}, false, nil
	}

	switch raw.Type {
	case "error", "invalid_request_error":
		return Event{}, false, &ProtocolError{Msg: fmt.Sprintf("realtime API error: %s", string(raw.Error))}

	case "conversation.item.input_audio_transcription.completed":
		return Event{Type: EventTranscript, Text: raw.Transcript}, true, nil

	case "response.output_text.delta", "response.text.delta":
		if raw.Delta == "" {
			return Event{}, false, nil
		}
		return Event{Type: EventTextDelta, Text: raw.Delta}, true, nil

	case "response.output_text.done", "response.text.done":
		return Event{Type: EventTextDone, Text: raw.Text}, true, nil
	}

	return Event{}, false, nil
}
