package realtime

import (
	"errors"
	"testing"
)

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name     string
		msg      string
		wantOK   bool
		wantType EventType
		wantText string
	}{
		{
			name:     "transcription completed",
			msg:      `{"type":"conversation.item.input_audio_transcription.completed","transcript":"hello grandma"}`,
			wantOK:   true,
			wantType: EventTranscript,
			wantText: "hello grandma",
		},
		{
			name:     "output text delta",
			msg:      `{"type":"response.output_text.delta","delta":"Hi "}`,
			wantOK:   true,
			wantType: EventTextDelta,
			wantText: "Hi ",
		},
		{
			name:     "legacy text delta",
			msg:      `{"type":"response.text.delta","delta":"there"}`,
			wantOK:   true,
			wantType: EventTextDelta,
			wantText: "there",
		},
		{
			name:   "empty delta skipped",
			msg:    `{"type":"response.output_text.delta","delta":""}`,
			wantOK: false,
		},
		{
			name:     "output text done",
			msg:      `{"type":"response.output_text.done","text":"Hi there."}`,
			wantOK:   true,
			wantType: EventTextDone,
			wantText: "Hi there.",
		},
		{
			name:     "legacy text done",
			msg:      `{"type":"response.text.done","text":"Hi."}`,
			wantOK:   true,
			wantType: EventTextDone,
			wantText: "Hi.",
		},
		{
			name:   "unrelated event ignored",
			msg:    `{"type":"response.created"}`,
			wantOK: false,
		},
		{
			name:   "session updated ignored",
			msg:    `{"type":"session.updated"}`,
			wantOK: false,
		},
		{
			name:   "invalid json ignored",
			msg:    `not json`,
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok, err := parseEvent([]byte(tt.msg))
			if err != nil {
				t.Fatalf("parseEvent() error = %v", err)
			}
			if ok != tt.wantOK {
				t.Fatalf("parseEvent() ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if ev.Type != tt.wantType {
				t.Errorf("Type = %v, want %v", ev.Type, tt.wantType)
			}
			if ev.Text != tt.wantText {
				t.Errorf("Text = %q, want %q", ev.Text, tt.wantText)
			}
		})
	}
}

func TestParseEvent_APIError(t *testing.T) {
	_, ok, err := parseEvent([]byte(`{"type":"error","error":{"message":"bad session"}}`))
	if ok {
		t.Error("API error should not surface as a conversation event")
	}
	if err == nil {
		t.Fatal("expected an error for an API error event")
	}

	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Errorf("error = %T, want *ProtocolError", err)
	}
}
