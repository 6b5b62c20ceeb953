package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lukasbauer/reverie/internal/eventlog"
	"github.com/lukasbauer/reverie/internal/prompt"
	"github.com/lukasbauer/reverie/internal/protocol"
	"github.com/lukasbauer/reverie/internal/realtime"
	"github.com/lukasbauer/reverie/internal/relay"
	"github.com/lukasbauer/reverie/internal/store"
	"github.com/lukasbauer/reverie/internal/synth"
	"github.com/lukasbauer/reverie/internal/tts"
	"github.com/lukasbauer/reverie/internal/vad"
)

// Client-facing clamp ranges for session.config values.
const (
	minSilenceMs = 300
	maxSilenceMs = 4000
	minThreshold = 0.05
	maxThreshold = 0.95
)

// Memory retrieval sizing: bootstrapMemoryLimit snippets seed the system
// prompt; per-turn retrieval fetches up to turnMemoryLimit snippets, each
// truncated to memorySnippetMax chars, within an overall memoryBudget.
const (
	bootstrapMemoryLimit = 5
	turnMemoryLimit      = 6
	memorySnippetMax     = 320
	memoryBudget         = 1400
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type sessionState int

const (
	stateIdle sessionState = iota
	stateConnecting
	stateActive
	stateClosing
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateConnecting:
		return "connecting"
	case stateActive:
		return "active"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// upstream is the slice of the realtime bridge the session depends on.
type upstream interface {
	CreateSystemItem(text string) error
	SendUtterance(pcm []byte) error
	CreateResponse(instructions string) error
	CancelResponse() error
	Events() <-chan realtime.Event
	Errors() <-chan error
	Close() error
}

// turnState tracks one assistant generation from transcript to audio end.
type turnState struct {
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc

	// deltas feeds the synthesizer. Only the upstream consumer goroutine
	// sends on or closes it; closed marks that the reply text is complete.
	deltas chan string
	closed bool

	text        strings.Builder
	interrupted bool
	startedAt   time.Time
}

// voiceSession owns one client WebSocket and the pipelines behind it. The
// client read loop is the only goroutine that touches the VAD detector; the
// relay's writer goroutine is the only one that touches the sink; all
// outbound conn writes are serialized by connMu.
type voiceSession struct {
	id       string
	cfg      RouterConfig
	logger   *log.Logger
	store    *store.Store
	eventLog *eventlog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex

	relay    *relay.Relay
	detector *vad.Detector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	state     sessionState
	gen       uint64
	turn      *turnState
	bridge    upstream
	synth     *synth.Synthesizer
	profileID string
	lovedOne  *store.LovedOne
	started   bool
	uttSeq    int
}

func (r *Router) handleVoiceWS(w http.ResponseWriter, req *http.Request) {
	if !r.sessions.Add() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer r.sessions.Done()

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Printf("voice: upgrade failed: %v", err)
		captureError(req, err, "websocket upgrade failed")
		return
	}

	s := newVoiceSession(r.cfg, r.logger, r.store, r.eventLog, conn)
	r.logger.Printf("voice: session %s connected", s.id)
	s.run()
	r.logger.Printf("voice: session %s closed", s.id)
}

func newVoiceSession(cfg RouterConfig, logger *log.Logger, st *store.Store, eventLog *eventlog.Logger, conn *websocket.Conn) *voiceSession {
	ctx, cancel := context.WithCancel(context.Background())
	s := &voiceSession{
		id:       uuid.NewString(),
		cfg:      cfg,
		logger:   logger,
		store:    st,
		eventLog: eventLog,
		conn:     conn,
		ctx:      ctx,
		cancel:   cancel,
		state:    stateIdle,
		detector: vad.New(vad.Config{
			SilenceMs:      cfg.VADSilenceMs,
			Threshold:      cfg.VADThreshold,
			MaxUtteranceMs: cfg.MaxUtteranceMs,
		}),
	}
	s.relay = relay.New(s, logger, cfg.AudioQueueSize)
	return s
}

// WriteEvent implements relay.Sink. Also used directly for lifecycle, warn
// and error events; connMu keeps the two paths from interleaving frames.
func (s *voiceSession) WriteEvent(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn.WriteJSON(v)
}

// run is the client read loop. Control messages arrive as JSON text frames,
// microphone audio as raw binary frames.
func (s *voiceSession) run() {
	defer s.cleanup()

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		switch msgType {
		case websocket.TextMessage:
			s.handleControl(data)
		case websocket.BinaryMessage:
			s.handleFrame(data)
		}
	}
}

func (s *voiceSession) handleControl(data []byte) {
	var msg protocol.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.warn("malformed control message")
		return
	}

	switch msg.Type {
	case protocol.TypeSessionStart:
		s.handleStart(msg)
	case protocol.TypeSessionConfig:
		s.applyConfig(msg)
	case protocol.TypePTTDown:
		s.detector.Down()
	case protocol.TypePTTUp:
		if u, ok := s.detector.Up(); ok {
			s.onUtterance(u)
		}
	case protocol.TypeCutAudio:
		s.cutAudio()
	default:
		s.warn("unknown message type: " + msg.Type)
	}
}

func (s *voiceSession) handleStart(msg protocol.ClientMessage) {
	s.mu.Lock()
	if s.state != stateIdle {
		s.mu.Unlock()
		s.warn("session already started")
		return
	}
	if msg.ProfileID == "" || msg.LovedOneID == 0 {
		s.mu.Unlock()
		s.warn("session.start requires profile_id and loved_one_id")
		return
	}
	s.state = stateConnecting
	s.mu.Unlock()

	// Initial detection settings may ride along on session.start.
	s.updateDetector(msg)

	s.send(protocol.Lifecycle{Type: protocol.TypeSessionConnecting})

	lo, err := s.store.ResolveLovedOne(s.ctx, msg.ProfileID, msg.LovedOneID)
	if errors.Is(err, store.ErrNotFound) {
		s.sendError(protocol.ErrLovedOneNotFound, "no such loved one for this profile")
		s.backToIdle()
		return
	}
	if err != nil {
		s.logger.Printf("session %s: resolve loved one: %v", s.id, err)
		s.warn("profile lookup failed, try again")
		s.backToIdle()
		return
	}
	if lo.VoiceID == "" {
		s.sendError(protocol.ErrNoClonedVoice, "voice cloning has not completed for this loved one")
		s.backToIdle()
		return
	}

	memories, err := s.store.SearchMemories(s.ctx, msg.ProfileID, msg.LovedOneID, "", bootstrapMemoryLimit)
	if err != nil {
		s.logger.Printf("session %s: bootstrap memories: %v", s.id, err)
	}

	persona := prompt.Persona{
		Name:            lo.Name,
		Relationship:    lo.Relationship,
		NicknameForUser: lo.NicknameForUser,
		SpeakingStyle:   lo.SpeakingStyle,
	}

	bridge, err := realtime.Dial(s.ctx, realtime.Config{
		APIKey:          s.cfg.OpenAIAPIKey,
		URL:             s.cfg.OpenAIRealtimeURL,
		TranscribeModel: s.cfg.OpenAITranscribeModel,
		Instructions:    prompt.SystemPrompt(persona, memories),
	})
	if err != nil {
		s.logger.Printf("session %s: upstream dial: %v", s.id, err)
		s.sendError(protocol.ErrUpstreamConnection, "could not reach the conversation service")
		s.shutdown()
		return
	}

	ttsClient := tts.NewElevenLabsClient(tts.ElevenLabsConfig{
		APIKey:     s.cfg.ElevenLabsAPIKey,
		VoiceID:    lo.VoiceID,
		ModelID:    s.cfg.TTSModelID,
		Speed:      s.cfg.TTSSpeed,
		Stability:  s.cfg.TTSStability,
		Similarity: s.cfg.TTSSimilarity,
		HTTPClient: s.cfg.TTSHTTPClient,
	})

	if err := s.store.CreateVoiceSession(s.ctx, s.id, msg.ProfileID, msg.LovedOneID); err != nil {
		s.logger.Printf("session %s: create session row: %v", s.id, err)
	}

	s.mu.Lock()
	s.bridge = bridge
	s.synth = synth.New(ttsClient, s.relay, s.logger)
	s.profileID = msg.ProfileID
	s.lovedOne = lo
	s.started = true
	s.state = stateActive
	s.mu.Unlock()

	s.wg.Add(1)
	go s.consumeUpstream(bridge)

	s.send(protocol.Lifecycle{Type: protocol.TypeSessionReady})
	s.send(protocol.SessionStarted{
		Type:       protocol.TypeSessionStarted,
		ProfileID:  msg.ProfileID,
		LovedOneID: msg.LovedOneID,
	})

	s.eventLog.LogAsync(s.id, eventlog.EventSessionStarted, map[string]any{
		"profile_id":   msg.ProfileID,
		"loved_one_id": msg.LovedOneID,
	})
	s.eventLog.LogAsync(s.id, eventlog.EventSessionReady, nil)
}

func (s *voiceSession) backToIdle() {
	s.mu.Lock()
	if s.state == stateConnecting {
		s.state = stateIdle
	}
	s.mu.Unlock()
}

// applyConfig updates utterance-detection settings. Changes take effect at
// the next utterance; one already being ingested keeps its settings.
func (s *voiceSession) applyConfig(msg protocol.ClientMessage) {
	s.mu.Lock()
	active := s.state == stateActive
	s.mu.Unlock()
	if !active {
		s.warn("session.config requires an active session")
		return
	}

	s.updateDetector(msg)
	cfg := s.detector.Config()
	s.eventLog.LogAsync(s.id, eventlog.EventConfigUpdated, map[string]any{
		"silence_ms": cfg.SilenceMs,
		"threshold":  cfg.Threshold,
		"ptt":        cfg.PTTEnabled,
	})
}

// updateDetector applies clamped detection settings from a client message,
// warning on out-of-range values. Shared by session.start and session.config.
func (s *voiceSession) updateDetector(msg protocol.ClientMessage) {
	cfg := s.detector.Config()
	var clamped []string

	if msg.VADSilenceMs != nil {
		v := *msg.VADSilenceMs
		if v < minSilenceMs || v > maxSilenceMs {
			clamped = append(clamped, fmt.Sprintf("vad_silence_ms clamped to %d..%d", minSilenceMs, maxSilenceMs))
			v = min(max(v, minSilenceMs), maxSilenceMs)
		}
		cfg.SilenceMs = v
	}
	if msg.VADThreshold != nil {
		v := *msg.VADThreshold
		if v < minThreshold || v > maxThreshold {
			clamped = append(clamped, fmt.Sprintf("vad_threshold clamped to %g..%g", minThreshold, maxThreshold))
			v = min(max(v, minThreshold), maxThreshold)
		}
		cfg.Threshold = v
	}
	if msg.PTTEnabled != nil {
		cfg.PTTEnabled = *msg.PTTEnabled
	}

	s.detector.SetConfig(cfg)
	if len(clamped) > 0 {
		s.warn(strings.Join(clamped, "; "))
	}
}

func (s *voiceSession) handleFrame(data []byte) {
	s.mu.Lock()
	active := s.state == stateActive
	s.mu.Unlock()
	if !active {
		return
	}

	if u, ok := s.detector.Push(data); ok {
		s.onUtterance(u)
	}
}

// onUtterance forwards one finalized utterance upstream. The transcript
// comes back asynchronously and drives the response turn.
func (s *voiceSession) onUtterance(u vad.Utterance) {
	s.eventLog.LogAsync(s.id, eventlog.EventUtteranceFinalized, map[string]any{
		"duration_ms": u.DurationMs,
		"forced":      u.Forced,
	})

	s.mu.Lock()
	bridge := s.bridge
	s.mu.Unlock()
	if bridge == nil {
		return
	}

	if err := bridge.SendUtterance(u.PCM); err != nil {
		s.handleUpstreamError(err)
	}
}

// cutAudio handles an explicit barge-in. A cut with nothing in flight is a
// no-op, so repeated taps never terminate a generation twice.
func (s *voiceSession) cutAudio() {
	s.mu.Lock()
	if s.interruptLocked("explicit") {
		s.gen++
		s.relay.Advance(s.gen)
	}
	s.mu.Unlock()
}

// interruptLocked cancels the in-flight assistant turn and emits its
// termination ahead of anything still queued. Caller holds mu. Reports
// whether a turn was actually cut.
func (s *voiceSession) interruptLocked(reason string) bool {
	t := s.turn
	if t == nil {
		return false
	}
	s.turn = nil
	t.interrupted = true
	t.cancel()

	s.relay.Cut(t.gen, protocol.NewAudioEnd(t.gen))

	if s.bridge != nil {
		if err := s.bridge.CancelResponse(); err != nil {
			s.logger.Printf("session %s: cancel response: %v", s.id, err)
		}
	}
	s.eventLog.LogAsync(s.id, eventlog.EventBargeIn, map[string]any{
		"gen":    t.gen,
		"reason": reason,
	})
	return true
}

// consumeUpstream drains bridge events until the session or the bridge ends.
func (s *voiceSession) consumeUpstream(bridge upstream) {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-bridge.Events():
			if !ok {
				return
			}
			switch ev.Type {
			case realtime.EventTranscript:
				s.handleTranscript(ev.Text)
			case realtime.EventTextDelta:
				s.handleTextDelta(ev.Text)
			case realtime.EventTextDone:
				s.handleTextDone(ev.Text)
			}
		case err, ok := <-bridge.Errors():
			if !ok {
				return
			}
			s.handleUpstreamError(err)
			return
		}
	}
}

// handleTranscript is the pivot of a turn: the finalized user transcript
// either gets gated as noise, or interrupts whatever is playing and starts
// a new generation.
func (s *voiceSession) handleTranscript(text string) {
	s.persistUtterance("user", text, false, nil)
	s.eventLog.LogAsync(s.id, eventlog.EventTranscriptReceived, map[string]any{"text_length": len(text)})

	if prompt.LooksLikeNoise(text) {
		// Not worth answering, and not worth interrupting the current
		// reply over. The transcript still reaches the client, untagged.
		s.eventLog.LogAsync(s.id, eventlog.EventTranscriptDropped, map[string]any{"text_length": len(text)})
		_ = s.relay.Control(s.ctx, protocol.STTText{Type: protocol.TypeSTTText, Text: text})
		return
	}

	s.mu.Lock()
	if s.state != stateActive {
		s.mu.Unlock()
		return
	}
	s.interruptLocked("takeover")
	s.gen++
	gen := s.gen
	s.relay.Advance(gen)

	tctx, cancel := context.WithCancel(s.ctx)
	t := &turnState{
		gen:       gen,
		ctx:       tctx,
		cancel:    cancel,
		deltas:    make(chan string, 64),
		startedAt: nowUTC(),
	}
	s.turn = t
	bridge := s.bridge
	profileID := s.profileID
	lovedOneID := s.lovedOne.ID
	s.mu.Unlock()

	_ = s.relay.Deliver(tctx, relay.Event{
		Kind:    relay.KindTranscript,
		Gen:     gen,
		Payload: protocol.STTText{Type: protocol.TypeSTTText, Text: text, Gen: gen},
	})

	memories, err := s.store.SearchMemories(s.ctx, profileID, lovedOneID, text, turnMemoryLimit)
	if err != nil {
		s.logger.Printf("session %s: memory search: %v", s.id, err)
		memories = nil
	}
	if block := prompt.ContextBlock(budgetMemories(memories)); block != "" {
		if err := bridge.CreateSystemItem(block); err != nil {
			s.handleUpstreamError(err)
			return
		}
	}

	_ = s.relay.Deliver(tctx, relay.Event{
		Kind:    relay.KindTextStart,
		Gen:     gen,
		Payload: protocol.TextStart{Type: protocol.TypeAITextStart, Gen: gen},
	})

	if err := bridge.CreateResponse(prompt.ReplyInstructions(text)); err != nil {
		s.handleUpstreamError(err)
		return
	}
	s.eventLog.LogAsync(s.id, eventlog.EventResponseStarted, map[string]any{"gen": gen})

	s.wg.Add(1)
	go s.runSynth(t)
}

func (s *voiceSession) handleTextDelta(delta string) {
	s.mu.Lock()
	t := s.turn
	if t == nil || t.closed {
		s.mu.Unlock()
		return
	}
	t.text.WriteString(delta)
	s.mu.Unlock()

	_ = s.relay.Deliver(t.ctx, relay.Event{
		Kind:    relay.KindTextDelta,
		Gen:     t.gen,
		Payload: protocol.TextDelta{Type: protocol.TypeAITextDelta, Delta: delta, Gen: t.gen},
	})

	// The synthesizer drains this channel; a cancelled turn unblocks via
	// the turn context instead.
	select {
	case t.deltas <- delta:
	case <-t.ctx.Done():
	}
}

func (s *voiceSession) handleTextDone(text string) {
	s.mu.Lock()
	t := s.turn
	if t == nil || t.closed {
		s.mu.Unlock()
		return
	}
	t.closed = true
	if text != "" {
		t.text.Reset()
		t.text.WriteString(text)
	}
	s.mu.Unlock()

	_ = s.relay.Deliver(t.ctx, relay.Event{
		Kind:    relay.KindTextFinal,
		Gen:     t.gen,
		Payload: protocol.TextFinal{Type: protocol.TypeAITextFinal, Text: text, Gen: t.gen},
	})

	close(t.deltas)
	s.eventLog.LogAsync(s.id, eventlog.EventResponseCompleted, map[string]any{
		"gen":         t.gen,
		"text_length": len(text),
	})
}

// runSynth drives synthesis for one turn and persists the assistant side of
// the transcript once the turn retires.
func (s *voiceSession) runSynth(t *turnState) {
	defer s.wg.Done()

	err := s.synth.Run(t.ctx, t.gen, t.deltas)

	s.mu.Lock()
	if s.turn == t {
		s.turn = nil
	}
	text := t.text.String()
	interrupted := t.interrupted
	s.mu.Unlock()

	if err != nil && t.ctx.Err() == nil {
		s.eventLog.LogAsync(s.id, eventlog.EventSynthesisFailed, map[string]any{
			"gen":   t.gen,
			"error": err.Error(),
		})
	}
	if text != "" {
		s.persistUtterance("assistant", text, interrupted, &t.startedAt)
	}
}

func (s *voiceSession) persistUtterance(speaker, text string, interrupted bool, startedAt *time.Time) {
	s.mu.Lock()
	s.uttSeq++
	seq := s.uttSeq
	started := s.started
	s.mu.Unlock()
	if !started {
		return
	}

	now := nowUTC()
	ctx, cancelFn := context.WithTimeout(context.WithoutCancel(s.ctx), 2*time.Second)
	defer cancelFn()
	err := s.store.InsertUtterance(ctx, s.id, store.Utterance{
		Speaker:     speaker,
		Text:        text,
		Sequence:    seq,
		StartedAt:   startedAt,
		EndedAt:     &now,
		Interrupted: interrupted,
	})
	if err != nil {
		s.logger.Printf("session %s: persist utterance: %v", s.id, err)
	}
}

func (s *voiceSession) handleUpstreamError(err error) {
	code := protocol.ErrUpstreamConnection
	var pe *realtime.ProtocolError
	if errors.As(err, &pe) {
		code = protocol.ErrUpstreamProtocol
	}

	s.logger.Printf("session %s: upstream failed: %v", s.id, err)
	s.eventLog.LogAsync(s.id, eventlog.EventUpstreamError, map[string]any{"error": err.Error()})
	s.sendError(code, "the conversation service failed")
	s.shutdown()
}

// shutdown forces the client read loop to exit; cleanup runs there.
func (s *voiceSession) shutdown() {
	s.mu.Lock()
	if s.state != stateClosed {
		s.state = stateClosing
	}
	s.mu.Unlock()
	s.cancel()
	_ = s.conn.Close()
}

func (s *voiceSession) cleanup() {
	s.mu.Lock()
	s.state = stateClosing
	s.interruptLocked("session_closed")
	bridge := s.bridge
	s.bridge = nil
	started := s.started
	s.mu.Unlock()

	s.cancel()
	if bridge != nil {
		_ = bridge.Close()
	}
	s.wg.Wait()
	s.relay.Close()
	_ = s.conn.Close()

	if started {
		ctx, cancelFn := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.store.EndVoiceSession(ctx, s.id, nowUTC()); err != nil {
			s.logger.Printf("session %s: end session row: %v", s.id, err)
		}
		cancelFn()
		s.eventLog.LogAsync(s.id, eventlog.EventSessionEnded, nil)
	}

	s.mu.Lock()
	s.state = stateClosed
	s.mu.Unlock()
}

func (s *voiceSession) send(v any) {
	if err := s.WriteEvent(v); err != nil {
		s.logger.Printf("session %s: write failed: %v", s.id, err)
	}
}

func (s *voiceSession) warn(note string) {
	s.send(protocol.NewWarn(note))
}

func (s *voiceSession) sendError(code, detail string) {
	s.send(protocol.NewError(code, detail))
}

// budgetMemories truncates each snippet and keeps prepending context within
// a fixed character budget so long memories cannot crowd out the turn.
func budgetMemories(memories []string) []string {
	var out []string
	total := 0
	for _, m := range memories {
		m = prompt.Truncate(m, memorySnippetMax)
		if total+len(m) > memoryBudget {
			break
		}
		out = append(out, m)
		total += len(m)
	}
	return out
}
