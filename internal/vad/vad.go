// Package vad classifies incoming PCM frames into utterances.
//
// Two mutually exclusive boundary-detection modes exist, selected by
// Config.PTTEnabled: amplitude/silence detection (VAD) and explicit
// push-to-talk delimiting. Config changes apply at the next utterance
// boundary evaluation; an utterance already being ingested keeps the
// settings it started with.
package vad

import (
	"encoding/binary"
	"math"
)

// Defaults match the client-facing clamp ranges applied by the session.
const (
	DefaultSilenceMs = 600
	DefaultThreshold = 0.55

	// prerollMs bounds how much audio from before the first voiced frame
	// is kept and prepended when an utterance starts.
	prerollMs = 300

	// DefaultMaxUtteranceMs force-finalizes an utterance that never goes
	// silent, capping buffering. Treated as a normal boundary.
	DefaultMaxUtteranceMs = 30_000
)

// Config holds boundary-detection settings for one utterance.
type Config struct {
	SilenceMs      int     // trailing silence that finalizes an utterance
	Threshold      float64 // normalized RMS (0..1) above which a frame is voiced
	PTTEnabled     bool    // explicit push-to-talk boundaries, VAD ignored
	SampleRate     int     // samples per second; 0 means 24000
	MaxUtteranceMs int     // 0 means DefaultMaxUtteranceMs
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.SilenceMs <= 0 {
		out.SilenceMs = DefaultSilenceMs
	}
	if out.Threshold <= 0 {
		out.Threshold = DefaultThreshold
	}
	if out.SampleRate <= 0 {
		out.SampleRate = 24000
	}
	if out.MaxUtteranceMs <= 0 {
		out.MaxUtteranceMs = DefaultMaxUtteranceMs
	}
	return out
}

// Utterance is one bounded span of user speech, handed off by value when
// finalized. The PCM slice is owned by the receiver from that point on.
type Utterance struct {
	PCM        []byte
	DurationMs int
	Forced     bool // finalized by the max-duration cap, not by silence/PTT
}

type prerollFrame struct {
	pcm []byte
	ms  float64
}

// Detector accumulates frames and reports utterance boundaries. It is not
// safe for concurrent use; the session feeds it from its single read loop.
type Detector struct {
	next    Config // applied at the next boundary evaluation
	cfg     Config // latched for the utterance in progress
	latched bool

	active    bool // an utterance is being accumulated
	pttDown   bool
	buf       []byte
	bufMs     float64
	silenceMs float64

	preroll   []prerollFrame
	prerollMs float64
}

// New creates a detector with the given initial config.
func New(cfg Config) *Detector {
	return &Detector{next: cfg.withDefaults()}
}

// SetConfig replaces the config used from the next boundary evaluation on.
// An utterance currently being ingested is unaffected.
func (d *Detector) SetConfig(cfg Config) {
	d.next = cfg.withDefaults()
}

// Config returns the config that will govern the next utterance.
func (d *Detector) Config() Config { return d.next }

// latch pins the active config for the utterance that is starting.
func (d *Detector) latch() {
	d.cfg = d.next
	d.latched = true
}

func (d *Detector) frameMs(frame []byte) float64 {
	cfg := d.next
	if d.latched {
		cfg = d.cfg
	}
	samples := len(frame) / 2
	return float64(samples) * 1000 / float64(cfg.SampleRate)
}

// Push feeds one PCM frame. It returns a finalized utterance and true when
// a boundary fires.
func (d *Detector) Push(frame []byte) (Utterance, bool) {
	if len(frame) < 2 {
		return Utterance{}, false
	}

	if !d.active && d.next.PTTEnabled || d.active && d.cfg.PTTEnabled {
		return d.pushPTT(frame)
	}
	return d.pushVAD(frame)
}

func (d *Detector) pushPTT(frame []byte) (Utterance, bool) {
	if !d.active || !d.pttDown {
		return Utterance{}, false
	}
	d.append(frame)
	if d.bufMs >= float64(d.cfg.MaxUtteranceMs) {
		return d.finalize(true), true
	}
	return Utterance{}, false
}

func (d *Detector) pushVAD(frame []byte) (Utterance, bool) {
	ms := d.frameMs(frame)
	voiced := RMS(frame) >= d.activeThreshold()

	if !d.active {
		if !voiced {
			// Not yet an utterance: keep a bounded preroll so the first
			// voiced frame does not lose its lead-in.
			d.pushPreroll(frame, ms)
			return Utterance{}, false
		}
		d.start()
		d.append(frame)
		return Utterance{}, false
	}

	d.append(frame)
	if voiced {
		d.silenceMs = 0
	} else {
		d.silenceMs += ms
		if d.silenceMs >= float64(d.cfg.SilenceMs) {
			return d.finalize(false), true
		}
	}
	if d.bufMs >= float64(d.cfg.MaxUtteranceMs) {
		return d.finalize(true), true
	}
	return Utterance{}, false
}

func (d *Detector) activeThreshold() float64 {
	if d.latched && d.active {
		return d.cfg.Threshold
	}
	return d.next.Threshold
}

// Down starts a push-to-talk utterance. No-op unless PTT mode is selected
// or an utterance is already in progress.
func (d *Detector) Down() {
	if d.active || !d.next.PTTEnabled {
		return
	}
	d.start()
	d.pttDown = true
}

// Up finalizes the push-to-talk utterance regardless of measured amplitude.
func (d *Detector) Up() (Utterance, bool) {
	if !d.active || !d.pttDown {
		return Utterance{}, false
	}
	d.pttDown = false
	if len(d.buf) == 0 {
		d.reset()
		return Utterance{}, false
	}
	return d.finalize(false), true
}

// Active reports whether an utterance is currently being accumulated.
func (d *Detector) Active() bool { return d.active }

func (d *Detector) start() {
	d.latch()
	d.active = true
	d.silenceMs = 0
	d.buf = d.buf[:0]
	d.bufMs = 0
	for _, f := range d.preroll {
		d.buf = append(d.buf, f.pcm...)
		d.bufMs += f.ms
	}
	d.preroll = d.preroll[:0]
	d.prerollMs = 0
}

func (d *Detector) append(frame []byte) {
	d.buf = append(d.buf, frame...)
	d.bufMs += d.frameMs(frame)
}

func (d *Detector) pushPreroll(frame []byte, ms float64) {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	d.preroll = append(d.preroll, prerollFrame{pcm: cp, ms: ms})
	d.prerollMs += ms
	for len(d.preroll) > 0 && d.prerollMs > prerollMs {
		d.prerollMs -= d.preroll[0].ms
		d.preroll = d.preroll[1:]
	}
}

func (d *Detector) finalize(forced bool) Utterance {
	pcm := make([]byte, len(d.buf))
	copy(pcm, d.buf)
	u := Utterance{
		PCM:        pcm,
		DurationMs: int(math.Round(d.bufMs)),
		Forced:     forced,
	}
	d.reset()
	return u
}

func (d *Detector) reset() {
	d.active = false
	d.pttDown = false
	d.latched = false
	d.buf = d.buf[:0]
	d.bufMs = 0
	d.silenceMs = 0
}

// RMS computes the root-mean-square amplitude of 16-bit little-endian PCM
// samples, normalized against full scale (0..1). Trailing odd bytes are
// ignored.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(pcm[2*i:]))
		f := float64(v)
		sum += f * f
	}
	return math.Sqrt(sum/float64(n)) / 32768.0
}
