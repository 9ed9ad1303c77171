package audio

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/p2pvoice/voicelink/internal/wire"
)

// FrameSink receives one 48 kHz window that should be transmitted. It must
// not block.
type FrameSink func(frame []float32)

type CaptureConfig struct {
	// DeviceSampleRate is the microphone rate. Zero means wire.SampleRate.
	DeviceSampleRate int

	Threshold float32
	// Hangover is the number of silent windows tolerated before speech ends.
	// Negative selects DefaultVADHangover.
	Hangover int
}

// Capture turns microphone buffers into VAD-gated 960-sample frames.
//
// Write may be called from the audio callback goroutine while SetMuted and
// SetThreshold are called from elsewhere.
type Capture struct {
	log        *slog.Logger
	sink       FrameSink
	onSpeaking func(speaking bool)

	resampler *Resampler
	muted     atomic.Bool
	speaking  atomic.Bool
	frames    atomic.Uint64
	sent      atomic.Uint64

	mu      sync.Mutex
	vad     *VAD
	pending []float32
}

func NewCapture(cfg CaptureConfig, sink FrameSink, onSpeaking func(bool), logger *slog.Logger) (*Capture, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rate := cfg.DeviceSampleRate
	if rate == 0 {
		rate = wire.SampleRate
	}
	r, err := NewResampler(rate, wire.SampleRate)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		sink = func([]float32) {}
	}
	if onSpeaking == nil {
		onSpeaking = func(bool) {}
	}
	return &Capture{
		log:        logger,
		sink:       sink,
		onSpeaking: onSpeaking,
		resampler:  r,
		vad:        NewVAD(cfg.Threshold, cfg.Hangover),
		pending:    make([]float32, 0, 2*wire.FrameSamples),
	}, nil
}

type captureEvent struct {
	frame           []float32
	speakingChanged bool
	speaking        bool
}

// Write accepts device-rate samples. Every complete window is classified; only
// windows classified as speech are handed to the sink.
func (c *Capture) Write(samples []float32) {
	if len(samples) == 0 {
		return
	}

	if !c.resampler.Passthrough() {
		samples = c.resampler.Resample(samples)
	}

	var events []captureEvent

	c.mu.Lock()
	if c.muted.Load() {
		c.mu.Unlock()
		return
	}
	c.pending = append(c.pending, samples...)
	for len(c.pending) >= wire.FrameSamples {
		window := make([]float32, wire.FrameSamples)
		copy(window, c.pending[:wire.FrameSamples])
		c.pending = c.pending[wire.FrameSamples:]
		c.frames.Add(1)

		speaking, changed := c.vad.Process(window)
		if changed {
			events = append(events, captureEvent{speakingChanged: true, speaking: speaking})
		}
		if speaking {
			events = append(events, captureEvent{frame: window})
		}
	}
	// Compact so the backing array does not grow without bound.
	if cap(c.pending) > 4*wire.FrameSamples {
		c.pending = append(make([]float32, 0, 2*wire.FrameSamples), c.pending...)
	}
	c.mu.Unlock()

	c.emit(events)
}

func (c *Capture) emit(events []captureEvent) {
	for _, ev := range events {
		if ev.speakingChanged {
			c.speaking.Store(ev.speaking)
			c.onSpeaking(ev.speaking)
			continue
		}
		c.sent.Add(1)
		c.sink(ev.frame)
	}
}

// SetMuted gates transmission. Muting discards partially accumulated audio and
// ends any speech in progress.
func (c *Capture) SetMuted(muted bool) {
	c.mu.Lock()
	if c.muted.Swap(muted) == muted {
		c.mu.Unlock()
		return
	}
	var events []captureEvent
	if muted {
		c.pending = c.pending[:0]
		if c.vad.Reset() {
			events = append(events, captureEvent{speakingChanged: true, speaking: false})
		}
	}
	c.mu.Unlock()

	c.log.Debug("capture mute toggled", "muted", muted)
	c.emit(events)
}

func (c *Capture) Muted() bool { return c.muted.Load() }

// SetThreshold adjusts the VAD threshold without interrupting capture.
func (c *Capture) SetThreshold(threshold float32) {
	c.vad.SetThreshold(threshold)
}

func (c *Capture) Threshold() float32 { return c.vad.Threshold() }

func (c *Capture) Speaking() bool { return c.speaking.Load() }

// Reset drops buffered samples and VAD state without emitting events.
func (c *Capture) Reset() {
	c.mu.Lock()
	c.pending = c.pending[:0]
	c.vad.Reset()
	c.mu.Unlock()
	c.speaking.Store(false)
}

type CaptureStats struct {
	Windows uint64
	Sent    uint64
}

func (c *Capture) Stats() CaptureStats {
	return CaptureStats{Windows: c.frames.Load(), Sent: c.sent.Load()}
}
