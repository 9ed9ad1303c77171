package audio

import (
	"math"
	"sync/atomic"

	"github.com/p2pvoice/voicelink/internal/wire"
)

// Playback feeds decoded network audio to the speaker callback.
type Playback struct {
	deviceRate int
	jitter     *JitterBuffer

	deafened atomic.Bool
	closed   atomic.Bool
	dropped  atomic.Uint64
}

// NewPlayback sizes the jitter buffer to frames × 20ms at the device rate.
// A zero deviceRate means wire.SampleRate; non-positive frames selects
// DefaultJitterFrames.
func NewPlayback(deviceRate, frames int) *Playback {
	if deviceRate <= 0 {
		deviceRate = wire.SampleRate
	}
	if frames <= 0 {
		frames = DefaultJitterFrames
	}
	capacity := int(math.Round(float64(frames*wire.FrameSamples) * float64(deviceRate) / wire.SampleRate))
	return &Playback{
		deviceRate: deviceRate,
		jitter:     NewJitterBuffer(capacity),
	}
}

func (p *Playback) DeviceRate() int { return p.deviceRate }

// Enqueue converts samples from sampleRate to the device rate and buffers
// them. A sampleRate outside the wire bounds is taken as wire.SampleRate.
// Audio received while deafened or after Close is discarded.
func (p *Playback) Enqueue(samples []float32, sampleRate int) {
	if p.closed.Load() || p.deafened.Load() {
		p.dropped.Add(1)
		return
	}
	if !wire.ValidSampleRate(sampleRate) {
		sampleRate = wire.SampleRate
	}
	if sampleRate != p.deviceRate {
		samples = Resample(samples, sampleRate, p.deviceRate)
	}
	p.jitter.Enqueue(samples)
}

// Read is the speaker callback. It always fills out completely and returns
// the number of real (non-silence) samples written.
func (p *Playback) Read(out []float32) int {
	if p.deafened.Load() || p.closed.Load() {
		clear(out)
		return 0
	}
	return p.jitter.Read(out)
}

// SetDeafened silences output and drops buffered audio while deafened.
func (p *Playback) SetDeafened(deafened bool) {
	if p.deafened.Swap(deafened) != deafened && deafened {
		p.jitter.Clear()
	}
}

func (p *Playback) Deafened() bool { return p.deafened.Load() }

// Reset drops buffered audio, e.g. when a call ends.
func (p *Playback) Reset() { p.jitter.Clear() }

// Close releases buffered audio. Calling Close more than once is a no-op.
func (p *Playback) Close() {
	if p.closed.Swap(true) {
		return
	}
	p.jitter.Clear()
}

type PlaybackStats struct {
	JitterStats
	Dropped uint64
}

func (p *Playback) Stats() PlaybackStats {
	return PlaybackStats{JitterStats: p.jitter.Stats(), Dropped: p.dropped.Load()}
}
