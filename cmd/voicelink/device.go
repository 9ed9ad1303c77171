package main

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/p2pvoice/voicelink/internal/audio"
)

const (
	devicePeriod  = 20 * time.Millisecond
	toneHz        = 440
	toneAmplitude = 0.3
	// meterEvery is how often the playback level is logged while audio is
	// arriving.
	meterEvery = time.Second
)

// audioEndpoint is the part of call.Controller a sound device talks to.
type audioEndpoint interface {
	OnCaptureFrame(samples []float32)
	RequestPlaybackFrame(out []float32) int
}

// toneDevice stands in for a sound card: it captures a test tone or silence
// and drains playback on a fixed period.
type toneDevice struct {
	ep  audioEndpoint
	log *slog.Logger

	talking atomic.Bool

	captureRate float64
	phase       float64
	capture     []float32
	playback    []float32

	receiving bool
	peak      float32
	lastMeter time.Time
}

func newToneDevice(ep audioEndpoint, captureRate, playbackRate int, logger *slog.Logger) *toneDevice {
	return &toneDevice{
		ep:          ep,
		log:         logger,
		captureRate: float64(captureRate),
		capture:     make([]float32, captureRate/int(time.Second/devicePeriod)),
		playback:    make([]float32, playbackRate/int(time.Second/devicePeriod)),
	}
}

// ToggleTalking switches the test tone and reports the new state.
func (d *toneDevice) ToggleTalking() bool {
	for {
		old := d.talking.Load()
		if d.talking.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

func (d *toneDevice) run(ctx context.Context) {
	ticker := time.NewTicker(devicePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.tick(now)
		}
	}
}

func (d *toneDevice) tick(now time.Time) {
	d.fillCapture()
	d.ep.OnCaptureFrame(d.capture)

	n := d.ep.RequestPlaybackFrame(d.playback)
	level := audio.RMS(d.playback)
	d.meter(now, n > 0, level)
}

func (d *toneDevice) fillCapture() {
	if !d.talking.Load() {
		clear(d.capture)
		return
	}
	step := 2 * math.Pi * toneHz / d.captureRate
	for i := range d.capture {
		d.capture[i] = float32(toneAmplitude * math.Sin(d.phase))
		d.phase += step
	}
	d.phase = math.Mod(d.phase, 2*math.Pi)
}

func (d *toneDevice) meter(now time.Time, receiving bool, level float32) {
	if receiving != d.receiving {
		d.receiving = receiving
		d.log.Info("remote audio", "receiving", receiving)
		d.peak = 0
		d.lastMeter = now
	}
	if !receiving {
		return
	}
	d.peak = max(d.peak, level)
	if now.Sub(d.lastMeter) < meterEvery {
		return
	}
	d.log.Info("remote level", "rms_peak", d.peak)
	d.peak = 0
	d.lastMeter = now
}
