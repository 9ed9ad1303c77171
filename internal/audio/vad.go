package audio

import (
	"math"
	"sync/atomic"
)

const (
	// DefaultVADThreshold is the RMS level above which a window counts as
	// speech.
	DefaultVADThreshold float32 = 0.01

	// DefaultVADHangover is the number of consecutive silent windows tolerated
	// before speech is considered over (10 × 20ms).
	DefaultVADHangover = 10
)

// VAD is an RMS energy voice activity detector with a silence hangover.
//
// Process and Reset must be called from a single goroutine (or under the
// caller's lock). SetThreshold is safe to call concurrently.
type VAD struct {
	threshold atomic.Uint32 // math.Float32bits
	hangover  int

	silentWindows int
	speaking      bool
}

func NewVAD(threshold float32, hangover int) *VAD {
	if hangover < 0 {
		hangover = DefaultVADHangover
	}
	v := &VAD{hangover: hangover}
	v.SetThreshold(threshold)
	return v
}

func (v *VAD) SetThreshold(threshold float32) {
	if threshold < 0 || math.IsNaN(float64(threshold)) {
		threshold = 0
	}
	v.threshold.Store(math.Float32bits(threshold))
}

func (v *VAD) Threshold() float32 {
	return math.Float32frombits(v.threshold.Load())
}

func (v *VAD) Speaking() bool { return v.speaking }

// Process classifies one window and reports the resulting decision and
// whether it differs from the previous one.
func (v *VAD) Process(window []float32) (speaking, changed bool) {
	prev := v.speaking
	if RMS(window) > v.Threshold() {
		v.speaking = true
		v.silentWindows = 0
	} else {
		v.silentWindows++
		if v.silentWindows > v.hangover {
			v.speaking = false
		}
	}
	return v.speaking, v.speaking != prev
}

// Reset returns the detector to "not speaking" and reports whether that was
// a transition.
func (v *VAD) Reset() (changed bool) {
	changed = v.speaking
	v.speaking = false
	v.silentWindows = 0
	return changed
}

// RMS returns the root mean square of samples, or 0 for an empty slice.
func RMS(samples []float32) float32 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return float32(math.Sqrt(sum / float64(len(samples))))
}
