package audio

import (
	"fmt"
	"math"
)

// Resampler converts mono float32 audio between two sample rates using linear
// interpolation.
//
// Each call is independent: no state is carried between buffers, so callers
// should pass whole frames.
type Resampler struct {
	inRate  int
	outRate int
	ratio   float64 // inRate / outRate
}

func NewResampler(inRate, outRate int) (*Resampler, error) {
	if inRate <= 0 || outRate <= 0 {
		return nil, fmt.Errorf("audio: sample rates must be positive (in=%d out=%d)", inRate, outRate)
	}
	return &Resampler{
		inRate:  inRate,
		outRate: outRate,
		ratio:   float64(inRate) / float64(outRate),
	}, nil
}

func (r *Resampler) InRate() int  { return r.inRate }
func (r *Resampler) OutRate() int { return r.outRate }

// Passthrough reports whether the rates are equal.
func (r *Resampler) Passthrough() bool { return r.inRate == r.outRate }

// Resample returns a new buffer of round(len(in)·outRate/inRate) samples.
//
// Output sample i is in[j]·(1-frac) + in[min(j+1, len(in)-1)]·frac where
// j = floor(i·r), frac = i·r - j and r = inRate/outRate.
func (r *Resampler) Resample(in []float32) []float32 {
	if len(in) == 0 {
		return []float32{}
	}
	if r.Passthrough() {
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}

	n := int(math.Round(float64(len(in)) / r.ratio))
	out := make([]float32, n)
	last := len(in) - 1
	for i := range out {
		pos := float64(i) * r.ratio
		j := int(pos)
		frac := pos - float64(j)
		if j > last {
			j = last
		}
		next := j + 1
		if next > last {
			next = last
		}
		out[i] = float32(float64(in[j])*(1-frac) + float64(in[next])*frac)
	}
	return out
}

// Resample converts in from inRate to outRate. Non-positive rates return a
// copy of in.
func Resample(in []float32, inRate, outRate int) []float32 {
	r, err := NewResampler(inRate, outRate)
	if err != nil {
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}
	return r.Resample(in)
}
