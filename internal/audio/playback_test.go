package audio

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/p2pvoice/voicelink/internal/wire"
)

func TestPlayback_PassthroughAtWireRate(t *testing.T) {
	p := NewPlayback(0, 0)
	require.Equal(t, wire.SampleRate, p.DeviceRate())

	p.Enqueue(ramp(1, wire.FrameSamples), wire.SampleRate)
	out := make([]float32, wire.FrameSamples)
	require.Equal(t, wire.FrameSamples, p.Read(out))
	require.Equal(t, ramp(1, wire.FrameSamples), out)
}

func TestPlayback_ResamplesToDeviceRate(t *testing.T) {
	p := NewPlayback(16000, 0)
	require.Equal(t, 20*320, p.jitter.Capacity())

	p.Enqueue(constant(wire.FrameSamples, 0.5), wire.SampleRate)
	require.Equal(t, 320, p.jitter.Buffered())
}

func TestPlayback_OutOfRangeRateIsNotResampled(t *testing.T) {
	p := NewPlayback(0, 0)
	p.Enqueue(constant(wire.FrameSamples, 0.5), 1)
	require.Equal(t, wire.FrameSamples, p.jitter.Buffered())

	p.Reset()
	p.Enqueue(constant(wire.FrameSamples, 0.5), wire.MaxSampleRate*4)
	require.Equal(t, wire.FrameSamples, p.jitter.Buffered())
}

func TestPlayback_DeafenClearsAndSilences(t *testing.T) {
	p := NewPlayback(0, 0)
	p.Enqueue(constant(wire.FrameSamples, 0.5), 0)

	p.SetDeafened(true)
	require.True(t, p.Deafened())
	require.Zero(t, p.jitter.Buffered())

	p.Enqueue(constant(wire.FrameSamples, 0.5), 0)
	out := constant(10, 1)
	require.Zero(t, p.Read(out))
	require.Equal(t, make([]float32, 10), out)

	p.SetDeafened(false)
	require.Zero(t, p.jitter.Buffered())
	p.Enqueue(constant(10, 0.5), 0)
	require.Equal(t, 10, p.Read(out))
	require.Equal(t, uint64(1), p.Stats().Dropped)
}

func TestPlayback_CloseIsIdempotent(t *testing.T) {
	p := NewPlayback(0, 0)
	p.Enqueue(constant(10, 0.5), 0)
	p.Close()
	p.Close()

	require.Zero(t, p.jitter.Buffered())
	out := constant(4, 1)
	require.Zero(t, p.Read(out))
	require.Equal(t, make([]float32, 4), out)
}
