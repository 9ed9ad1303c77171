package wire

import (
	"encoding/json"
	"math"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeSamples_KnownVectors(t *testing.T) {
	cases := []struct {
		name    string
		samples []float32
		want    string
	}{
		{name: "empty", samples: nil, want: ""},
		{name: "one", samples: []float32{1.0}, want: "AACAPw=="},
		{name: "half", samples: []float32{0.5}, want: "AAAAPw=="},
		{name: "pair", samples: []float32{1.0, -1.0}, want: "AACAPwAAgL8="},
		{name: "triple", samples: []float32{0, 0.25, -0.5}, want: "AAAAAAAAgD4AAAC/"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, EncodeSamples(tc.samples))
		})
	}
}

func TestDecodeSamples_RoundTripIsExact(t *testing.T) {
	in := make([]float32, FrameSamples)
	for i := range in {
		in[i] = float32(math.Sin(float64(i)*0.037)) * 0.8
	}
	in[1] = math.SmallestNonzeroFloat32
	in[2] = float32(math.Copysign(0, -1))

	out, err := DecodeSamples(EncodeSamples(in))
	require.NoError(t, err)
	require.Len(t, out, FrameSamples)
	for i := range in {
		require.Equal(t, math.Float32bits(in[i]), math.Float32bits(out[i]), "sample %d", i)
	}
}

func TestDecodeSamples_Errors(t *testing.T) {
	_, err := DecodeSamples("not base64!!")
	require.ErrorIs(t, err, ErrInvalidBase64)

	// Three bytes: not a whole sample.
	_, err = DecodeSamples("AAAA")
	require.ErrorIs(t, err, ErrSampleAlignment)
}

func TestMarshalAudio_Shape(t *testing.T) {
	data, err := MarshalAudio([]float32{1.0})
	require.NoError(t, err)
	require.JSONEq(t, `{"audio":"AACAPw==","sampleRate":48000,"channels":1}`, string(data))
}

func TestMarshalReaction_Shape(t *testing.T) {
	data, err := MarshalReaction("🎉")
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, map[string]any{"type": "reaction", "emoji": "🎉"}, got)
}

func TestParse_Reaction(t *testing.T) {
	msg := Parse([]byte(`{"type":"reaction","emoji":"👍"}`))
	require.Equal(t, KindReaction, msg.Kind)
	require.Equal(t, "👍", msg.Emoji)
	require.Nil(t, msg.Samples)
}

func TestParse_AudioPacket(t *testing.T) {
	data, err := MarshalAudio([]float32{0.5, -0.25})
	require.NoError(t, err)

	msg := Parse(data)
	require.Equal(t, KindAudio, msg.Kind)
	require.False(t, msg.Fallback)
	require.Equal(t, SampleRate, msg.SampleRate)
	require.Equal(t, []float32{0.5, -0.25}, msg.Samples)
}

func TestParse_AudioWithoutSampleRateDefaultsToCanonical(t *testing.T) {
	msg := Parse([]byte(`{"audio":"AACAPw=="}`))
	require.Equal(t, KindAudio, msg.Kind)
	require.Equal(t, SampleRate, msg.SampleRate)
	require.Equal(t, []float32{1.0}, msg.Samples)
}

func TestParse_OutOfRangeSampleRateIsCanonical(t *testing.T) {
	audio := EncodeSamples(make([]float32, FrameSamples))
	for _, rate := range []int{1, MinSampleRate - 1, MaxSampleRate + 1, 1 << 30} {
		msg := Parse([]byte(`{"audio":"` + audio + `","sampleRate":` + strconv.Itoa(rate) + `,"channels":1}`))
		require.Equal(t, KindAudio, msg.Kind, "rate %d", rate)
		require.Equal(t, SampleRate, msg.SampleRate, "rate %d", rate)
		require.Len(t, msg.Samples, FrameSamples)
	}

	msg := Parse([]byte(`{"audio":"` + audio + `","sampleRate":16000,"channels":1}`))
	require.Equal(t, 16000, msg.SampleRate)
}

func TestParse_UnknownTypeWithAudioIsAudio(t *testing.T) {
	msg := Parse([]byte(`{"type":"voice","audio":"AAAAPw==","sampleRate":48000,"channels":1}`))
	require.Equal(t, KindAudio, msg.Kind)
	require.Equal(t, []float32{0.5}, msg.Samples)
}

func TestParse_StereoIsDownmixed(t *testing.T) {
	audio := EncodeSamples([]float32{1.0, 0, 0.5, 0.5})
	msg := Parse([]byte(`{"audio":"` + audio + `","sampleRate":48000,"channels":2}`))
	require.Equal(t, []float32{0.5, 0.5}, msg.Samples)
}

func TestParse_FallbacksNeverDrop(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want []float32
	}{
		{name: "unpadded base64 field", data: []byte(`{"audio":"AACAPwAAgL8"}`), want: []float32{1, -1}},
		{name: "bare json string", data: []byte(`"AACAPw=="`), want: []float32{1}},
		{name: "bare base64 text", data: []byte("AAAAPw==\n"), want: []float32{0.5}},
		{name: "raw bytes", data: AppendSampleBytes(nil, []float32{0.25, 0.5}), want: []float32{0.25, 0.5}},
		{name: "raw bytes with trailing partial sample", data: append(AppendSampleBytes(nil, []float32{0.25}), 0x01), want: []float32{0.25}},
		{name: "empty", data: nil, want: []float32{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg := Parse(tc.data)
			require.Equal(t, KindAudio, msg.Kind)
			require.True(t, msg.Fallback)
			require.Equal(t, tc.want, msg.Samples)
		})
	}
}

func TestParse_NonFiniteSamplesAreSilenced(t *testing.T) {
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))
	msg := Parse([]byte(`{"audio":"` + EncodeSamples([]float32{nan, 0.5, inf}) + `"}`))
	require.Equal(t, []float32{0, 0.5, 0}, msg.Samples)
}
