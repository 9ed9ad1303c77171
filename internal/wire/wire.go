// Package wire implements the text framing exchanged over the audio
// DataChannel.
//
// Audio is always carried as 48 kHz mono float32 PCM. Samples are serialized as
// little-endian IEEE-754 bytes and then base64 encoded (standard alphabet, with
// padding). Byte order and the 960-sample frame size are interop contracts with
// the native audio bridges and MUST NOT change.
package wire

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
)

const (
	// SampleRate is the canonical sample rate of every audio packet.
	SampleRate = 48000

	// MinSampleRate and MaxSampleRate bound the sampleRate a packet may
	// declare. Anything outside is treated as SampleRate.
	MinSampleRate = 8000
	MaxSampleRate = 192000

	// Channels is the canonical channel count of every audio packet.
	Channels = 1

	// FrameSamples is the number of samples in one capture window (20ms).
	FrameSamples = 960

	// BytesPerSample is the size of one encoded float32 sample.
	BytesPerSample = 4

	// TypeReaction tags reaction messages.
	TypeReaction = "reaction"
)

var (
	ErrInvalidBase64   = errors.New("wire: invalid base64 audio payload")
	ErrSampleAlignment = errors.New("wire: audio payload is not a whole number of float32 samples")
)

// AudioPacket is the JSON shape of a voice message.
type AudioPacket struct {
	Audio      string `json:"audio"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// Reaction is the JSON shape of a reaction message.
type Reaction struct {
	Type  string `json:"type"`
	Emoji string `json:"emoji"`
}

// ValidSampleRate reports whether rate is within [MinSampleRate, MaxSampleRate].
func ValidSampleRate(rate int) bool {
	return rate >= MinSampleRate && rate <= MaxSampleRate
}

// EncodeSamples serializes samples as base64 little-endian float32.
func EncodeSamples(samples []float32) string {
	return base64.StdEncoding.EncodeToString(AppendSampleBytes(nil, samples))
}

// AppendSampleBytes appends the little-endian float32 representation of
// samples to dst.
func AppendSampleBytes(dst []byte, samples []float32) []byte {
	for _, s := range samples {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(s))
	}
	return dst
}

// DecodeSamples is the exact inverse of EncodeSamples.
func DecodeSamples(s string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidBase64
	}
	if len(raw)%BytesPerSample != 0 {
		return nil, ErrSampleAlignment
	}
	return SamplesFromBytes(raw), nil
}

// SamplesFromBytes interprets raw as little-endian float32 samples. Trailing
// bytes that do not form a whole sample are ignored.
func SamplesFromBytes(raw []byte) []float32 {
	n := len(raw) / BytesPerSample
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*BytesPerSample:]))
	}
	return out
}

// MarshalAudio builds the JSON text message for one frame of 48 kHz mono
// samples.
func MarshalAudio(samples []float32) ([]byte, error) {
	return json.Marshal(AudioPacket{
		Audio:      EncodeSamples(samples),
		SampleRate: SampleRate,
		Channels:   Channels,
	})
}

// MarshalReaction builds the JSON text message for a reaction.
func MarshalReaction(emoji string) ([]byte, error) {
	return json.Marshal(Reaction{Type: TypeReaction, Emoji: emoji})
}
