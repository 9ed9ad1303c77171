package wire

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"math"
)

// Kind identifies the payload carried by a parsed message.
type Kind int

const (
	KindAudio Kind = iota
	KindReaction
)

func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindReaction:
		return "reaction"
	default:
		return "unknown"
	}
}

// Message is the receive-side view of one DataChannel message.
type Message struct {
	Kind Kind

	// Samples holds mono audio for KindAudio.
	Samples []float32
	// SampleRate is the rate Samples were produced at.
	SampleRate int

	// Emoji holds the reaction for KindReaction.
	Emoji string

	// Fallback is set when the payload was not a well-formed audio packet and
	// Samples came from a best-effort raw interpretation.
	Fallback bool
}

type envelope struct {
	Type       *string `json:"type"`
	Emoji      string  `json:"emoji"`
	Audio      *string `json:"audio"`
	SampleRate int     `json:"sampleRate"`
	Channels   int     `json:"channels"`
}

// Parse classifies and decodes one inbound message. It never fails: payloads
// that are neither a reaction nor a well-formed audio packet are interpreted
// as raw audio, first as a bare base64 string and then as raw little-endian
// bytes.
//
// Non-finite samples are replaced with silence.
func Parse(data []byte) Message {
	var env envelope
	if err := json.Unmarshal(data, &env); err == nil {
		if env.Type != nil && *env.Type == TypeReaction {
			return Message{Kind: KindReaction, Emoji: env.Emoji}
		}
		if env.Audio != nil {
			return parseAudioEnvelope(env, data)
		}
	}

	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		if raw, ok := decodeBase64Lenient(bare); ok {
			return fallbackAudio(raw)
		}
	}
	if raw, ok := decodeBase64Lenient(string(bytes.TrimSpace(data))); ok {
		return fallbackAudio(raw)
	}
	return fallbackAudio(data)
}

func parseAudioEnvelope(env envelope, data []byte) Message {
	rate := env.SampleRate
	if !ValidSampleRate(rate) {
		rate = SampleRate
	}

	samples, err := DecodeSamples(*env.Audio)
	if err != nil {
		raw, ok := decodeBase64Lenient(*env.Audio)
		if !ok {
			raw = data
		}
		msg := fallbackAudio(raw)
		msg.SampleRate = rate
		return msg
	}

	if env.Channels > 1 {
		samples = downmix(samples, env.Channels)
	}
	sanitize(samples)
	return Message{Kind: KindAudio, Samples: samples, SampleRate: rate}
}

func fallbackAudio(raw []byte) Message {
	samples := SamplesFromBytes(raw)
	sanitize(samples)
	return Message{Kind: KindAudio, Samples: samples, SampleRate: SampleRate, Fallback: true}
}

// decodeBase64Lenient accepts the padded and unpadded forms of both base64
// alphabets.
func decodeBase64Lenient(s string) ([]byte, bool) {
	if s == "" {
		return nil, false
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if raw, err := enc.DecodeString(s); err == nil {
			return raw, true
		}
	}
	return nil, false
}

// downmix averages interleaved frames into mono.
func downmix(interleaved []float32, channels int) []float32 {
	frames := len(interleaved) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += interleaved[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

func sanitize(samples []float32) {
	for i, s := range samples {
		if math.IsNaN(float64(s)) || math.IsInf(float64(s), 0) {
			samples[i] = 0
		}
	}
}
