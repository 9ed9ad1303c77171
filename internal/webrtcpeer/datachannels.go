package webrtcpeer

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// DataChannelLabelAudio is the label of the single DataChannel that carries
// audio frames and reactions.
const DataChannelLabelAudio = "audio"

// CreateAudioDataChannel creates the audio channel: unordered with
// maxRetransmits=0, so a late frame is dropped rather than retransmitted.
func CreateAudioDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := false
	maxRetransmits := uint16(0)
	return pc.CreateDataChannel(DataChannelLabelAudio, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
	})
}

func validateAudioDataChannel(dc *webrtc.DataChannel) error {
	if dc.Label() != DataChannelLabelAudio {
		return fmt.Errorf("expected label=%q (got %q)", DataChannelLabelAudio, dc.Label())
	}
	if dc.Ordered() {
		return fmt.Errorf("audio datachannel must be unordered (ordered=true)")
	}
	if dc.MaxPacketLifeTime() != nil {
		return fmt.Errorf("audio datachannel must not set maxPacketLifeTime (use maxRetransmits=0)")
	}
	maxRetransmits := dc.MaxRetransmits()
	if maxRetransmits == nil || *maxRetransmits != 0 {
		return fmt.Errorf("audio datachannel must set maxRetransmits=0")
	}
	return nil
}
