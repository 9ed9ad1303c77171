package webrtcpeer

import (
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/p2pvoice/voicelink/internal/transport"
)

// PeerConnection is the part of a WebRTC peer connection that Session drives.
// NewPeerConnection adapts a pion PeerConnection; tests substitute fakes.
type PeerConnection interface {
	CreateAudioChannel() (transport.DataChannel, error)
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	// OnICECandidate is called with nil once gathering completes.
	OnICECandidate(fn func(candidate *webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(state webrtc.PeerConnectionState))
	// OnAudioChannel is called when the remote side opens a valid audio
	// channel. Other channels are closed.
	OnAudioChannel(fn func(dc transport.DataChannel))

	Close() error
}

type pionPeer struct {
	pc  *webrtc.PeerConnection
	log *slog.Logger
}

// NewPeerConnection constructs a pion PeerConnection from api. STUN/TURN
// servers are only needed when the peers sit behind NATs.
func NewPeerConnection(api *webrtc.API, iceServers []webrtc.ICEServer, logger *slog.Logger) (PeerConnection, error) {
	if api == nil {
		api = webrtc.NewAPI()
	}
	if logger == nil {
		logger = slog.Default()
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, err
	}
	return &pionPeer{pc: pc, log: logger}, nil
}

func (p *pionPeer) CreateAudioChannel() (transport.DataChannel, error) {
	dc, err := CreateAudioDataChannel(p.pc)
	if err != nil {
		return nil, err
	}
	return pionDataChannel{dc: dc}, nil
}

func (p *pionPeer) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *pionPeer) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			fn(nil)
			return
		}
		init := c.ToJSON()
		fn(&init)
	})
}

func (p *pionPeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionPeer) OnAudioChannel(fn func(transport.DataChannel)) {
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if err := validateAudioDataChannel(dc); err != nil {
			var maxRetransmits any
			if v := dc.MaxRetransmits(); v != nil {
				maxRetransmits = int(*v)
			}
			p.log.Warn("rejecting datachannel",
				"label", dc.Label(),
				"ordered", dc.Ordered(),
				"max_retransmits", maxRetransmits,
				"err", err,
			)
			_ = dc.Close()
			return
		}
		fn(pionDataChannel{dc: dc})
	})
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

// pionDataChannel adapts *webrtc.DataChannel to transport.DataChannel.
type pionDataChannel struct {
	dc *webrtc.DataChannel
}

func (c pionDataChannel) Label() string           { return c.dc.Label() }
func (c pionDataChannel) SendText(s string) error { return c.dc.SendText(s) }
func (c pionDataChannel) BufferedAmount() uint64  { return c.dc.BufferedAmount() }
func (c pionDataChannel) OnOpen(fn func())        { c.dc.OnOpen(fn) }
func (c pionDataChannel) OnClose(fn func())       { c.dc.OnClose(fn) }
func (c pionDataChannel) Close() error            { return c.dc.Close() }

func (c pionDataChannel) OnMessage(fn func([]byte)) {
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		// Copy because pion reuses internal buffers.
		fn(append([]byte(nil), msg.Data...))
	})
}
