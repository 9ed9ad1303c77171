package webrtcpeer

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/p2pvoice/voicelink/internal/transport"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// stateFromPeerConnection maps pion's connection state onto the session FSM.
// new and connecting report ok=false: the session already says connecting
// once negotiation starts.
func stateFromPeerConnection(s webrtc.PeerConnectionState) (State, bool) {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		return StateConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return StateReconnecting, true
	case webrtc.PeerConnectionStateFailed:
		return StateFailed, true
	case webrtc.PeerConnectionStateClosed:
		return StateDisconnected, true
	default:
		return 0, false
	}
}

type Role int

const (
	RoleUnset Role = iota
	RoleOfferer
	RoleAnswerer
)

func (r Role) String() string {
	switch r {
	case RoleOfferer:
		return "offerer"
	case RoleAnswerer:
		return "answerer"
	default:
		return "unset"
	}
}

// DescriptionKind tags an outbound session description for the signaling
// channel.
type DescriptionKind string

const (
	DescriptionOffer           DescriptionKind = "offer"
	DescriptionAnswer          DescriptionKind = "answer"
	DescriptionICERestartOffer DescriptionKind = "ice-restart-offer"
)

// Signaler delivers locally produced signaling data to the remote peer.
type Signaler interface {
	SendDescription(ctx context.Context, kind DescriptionKind, desc webrtc.SessionDescription) error
	SendCandidate(ctx context.Context, candidate webrtc.ICECandidateInit) error
}

// Observer receives session events in order, on a dedicated goroutine and
// never while the session holds its lock. Implementations may call back into
// the session.
type Observer interface {
	StateChanged(prev, next State)
	// AudioChannel is called once per call with the audio DataChannel: on the
	// offerer when it is created, on the answerer when the remote opens it.
	AudioChannel(dc transport.DataChannel)
}

var (
	ErrAlreadyNegotiating = errors.New("webrtcpeer: negotiation already started")
	ErrWrongRole          = errors.New("webrtcpeer: operation not valid for session role")
	ErrNoLocalOffer       = errors.New("webrtcpeer: no local offer awaiting an answer")
	ErrSessionClosed      = errors.New("webrtcpeer: session closed")
)

// NegotiationError reports a failed offer/answer step. The session cannot
// recover from it; the call should be torn down.
type NegotiationError struct {
	Op  string
	Err error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("webrtcpeer: %s: %v", e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }
