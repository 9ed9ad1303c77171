package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"

	"github.com/p2pvoice/voicelink/internal/webrtcpeer"
)

type MessageType string

const (
	MessageTypeJoin            MessageType = "join"
	MessageTypeReady           MessageType = "ready"
	MessageTypeOffer           MessageType = "offer"
	MessageTypeAnswer          MessageType = "answer"
	MessageTypeICERestartOffer MessageType = "ice-restart-offer"
	MessageTypeCandidate       MessageType = "candidate"
	MessageTypePeerLeft        MessageType = "peer-left"
	MessageTypeLeave           MessageType = "leave"
	MessageTypeError           MessageType = "error"
)

// Error codes sent in MessageTypeError frames.
const (
	ErrorCodeBadMessage   = "bad_message"
	ErrorCodeUnauthorized = "unauthorized"
	ErrorCodeRoomFull     = "room_full"
	ErrorCodeNoPeer       = "no_peer"
	ErrorCodeRateLimited  = "rate_limited"
	ErrorCodeShuttingDown = "shutting_down"
)

const (
	RoleOfferer  = "offerer"
	RoleAnswerer = "answerer"
)

type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

type Message struct {
	Type MessageType `json:"type"`

	// join
	Room   string `json:"room,omitempty"`
	APIKey string `json:"apiKey,omitempty"`

	// ready, peer-left
	Role   string `json:"role,omitempty"`
	PeerID string `json:"peerId,omitempty"`

	SDP       *SDP       `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ParseMessage decodes exactly one message, rejecting unknown fields,
// trailing data and fields that do not belong to the message type.
func ParseMessage(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := msg.validate(); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (m Message) hasJoinFields() bool    { return m.Room != "" || m.APIKey != "" }
func (m Message) hasPeerFields() bool    { return m.Role != "" || m.PeerID != "" }
func (m Message) hasErrorFields() bool   { return m.Code != "" || m.Message != "" }
func (m Message) hasPayloadFields() bool { return m.SDP != nil || m.Candidate != nil }

func (m Message) validate() error {
	switch m.Type {
	case MessageTypeJoin:
		if m.Room == "" {
			return fmt.Errorf("join message missing room")
		}
		if m.hasPeerFields() || m.hasPayloadFields() || m.hasErrorFields() {
			return fmt.Errorf("join message has unexpected fields")
		}
	case MessageTypeReady, MessageTypePeerLeft:
		if m.Role != RoleOfferer && m.Role != RoleAnswerer {
			return fmt.Errorf("%s message has role=%q", m.Type, m.Role)
		}
		if m.hasJoinFields() || m.hasPayloadFields() || m.hasErrorFields() {
			return fmt.Errorf("%s message has unexpected fields", m.Type)
		}
	case MessageTypeOffer, MessageTypeICERestartOffer, MessageTypeAnswer:
		want := "offer"
		if m.Type == MessageTypeAnswer {
			want = "answer"
		}
		if m.SDP == nil {
			return fmt.Errorf("%s message missing sdp", m.Type)
		}
		if m.SDP.Type != want {
			return fmt.Errorf("%s message has sdp.type=%q", m.Type, m.SDP.Type)
		}
		if m.SDP.SDP == "" {
			return fmt.Errorf("%s message has empty sdp", m.Type)
		}
		if m.Candidate != nil || m.hasJoinFields() || m.hasPeerFields() || m.hasErrorFields() {
			return fmt.Errorf("%s message has unexpected fields", m.Type)
		}
	case MessageTypeCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("candidate message missing candidate")
		}
		if m.SDP != nil || m.hasJoinFields() || m.hasPeerFields() || m.hasErrorFields() {
			return fmt.Errorf("candidate message has unexpected fields")
		}
	case MessageTypeLeave:
		if m.hasJoinFields() || m.hasPeerFields() || m.hasPayloadFields() || m.hasErrorFields() {
			return fmt.Errorf("leave message has unexpected fields")
		}
	case MessageTypeError:
		if m.Code == "" || m.Message == "" {
			return fmt.Errorf("error message missing code/message")
		}
		if m.hasJoinFields() || m.hasPeerFields() || m.hasPayloadFields() {
			return fmt.Errorf("error message has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

// isPeerMessage reports whether the relay forwards m to the other peer.
func (m Message) isPeerMessage() bool {
	switch m.Type {
	case MessageTypeOffer, MessageTypeICERestartOffer, MessageTypeAnswer, MessageTypeCandidate:
		return true
	default:
		return false
	}
}

func descriptionMessage(kind webrtcpeer.DescriptionKind, desc webrtc.SessionDescription) (Message, error) {
	var t MessageType
	switch kind {
	case webrtcpeer.DescriptionOffer:
		t = MessageTypeOffer
	case webrtcpeer.DescriptionAnswer:
		t = MessageTypeAnswer
	case webrtcpeer.DescriptionICERestartOffer:
		t = MessageTypeICERestartOffer
	default:
		return Message{}, fmt.Errorf("unsupported description kind %q", kind)
	}
	sdp := SDPFromPion(desc)
	return Message{Type: t, SDP: &sdp}, nil
}

func errorMessage(code, message string) Message {
	return Message{Type: MessageTypeError, Code: code, Message: message}
}
