package signaling

import (
	"encoding/json"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/p2pvoice/voicelink/internal/webrtcpeer"
)

func TestParseMessage_Offer(t *testing.T) {
	msg, err := descriptionMessage(webrtcpeer.DescriptionOffer, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"})
	require.NoError(t, err, "descriptionMessage")
	b, err := json.Marshal(msg)
	require.NoError(t, err, "marshal")
	require.JSONEq(t, `{"type":"offer","sdp":{"type":"offer","sdp":"v=0"}}`, string(b))

	got, err := ParseMessage(b)
	require.NoError(t, err, "parse")
	desc, err := got.SDP.ToPion()
	require.NoError(t, err, "ToPion")
	require.Equal(t, MessageTypeOffer, got.Type)
	require.Equal(t, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}, desc)
}

func TestParseMessage_ICERestartOfferCarriesOfferSDP(t *testing.T) {
	got, err := ParseMessage([]byte(`{"type":"ice-restart-offer","sdp":{"type":"offer","sdp":"v=0"}}`))
	require.NoError(t, err, "parse")
	require.Equal(t, webrtcpeer.DescriptionICERestartOffer, descriptionKind(got.Type))

	_, err = ParseMessage([]byte(`{"type":"ice-restart-offer","sdp":{"type":"answer","sdp":"v=0"}}`))
	require.Error(t, err, "answer sdp in ice-restart-offer")
}

func TestParseMessage_Candidate(t *testing.T) {
	raw := []byte(`{
		"type":"candidate",
		"candidate":{
			"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host",
			"sdpMid":"0",
			"sdpMLineIndex":0
		}
	}`)

	got, err := ParseMessage(raw)
	require.NoError(t, err, "parse")
	init := got.Candidate.ToPion()
	require.NotEmpty(t, init.Candidate)
	require.NotNil(t, init.SDPMid)
	require.Equal(t, "0", *init.SDPMid)
	require.NotNil(t, init.SDPMLineIndex)
	require.Equal(t, uint16(0), *init.SDPMLineIndex)
}

func TestParseMessage_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown field":      `{"type":"leave","unexpected":true}`,
		"unknown type":       `{"type":"hello"}`,
		"trailing data":      `{"type":"leave"}{"type":"leave"}`,
		"join without room":  `{"type":"join"}`,
		"join with sdp":      `{"type":"join","room":"a","sdp":{"type":"offer","sdp":"v=0"}}`,
		"ready without role": `{"type":"ready"}`,
		"ready bad role":     `{"type":"ready","role":"host"}`,
		"offer without sdp":  `{"type":"offer"}`,
		"offer empty sdp":    `{"type":"offer","sdp":{"type":"offer","sdp":""}}`,
		"answer offer sdp":   `{"type":"answer","sdp":{"type":"offer","sdp":"v=0"}}`,
		"candidate missing":  `{"type":"candidate"}`,
		"leave with room":    `{"type":"leave","room":"a"}`,
		"error without code": `{"type":"error","message":"x"}`,
		"error with payload": `{"type":"error","code":"x","message":"y","sdp":{"type":"offer","sdp":"v=0"}}`,
		"not json":           `offer`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseMessage([]byte(raw))
			require.Error(t, err, raw)
		})
	}
}

func TestParseMessage_ControlMessages(t *testing.T) {
	for _, raw := range []string{
		`{"type":"join","room":"lobby","apiKey":"k"}`,
		`{"type":"ready","role":"offerer","peerId":"p1"}`,
		`{"type":"peer-left","role":"answerer"}`,
		`{"type":"leave"}`,
		`{"type":"error","code":"room_full","message":"room is full"}`,
	} {
		_, err := ParseMessage([]byte(raw))
		require.NoError(t, err, raw)
	}
}

func TestSDP_ToPionRejectsUnknownType(t *testing.T) {
	_, err := (SDP{Type: "pranswer", SDP: "v=0"}).ToPion()
	require.Error(t, err)
}

func TestRoleFromWire(t *testing.T) {
	require.Equal(t, webrtcpeer.RoleOfferer, roleFromWire(RoleOfferer))
	require.Equal(t, webrtcpeer.RoleAnswerer, roleFromWire(RoleAnswerer))
	require.Equal(t, webrtcpeer.RoleUnset, roleFromWire(""))
}
