package signaling

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/p2pvoice/voicelink/internal/auth"
	"github.com/p2pvoice/voicelink/internal/config"
	"github.com/p2pvoice/voicelink/internal/metrics"
	"github.com/p2pvoice/voicelink/internal/origin"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newTestRelay(t *testing.T, cfg RelayConfig) (*Relay, string) {
	t.Helper()
	r := NewRelay(cfg)
	ts := httptest.NewServer(r.Handler())
	t.Cleanup(func() {
		r.Close()
		ts.Close()
	})
	return r, "ws" + strings.TrimPrefix(ts.URL, "http") + "/signal"
}

func dialRelay(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "dial")
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func writeMsg(t *testing.T, c *websocket.Conn, msg Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err, "marshal")
	require.NoError(t, c.WriteMessage(websocket.TextMessage, data), "write")
}

func readMsg(t *testing.T, c *websocket.Conn) Message {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ReadMessage()
	require.NoError(t, err, "read")
	msg, err := ParseMessage(data)
	require.NoError(t, err, "parse %s", data)
	return msg
}

func expectClose(t *testing.T, c *websocket.Conn, code int) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		require.True(t, websocket.IsCloseError(err, code), "err=%v, want close code %d", err, code)
		return
	}
}

func expectError(t *testing.T, c *websocket.Conn, code string) Message {
	t.Helper()
	msg := readMsg(t, c)
	require.Equal(t, MessageTypeError, msg.Type, "%#v", msg)
	require.Equal(t, code, msg.Code)
	return msg
}

func join(t *testing.T, c *websocket.Conn, room string) Message {
	t.Helper()
	writeMsg(t, c, Message{Type: MessageTypeJoin, Room: room})
	msg := readMsg(t, c)
	require.Equal(t, MessageTypeReady, msg.Type, "%#v", msg)
	return msg
}

func waitRoomSize(t *testing.T, r *Relay, room string, want int) {
	t.Helper()
	require.Eventually(t, func() bool { return r.RoomSize(room) == want }, 2*time.Second, 5*time.Millisecond,
		"room %q never reached size %d", room, want)
}

func TestRelay_PairsPeersWithComplementaryRoles(t *testing.T) {
	m := metrics.New()
	r, url := newTestRelay(t, RelayConfig{Metrics: m})

	a := dialRelay(t, url)
	readyA := join(t, a, "lobby")
	require.Equal(t, RoleAnswerer, readyA.Role)
	require.NotEmpty(t, readyA.PeerID)

	b := dialRelay(t, url)
	readyB := join(t, b, "lobby")
	require.Equal(t, RoleOfferer, readyB.Role)
	require.NotEqual(t, readyA.PeerID, readyB.PeerID)

	require.Equal(t, 2, r.RoomSize("lobby"))
	require.Equal(t, uint64(2), m.Get(metrics.SignalingPeersJoined))

	// Rooms are independent.
	c := dialRelay(t, url)
	require.Equal(t, RoleAnswerer, join(t, c, "other").Role)
}

func TestRelay_ForwardsPeerMessages(t *testing.T) {
	m := metrics.New()
	_, url := newTestRelay(t, RelayConfig{Metrics: m})

	a := dialRelay(t, url)
	join(t, a, "lobby")
	b := dialRelay(t, url)
	join(t, b, "lobby")

	writeMsg(t, b, Message{Type: MessageTypeOffer, SDP: &SDP{Type: "offer", SDP: "v=0 offer"}})
	got := readMsg(t, a)
	require.Equal(t, MessageTypeOffer, got.Type)
	require.Equal(t, "v=0 offer", got.SDP.SDP)

	writeMsg(t, a, Message{Type: MessageTypeAnswer, SDP: &SDP{Type: "answer", SDP: "v=0 answer"}})
	got = readMsg(t, b)
	require.Equal(t, MessageTypeAnswer, got.Type)
	require.Equal(t, "v=0 answer", got.SDP.SDP)

	mid := "0"
	writeMsg(t, a, Message{Type: MessageTypeCandidate, Candidate: &Candidate{Candidate: "candidate:1 1 udp 1 10.0.0.1 9 typ host", SDPMid: &mid}})
	got = readMsg(t, b)
	require.Equal(t, MessageTypeCandidate, got.Type)
	require.NotNil(t, got.Candidate.SDPMid)
	require.Equal(t, "0", *got.Candidate.SDPMid)

	writeMsg(t, b, Message{Type: MessageTypeICERestartOffer, SDP: &SDP{Type: "offer", SDP: "v=0 restart"}})
	require.Equal(t, MessageTypeICERestartOffer, readMsg(t, a).Type)

	require.Equal(t, uint64(4), m.Get(metrics.SignalingMessagesRelay))
}

func TestRelay_RejectsThirdPeer(t *testing.T) {
	m := metrics.New()
	r, url := newTestRelay(t, RelayConfig{Metrics: m})

	join(t, dialRelay(t, url), "lobby")
	join(t, dialRelay(t, url), "lobby")

	c := dialRelay(t, url)
	writeMsg(t, c, Message{Type: MessageTypeJoin, Room: "lobby"})
	expectError(t, c, ErrorCodeRoomFull)
	expectClose(t, c, websocket.CloseTryAgainLater)

	require.Equal(t, 2, r.RoomSize("lobby"))
	require.Equal(t, uint64(1), m.Get(metrics.SignalingRoomFull))
}

func TestRelay_PeerLeftMakesRemainingPeerAnswerer(t *testing.T) {
	r, url := newTestRelay(t, RelayConfig{})

	a := dialRelay(t, url)
	join(t, a, "lobby")
	b := dialRelay(t, url)
	readyB := join(t, b, "lobby")

	writeMsg(t, b, Message{Type: MessageTypeLeave})
	expectClose(t, b, websocket.CloseNormalClosure)

	left := readMsg(t, a)
	require.Equal(t, MessageTypePeerLeft, left.Type)
	require.Equal(t, RoleAnswerer, left.Role)
	require.Equal(t, readyB.PeerID, left.PeerID)
	waitRoomSize(t, r, "lobby", 1)

	c := dialRelay(t, url)
	require.Equal(t, RoleOfferer, join(t, c, "lobby").Role, "rejoin")

	// An abrupt disconnect is reported the same way.
	_ = c.Close()
	require.Equal(t, MessageTypePeerLeft, readMsg(t, a).Type)
	waitRoomSize(t, r, "lobby", 1)

	_ = a.Close()
	waitRoomSize(t, r, "lobby", 0)
}

func TestRelay_NoPeerIsNotFatal(t *testing.T) {
	_, url := newTestRelay(t, RelayConfig{})

	a := dialRelay(t, url)
	join(t, a, "lobby")
	writeMsg(t, a, Message{Type: MessageTypeCandidate, Candidate: &Candidate{Candidate: "candidate:1"}})
	expectError(t, a, ErrorCodeNoPeer)

	b := dialRelay(t, url)
	join(t, b, "lobby")
	writeMsg(t, b, Message{Type: MessageTypeOffer, SDP: &SDP{Type: "offer", SDP: "v=0"}})
	require.Equal(t, MessageTypeOffer, readMsg(t, a).Type)
}

func TestRelay_RequiresJoinFirst(t *testing.T) {
	m := metrics.New()
	_, url := newTestRelay(t, RelayConfig{Metrics: m})

	c := dialRelay(t, url)
	writeMsg(t, c, Message{Type: MessageTypeOffer, SDP: &SDP{Type: "offer", SDP: "v=0"}})
	expectError(t, c, ErrorCodeBadMessage)
	expectClose(t, c, websocket.ClosePolicyViolation)
	require.Equal(t, uint64(1), m.Get(metrics.SignalingBadMessage))
}

func TestRelay_RejectsMalformedAndBinaryMessages(t *testing.T) {
	_, url := newTestRelay(t, RelayConfig{})

	c := dialRelay(t, url)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"type":"join","room":"a","extra":1}`)), "write")
	expectError(t, c, ErrorCodeBadMessage)
	expectClose(t, c, websocket.ClosePolicyViolation)

	d := dialRelay(t, url)
	require.NoError(t, d.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}), "write")
	expectError(t, d, ErrorCodeBadMessage)
	expectClose(t, d, websocket.CloseUnsupportedData)
}

func TestRelay_RateLimitClosesConnection(t *testing.T) {
	m := metrics.New()
	_, url := newTestRelay(t, RelayConfig{
		MaxMessagesPerSecond: 2,
		Clock:                fixedClock{now: time.Unix(0, 0)},
		Metrics:              m,
	})

	c := dialRelay(t, url)
	join(t, c, "lobby")
	writeMsg(t, c, Message{Type: MessageTypeCandidate, Candidate: &Candidate{Candidate: "candidate:1"}})
	expectError(t, c, ErrorCodeNoPeer)

	writeMsg(t, c, Message{Type: MessageTypeCandidate, Candidate: &Candidate{Candidate: "candidate:2"}})
	expectError(t, c, ErrorCodeRateLimited)
	expectClose(t, c, websocket.ClosePolicyViolation)
	require.Equal(t, uint64(1), m.Get(metrics.SignalingRateLimited))
}

func TestRelay_MessageTooLarge(t *testing.T) {
	m := metrics.New()
	_, url := newTestRelay(t, RelayConfig{MaxMessageBytes: 64, Metrics: m})

	c := dialRelay(t, url)
	writeMsg(t, c, Message{Type: MessageTypeJoin, Room: strings.Repeat("x", 128)})
	expectClose(t, c, websocket.CloseMessageTooBig)
	require.Equal(t, uint64(1), m.Get(metrics.SignalingMessageTooLong))
}

func TestRelay_APIKey(t *testing.T) {
	authorizer, err := auth.NewAuthorizer(config.Config{AuthMode: config.AuthModeAPIKey, APIKey: "secret"})
	require.NoError(t, err, "NewAuthorizer")
	m := metrics.New()
	r, url := newTestRelay(t, RelayConfig{Authorizer: authorizer, Metrics: m})

	t.Run("missing key", func(t *testing.T) {
		c := dialRelay(t, url)
		writeMsg(t, c, Message{Type: MessageTypeJoin, Room: "lobby"})
		got := expectError(t, c, ErrorCodeUnauthorized)
		require.Equal(t, "unauthorized", got.Message)
		expectClose(t, c, websocket.ClosePolicyViolation)
	})

	t.Run("wrong key", func(t *testing.T) {
		c := dialRelay(t, url)
		writeMsg(t, c, Message{Type: MessageTypeJoin, Room: "lobby", APIKey: "nope"})
		expectError(t, c, ErrorCodeUnauthorized)
		expectClose(t, c, websocket.ClosePolicyViolation)
	})

	t.Run("key in join message", func(t *testing.T) {
		c := dialRelay(t, url)
		writeMsg(t, c, Message{Type: MessageTypeJoin, Room: "a", APIKey: "secret"})
		require.Equal(t, MessageTypeReady, readMsg(t, c).Type)
	})

	t.Run("key in header", func(t *testing.T) {
		c, _, err := websocket.DefaultDialer.Dial(url, http.Header{"X-API-Key": {"secret"}})
		require.NoError(t, err, "dial")
		defer c.Close()
		join(t, c, "b")
	})

	t.Run("key in query", func(t *testing.T) {
		join(t, dialRelay(t, url+"?apiKey=secret"), "c")
	})

	require.Equal(t, uint64(2), m.Get(metrics.SignalingAuthFailure))
	require.Zero(t, r.RoomSize("lobby"), "rejected peers joined the room")
}

func TestRelay_IdleTimeoutClosesWithoutPong(t *testing.T) {
	_, url := newTestRelay(t, RelayConfig{
		PingInterval: 50 * time.Millisecond,
		IdleTimeout:  500 * time.Millisecond,
	})

	c := dialRelay(t, url)
	pingSeen := make(chan struct{}, 1)
	c.SetPingHandler(func(string) error {
		select {
		case pingSeen <- struct{}{}:
		default:
		}
		return nil
	})

	errCh := make(chan error, 1)
	go func() {
		_, _, err := c.ReadMessage()
		errCh <- err
	}()

	select {
	case <-pingSeen:
	case err := <-errCh:
		require.FailNowf(t, "closed early", "connection closed before receiving ping: %v", err)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timeout waiting for relay ping")
	}

	select {
	case err := <-errCh:
		require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "expected close normal closure, got %v", err)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timeout waiting for relay to close idle websocket")
	}
}

func TestRelay_PongKeepsConnectionOpen(t *testing.T) {
	idle := 300 * time.Millisecond
	_, url := newTestRelay(t, RelayConfig{
		PingInterval: 50 * time.Millisecond,
		IdleTimeout:  idle,
	})

	c := dialRelay(t, url)
	errCh := make(chan error, 1)
	go func() {
		// The default ping handler answers with pongs while reading.
		_, _, err := c.ReadMessage()
		errCh <- err
	}()

	select {
	case err := <-errCh:
		require.FailNowf(t, "closed early", "unexpected close before idle timeout elapsed: %v", err)
	case <-time.After(2 * idle):
	}
}

func TestRelay_CloseDisconnectsPeers(t *testing.T) {
	r, url := newTestRelay(t, RelayConfig{})

	c := dialRelay(t, url)
	join(t, c, "lobby")
	require.NoError(t, r.Ready(), "Ready before close")
	peers, rooms := r.Stats()
	require.Equal(t, 1, peers)
	require.Equal(t, 1, rooms)
	r.Close()
	require.ErrorIs(t, r.Ready(), ErrRelayClosed)

	expectError(t, c, ErrorCodeShuttingDown)
	expectClose(t, c, websocket.CloseGoingAway)

	d, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "dial after close")
	defer d.Close()
	expectError(t, d, ErrorCodeShuttingDown)
}

func TestReadLimited(t *testing.T) {
	_, err := readLimited(strings.NewReader("abcd"), 3)
	require.ErrorIs(t, err, errMessageTooLarge)
	b, err := readLimited(strings.NewReader("abc"), 3)
	require.NoError(t, err)
	require.Equal(t, "abc", string(b))
}

func TestRelay_OriginPolicy(t *testing.T) {
	policy, err := origin.NewPolicy([]string{"https://app.example.com"})
	require.NoError(t, err, "NewPolicy")
	m := metrics.New()
	_, url := newTestRelay(t, RelayConfig{Origins: policy, Metrics: m})

	dialWithOrigin := func(o string) (*websocket.Conn, *http.Response, error) {
		h := http.Header{}
		if o != "" {
			h.Set("Origin", o)
		}
		return websocket.DefaultDialer.Dial(url, h)
	}

	_, resp, err := dialWithOrigin("https://evil.example.com")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, uint64(1), m.Get(metrics.SignalingOriginRejected))

	for _, o := range []string{"https://app.example.com", ""} {
		c, _, err := dialWithOrigin(o)
		require.NoError(t, err, "dial with origin %q", o)
		join(t, c, "room-"+o)
		c.Close()
	}
}
