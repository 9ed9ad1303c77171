package webrtcpeer_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/p2pvoice/voicelink/internal/transport"
	"github.com/p2pvoice/voicelink/internal/webrtcpeer"
	"github.com/p2pvoice/voicelink/internal/wire"
)

// loopSignaler hands descriptions and candidates straight to the other
// session, the way the relay would.
type loopSignaler struct {
	mu     sync.Mutex
	remote *webrtcpeer.Session
	self   **webrtcpeer.Session
}

func (s *loopSignaler) peer() *webrtcpeer.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

func (s *loopSignaler) SendDescription(ctx context.Context, kind webrtcpeer.DescriptionKind, desc webrtc.SessionDescription) error {
	if kind != webrtcpeer.DescriptionICERestartOffer {
		return nil
	}
	answer, err := s.peer().HandleOffer(ctx, desc)
	if err != nil {
		return err
	}
	return (*s.self).HandleAnswer(ctx, answer)
}

func (s *loopSignaler) SendCandidate(_ context.Context, c webrtc.ICECandidateInit) error {
	if p := s.peer(); p != nil {
		p.AddICECandidate(c)
	}
	return nil
}

type peerObserver struct {
	mu      sync.Mutex
	state   webrtcpeer.State
	channel chan transport.DataChannel
}

func newPeerObserver() *peerObserver {
	return &peerObserver{channel: make(chan transport.DataChannel, 1)}
}

func (o *peerObserver) StateChanged(_, next webrtcpeer.State) {
	o.mu.Lock()
	o.state = next
	o.mu.Unlock()
}

func (o *peerObserver) AudioChannel(dc transport.DataChannel) { o.channel <- dc }

func (o *peerObserver) current() webrtcpeer.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func newVNetAPI(t *testing.T, n *vnet.Net) *webrtc.API {
	t.Helper()
	se := webrtc.SettingEngine{}
	se.SetNet(n)
	se.LoggerFactory = webrtcpeer.NewLoggerFactory(nil)
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 10*time.Second, 10*time.Millisecond, "timed out waiting for %s", what)
}

func TestSessions_ConnectAndCarryAudioOverVNet(t *testing.T) {
	const (
		cidr = "10.0.0.0/24"
		ipA  = "10.0.0.1"
		ipB  = "10.0.0.2"
	)

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          cidr,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	require.NoError(t, err, "new router")
	t.Cleanup(func() { _ = router.Stop() })

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipA}})
	require.NoError(t, err, "new net A")
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipB}})
	require.NoError(t, err, "new net B")
	require.NoError(t, router.AddNet(netA), "add net A")
	require.NoError(t, router.AddNet(netB), "add net B")
	require.NoError(t, router.Start(), "start router")

	var sessA, sessB *webrtcpeer.Session
	sigA := &loopSignaler{self: &sessA}
	sigB := &loopSignaler{self: &sessB}
	obsA := newPeerObserver()
	obsB := newPeerObserver()

	sessA, err = webrtcpeer.New(newVNetAPI(t, netA), nil, webrtcpeer.Options{Signaler: sigA, Observer: obsA})
	require.NoError(t, err, "new session A")
	t.Cleanup(func() { _ = sessA.Close() })
	sessB, err = webrtcpeer.New(newVNetAPI(t, netB), nil, webrtcpeer.Options{Signaler: sigB, Observer: obsB})
	require.NoError(t, err, "new session B")
	t.Cleanup(func() { _ = sessB.Close() })

	sigA.mu.Lock()
	sigA.remote = sessB
	sigA.mu.Unlock()
	sigB.mu.Lock()
	sigB.remote = sessA
	sigB.mu.Unlock()

	ctx := context.Background()
	offer, err := sessA.CreateOffer(ctx)
	require.NoError(t, err, "CreateOffer")
	answer, err := sessB.HandleOffer(ctx, offer)
	require.NoError(t, err, "HandleOffer")
	require.NoError(t, sessA.HandleAnswer(ctx, answer), "HandleAnswer")

	waitFor(t, "both sessions connected", func() bool {
		return obsA.current() == webrtcpeer.StateConnected && obsB.current() == webrtcpeer.StateConnected
	})

	var dcA, dcB transport.DataChannel
	select {
	case dcA = <-obsA.channel:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "no local audio channel")
	}
	select {
	case dcB = <-obsB.channel:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "no remote audio channel")
	}

	received := make(chan []float32, 16)
	chA := transport.NewChannel(dcA, transport.Config{}, transport.Handlers{}, nil, nil)
	t.Cleanup(chA.Close)
	chB := transport.NewChannel(dcB, transport.Config{}, transport.Handlers{
		OnAudio: func(samples []float32, _ int) {
			select {
			case received <- samples:
			default:
			}
		},
	}, nil, nil)
	t.Cleanup(chB.Close)

	waitFor(t, "audio channel open", chA.Open)

	frame := make([]float32, wire.FrameSamples)
	for i := range frame {
		frame[i] = float32(i%100) / 100
	}

	// The channel is unreliable; keep sending until one frame lands.
	deadline := time.After(10 * time.Second)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
sendLoop:
	for {
		select {
		case got := <-received:
			require.Len(t, got, wire.FrameSamples)
			require.Equal(t, frame[99], got[99])
			break sendLoop
		case <-ticker.C:
			chA.SendAudio(frame)
		case <-deadline:
			require.FailNow(t, "no audio frame received")
		}
	}

	require.NoError(t, sessA.RestartICE(ctx), "RestartICE")
	waitFor(t, "connected after ice restart", func() bool {
		return sessA.State() == webrtcpeer.StateConnected && sessB.State() == webrtcpeer.StateConnected
	})
}
