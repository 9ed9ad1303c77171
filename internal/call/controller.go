// Package call owns one two-party call at a time: the negotiated session,
// its reconnect supervisor, the audio transport channel, and the capture and
// playback pipelines the audio device talks to.
package call

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/p2pvoice/voicelink/internal/audio"
	"github.com/p2pvoice/voicelink/internal/config"
	"github.com/p2pvoice/voicelink/internal/metrics"
	"github.com/p2pvoice/voicelink/internal/reconnect"
	"github.com/p2pvoice/voicelink/internal/transport"
	"github.com/p2pvoice/voicelink/internal/webrtcpeer"
)

var (
	ErrNotSetUp   = errors.New("call: controller not set up")
	ErrClosed     = errors.New("call: controller closed")
	ErrCallActive = errors.New("call: a call is already active")
	ErrNoRole     = errors.New("call: role must be offerer or answerer")
)

type Config struct {
	// API builds peer connections. Nil means webrtc.NewAPI().
	API        *webrtc.API
	ICEServers []webrtc.ICEServer

	Capture      audio.CaptureConfig
	PlaybackRate int
	JitterFrames int

	Transport transport.Config
	Reconnect reconnect.Config
}

// ConfigFrom maps the process configuration onto a call Config. API is left
// for the caller to build with webrtcpeer.NewAPI.
func ConfigFrom(cfg config.Config) Config {
	return Config{
		ICEServers: cfg.ICEServers,
		Capture: audio.CaptureConfig{
			DeviceSampleRate: cfg.CaptureSampleRate,
			Threshold:        float32(cfg.VADThreshold),
			Hangover:         cfg.VADHangoverFrames,
		},
		PlaybackRate: cfg.PlaybackSampleRate,
		JitterFrames: cfg.JitterBufferFrames,
		Transport: transport.Config{
			SendQueueBytes:     cfg.SendQueueBytes,
			MaxBufferedAmount:  uint64(cfg.MaxBufferedAmount),
			ReactionBurst:      int64(cfg.ReactionBurst),
			ReactionsPerSecond: int64(cfg.ReactionsPerSecond),
		},
		Reconnect: reconnect.Config{
			Delay:             cfg.ReconnectDelay,
			MaxAttempts:       cfg.ReconnectMaxAttempts,
			BackoffMultiplier: cfg.ReconnectBackoff,
			MaxDelay:          cfg.ReconnectMaxDelay,
		},
	}
}

// Hooks surface call events to the UI. All are optional and must not block.
type Hooks struct {
	OnState    func(prev, next webrtcpeer.State)
	OnSpeaking func(speaking bool)
	OnReaction func(emoji string)
	// OnEnded fires when a call is torn down: err is nil for a local Stop or
	// the peer leaving, and the cause otherwise.
	OnEnded func(err error)
}

type Options struct {
	Hooks   Hooks
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Controller is the per-process call service. Setup builds the audio
// pipelines once; Start and Stop bracket each call. The hardware bridge
// methods (OnCaptureFrame, RequestPlaybackFrame) are safe to call at any
// time and never block on the network.
type Controller struct {
	cfg      Config
	signaler webrtcpeer.Signaler
	hooks    Hooks
	metrics  *metrics.Metrics
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	capture  atomic.Pointer[audio.Capture]
	playback atomic.Pointer[audio.Playback]
	channel  atomic.Pointer[transport.Channel]

	mu     sync.Mutex
	active *activeCall
	closed bool
}

// activeCall is everything that lives for exactly one call.
type activeCall struct {
	session    *webrtcpeer.Session
	supervisor *reconnect.Supervisor
	role       webrtcpeer.Role

	mu      sync.Mutex
	channel *transport.Channel
	ended   bool
}

func New(cfg Config, signaler webrtcpeer.Signaler, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.API == nil {
		cfg.API = webrtc.NewAPI()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:      cfg,
		signaler: signaler,
		hooks:    opts.Hooks,
		metrics:  opts.Metrics,
		log:      logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Setup builds the capture and playback pipelines. Calling it again is a
// no-op.
func (c *Controller) Setup() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.capture.Load() != nil {
		return nil
	}
	capture, err := audio.NewCapture(c.cfg.Capture, c.sendFrame, c.speakingChanged, c.log)
	if err != nil {
		return err
	}
	c.playback.Store(audio.NewPlayback(c.cfg.PlaybackRate, c.cfg.JitterFrames))
	c.capture.Store(capture)
	c.log.Info("audio pipelines ready",
		"capture_rate", c.cfg.Capture.DeviceSampleRate,
		"playback_rate", c.playback.Load().DeviceRate(),
		"vad_threshold", capture.Threshold(),
	)
	return nil
}

// Start begins a call in the given role. The offerer creates and sends the
// offer right away; the answerer waits for one.
func (c *Controller) Start(ctx context.Context, role webrtcpeer.Role) error {
	if role != webrtcpeer.RoleOfferer && role != webrtcpeer.RoleAnswerer {
		return ErrNoRole
	}
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.capture.Load() == nil:
		c.mu.Unlock()
		return ErrNotSetUp
	case c.active != nil:
		c.mu.Unlock()
		return ErrCallActive
	}

	call := &activeCall{role: role}
	session, err := webrtcpeer.New(c.cfg.API, c.cfg.ICEServers, webrtcpeer.Options{
		Signaler: c.signaler,
		Observer: &callObserver{c: c, call: call},
		Metrics:  c.metrics,
		Logger:   c.log,
	})
	if err != nil {
		c.mu.Unlock()
		return err
	}
	call.session = session
	call.supervisor = reconnect.New(session, c.cfg.Reconnect, c.metrics, c.log)
	c.active = call
	c.mu.Unlock()

	c.log.Info("call started", "session_role", role.String())
	if role != webrtcpeer.RoleOfferer {
		return nil
	}

	offer, err := session.CreateOffer(ctx)
	if err != nil {
		c.end(call, err)
		return err
	}
	if err := c.signaler.SendDescription(ctx, webrtcpeer.DescriptionOffer, offer); err != nil {
		c.end(call, err)
		return err
	}
	return nil
}

// Stop ends the current call, if any. The pipelines stay set up for the next
// one.
func (c *Controller) Stop() {
	c.mu.Lock()
	call := c.active
	c.mu.Unlock()
	if call != nil {
		c.end(call, nil)
	}
}

// Close stops the call and releases the pipelines. Calling Close more than
// once is a no-op.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	call := c.active
	c.mu.Unlock()

	if call != nil {
		c.end(call, nil)
	}
	c.cancel()
	if p := c.playback.Load(); p != nil {
		p.Close()
	}
}

// State reports the current session state, or disconnected between calls.
func (c *Controller) State() webrtcpeer.State {
	if call := c.current(); call != nil {
		return call.session.State()
	}
	return webrtcpeer.StateDisconnected
}

// Role reports the current call's role, or RoleUnset between calls.
func (c *Controller) Role() webrtcpeer.Role {
	if call := c.current(); call != nil {
		return call.role
	}
	return webrtcpeer.RoleUnset
}

// OnCaptureFrame feeds microphone samples at the capture device rate.
func (c *Controller) OnCaptureFrame(samples []float32) {
	if capture := c.capture.Load(); capture != nil {
		capture.Write(samples)
	}
}

// RequestPlaybackFrame fills out with speaker samples at the playback
// device rate and returns how many were real audio rather than silence.
func (c *Controller) RequestPlaybackFrame(out []float32) int {
	p := c.playback.Load()
	if p == nil {
		clear(out)
		return 0
	}
	return p.Read(out)
}

func (c *Controller) SetMuted(muted bool) {
	if capture := c.capture.Load(); capture != nil {
		capture.SetMuted(muted)
	}
}

func (c *Controller) Muted() bool {
	capture := c.capture.Load()
	return capture != nil && capture.Muted()
}

func (c *Controller) SetDeafened(deafened bool) {
	if p := c.playback.Load(); p != nil {
		p.SetDeafened(deafened)
	}
}

func (c *Controller) Deafened() bool {
	p := c.playback.Load()
	return p != nil && p.Deafened()
}

func (c *Controller) SetVADThreshold(threshold float32) {
	if capture := c.capture.Load(); capture != nil {
		capture.SetThreshold(threshold)
	}
}

// SendReaction sends emoji to the peer. It reports false when there is no
// open channel or the reaction was rate limited.
func (c *Controller) SendReaction(emoji string) bool {
	ch := c.channel.Load()
	return ch != nil && ch.SendReaction(emoji)
}

// Ready implements signaling.Handler: the relay assigned this side a role.
func (c *Controller) Ready(role webrtcpeer.Role, peerID string) {
	c.log.Info("joined room", "session_role", role.String(), "peer_id", peerID)
	c.restart(role)
}

// RemoteDescription implements signaling.Handler.
func (c *Controller) RemoteDescription(kind webrtcpeer.DescriptionKind, desc webrtc.SessionDescription) {
	call := c.current()
	if call == nil {
		c.log.Warn("dropping remote description without a call", "kind", string(kind))
		return
	}

	switch kind {
	case webrtcpeer.DescriptionOffer, webrtcpeer.DescriptionICERestartOffer:
		answer, err := call.session.HandleOffer(c.ctx, desc)
		if err != nil {
			c.negotiationFailed(call, "handle "+string(kind), err)
			return
		}
		if err := c.signaler.SendDescription(c.ctx, webrtcpeer.DescriptionAnswer, answer); err != nil {
			c.log.Warn("send answer failed", "err", err)
		}
	case webrtcpeer.DescriptionAnswer:
		if err := call.session.HandleAnswer(c.ctx, desc); err != nil {
			c.negotiationFailed(call, "handle answer", err)
		}
	}
}

// RemoteCandidate implements signaling.Handler.
func (c *Controller) RemoteCandidate(candidate webrtc.ICECandidateInit) {
	if call := c.current(); call != nil {
		call.session.AddICECandidate(candidate)
		return
	}
	c.log.Debug("dropping remote candidate without a call")
}

// PeerLeft implements signaling.Handler. The call ends and a new one starts
// in the role the relay hands back, waiting for the next peer.
func (c *Controller) PeerLeft(role webrtcpeer.Role) {
	c.log.Info("peer left the room")
	c.restart(role)
}

// SignalingError implements signaling.Handler.
func (c *Controller) SignalingError(code, message string) {
	c.log.Warn("signaling relay error", "code", code, "message", message)
}

func (c *Controller) restart(role webrtcpeer.Role) {
	c.Stop()
	if err := c.Start(c.ctx, role); err != nil && !errors.Is(err, ErrClosed) {
		c.log.Error("start call failed", "session_role", role.String(), "err", err)
	}
}

func (c *Controller) current() *activeCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// negotiationFailed ends the call on errors the session cannot recover from
// and only logs the rest (wrong role, closed session).
func (c *Controller) negotiationFailed(call *activeCall, op string, err error) {
	var negErr *webrtcpeer.NegotiationError
	if errors.As(err, &negErr) {
		c.log.Error("negotiation failed, ending call", "op", op, "err", err)
		c.end(call, err)
		return
	}
	c.log.Warn("ignoring signaling message", "op", op, "err", err)
}

// end tears call down once: supervisor first so no restart races the close,
// then the channel, then the session.
func (c *Controller) end(call *activeCall, cause error) {
	call.mu.Lock()
	if call.ended {
		call.mu.Unlock()
		return
	}
	call.ended = true
	ch := call.channel
	call.channel = nil
	call.mu.Unlock()

	c.mu.Lock()
	if c.active == call {
		c.active = nil
	}
	c.mu.Unlock()
	c.channel.CompareAndSwap(ch, nil)

	call.supervisor.Close()
	if ch != nil {
		ch.Close()
	}
	if err := call.session.Close(); err != nil {
		c.log.Debug("close session", "err", err)
	}
	if capture := c.capture.Load(); capture != nil {
		capture.Reset()
	}
	if p := c.playback.Load(); p != nil {
		p.Reset()
	}

	c.log.Info("call ended", "session_role", call.role.String(), "err", cause)
	if c.hooks.OnEnded != nil {
		c.hooks.OnEnded(cause)
	}
}

func (c *Controller) sendFrame(frame []float32) {
	if ch := c.channel.Load(); ch != nil {
		ch.SendAudio(frame)
	}
}

func (c *Controller) speakingChanged(speaking bool) {
	if c.hooks.OnSpeaking != nil {
		c.hooks.OnSpeaking(speaking)
	}
}

func (c *Controller) receiveAudio(samples []float32, sampleRate int) {
	if p := c.playback.Load(); p != nil {
		p.Enqueue(samples, sampleRate)
	}
}

func (c *Controller) receiveReaction(emoji string) {
	c.log.Debug("reaction received", "emoji", emoji)
	if c.hooks.OnReaction != nil {
		c.hooks.OnReaction(emoji)
	}
}

// callObserver routes one session's events. Events from a call that has
// already ended only reach its own supervisor.
type callObserver struct {
	c    *Controller
	call *activeCall
}

func (o *callObserver) StateChanged(prev, next webrtcpeer.State) {
	o.call.supervisor.StateChanged(prev, next)
	o.c.log.Debug("call state", "prev", prev.String(), "state", next.String())
	if o.c.current() != o.call {
		return
	}
	if o.c.hooks.OnState != nil {
		o.c.hooks.OnState(prev, next)
	}
}

func (o *callObserver) AudioChannel(dc transport.DataChannel) {
	c := o.c
	ch := transport.NewChannel(dc, c.cfg.Transport, transport.Handlers{
		OnAudio:    c.receiveAudio,
		OnReaction: c.receiveReaction,
	}, c.metrics, c.log)

	o.call.mu.Lock()
	if o.call.ended {
		o.call.mu.Unlock()
		ch.Close()
		return
	}
	o.call.channel = ch
	c.channel.Store(ch)
	o.call.mu.Unlock()
}
