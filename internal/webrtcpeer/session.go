package webrtcpeer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/p2pvoice/voicelink/internal/metrics"
	"github.com/p2pvoice/voicelink/internal/transport"
)

type Options struct {
	Signaler Signaler
	Observer Observer
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Session negotiates and tracks one peer connection to the remote
// participant. The role is fixed by the first negotiation call: CreateOffer
// makes an offerer, HandleOffer an answerer.
type Session struct {
	pc       PeerConnection
	signaler Signaler
	metrics  *metrics.Metrics
	log      *slog.Logger
	events   *eventQueue

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	role       Role
	state      State
	closed     bool
	remoteSet  bool
	localOffer bool
	pending    []webrtc.ICECandidateInit

	// applyMu serializes remote description and candidate application so
	// queued candidates are applied before later arrivals.
	applyMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// New creates a pion peer connection from api and wraps it in a Session.
func New(api *webrtc.API, iceServers []webrtc.ICEServer, opts Options) (*Session, error) {
	pc, err := NewPeerConnection(api, iceServers, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return NewSession(pc, opts), nil
}

func NewSession(pc PeerConnection, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		pc:       pc,
		signaler: opts.Signaler,
		metrics:  opts.Metrics,
		log:      logger,
		events:   newEventQueue(opts.Observer),
		ctx:      ctx,
		cancel:   cancel,
	}

	pc.OnICECandidate(s.handleLocalCandidate)
	pc.OnConnectionStateChange(func(pcs webrtc.PeerConnectionState) {
		next, ok := stateFromPeerConnection(pcs)
		if !ok {
			return
		}
		s.log.Debug("peer connection state", "pc_state", pcs.String(), "state", next.String())
		s.transition(next)
	})
	pc.OnAudioChannel(func(dc transport.DataChannel) {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			_ = dc.Close()
			return
		}
		s.events.push(event{dc: dc})
	})
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// IsOfferer reports whether this side created the initial offer and so owns
// ICE restarts.
func (s *Session) IsOfferer() bool {
	return s.Role() == RoleOfferer
}

// CreateOffer starts negotiation as the offerer: it creates the audio
// channel, applies a local offer and returns it for delivery to the peer.
func (s *Session) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return webrtc.SessionDescription{}, ErrSessionClosed
	case s.role != RoleUnset || s.state != StateDisconnected:
		s.mu.Unlock()
		return webrtc.SessionDescription{}, ErrAlreadyNegotiating
	}
	s.role = RoleOfferer
	s.mu.Unlock()

	dc, err := s.pc.CreateAudioChannel()
	if err != nil {
		return webrtc.SessionDescription{}, s.negotiationFailed("create audio channel", err)
	}
	s.events.push(event{dc: dc})

	offer, err := s.pc.CreateOffer(false)
	if err != nil {
		return webrtc.SessionDescription{}, s.negotiationFailed("create offer", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, s.negotiationFailed("set local offer", err)
	}

	s.mu.Lock()
	s.localOffer = true
	s.mu.Unlock()
	s.transition(StateConnecting)
	s.log.Info("created offer", "session_role", RoleOfferer.String())
	return offer, nil
}

// HandleOffer applies a remote offer and returns the local answer. The first
// offer makes this session the answerer; later offers are ICE restarts and
// leave the state alone.
func (s *Session) HandleOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return webrtc.SessionDescription{}, ErrSessionClosed
	case s.role == RoleOfferer:
		s.mu.Unlock()
		return webrtc.SessionDescription{}, ErrWrongRole
	}
	first := s.role == RoleUnset
	s.role = RoleAnswerer
	s.mu.Unlock()

	if err := s.applyRemoteDescription(offer, "set remote offer"); err != nil {
		return webrtc.SessionDescription{}, err
	}

	answer, err := s.pc.CreateAnswer()
	if err != nil {
		return webrtc.SessionDescription{}, s.negotiationFailed("create answer", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, s.negotiationFailed("set local answer", err)
	}

	if first {
		s.transition(StateConnecting)
		s.log.Info("answered offer", "session_role", RoleAnswerer.String())
	} else {
		s.log.Info("answered ice restart offer", "session_role", RoleAnswerer.String())
	}
	return answer, nil
}

// HandleAnswer applies the remote answer to the outstanding local offer.
func (s *Session) HandleAnswer(ctx context.Context, answer webrtc.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrSessionClosed
	case s.role != RoleOfferer:
		s.mu.Unlock()
		return ErrWrongRole
	case !s.localOffer:
		s.mu.Unlock()
		return ErrNoLocalOffer
	}
	s.mu.Unlock()

	if err := s.applyRemoteDescription(answer, "set remote answer"); err != nil {
		return err
	}
	s.mu.Lock()
	s.localOffer = false
	s.mu.Unlock()
	return nil
}

// AddICECandidate applies a remote candidate, or queues it until the remote
// description is in place. Failures are logged and counted, never returned;
// an empty candidate (end of candidates) is ignored.
func (s *Session) AddICECandidate(candidate webrtc.ICECandidateInit) {
	if candidate.Candidate == "" {
		return
	}

	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if !s.remoteSet {
		s.pending = append(s.pending, candidate)
		queued := len(s.pending)
		s.mu.Unlock()
		s.metrics.Inc(metrics.CandidateQueued)
		s.log.Debug("queued remote candidate", "queued", queued)
		return
	}
	s.mu.Unlock()

	s.applyCandidate(candidate)
}

// RestartICE creates an ICE-restart offer, applies it and sends it to the
// peer. Only the offerer restarts.
func (s *Session) RestartICE(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrSessionClosed
	case s.role != RoleOfferer:
		s.mu.Unlock()
		return ErrWrongRole
	}
	s.mu.Unlock()

	offer, err := s.pc.CreateOffer(true)
	if err != nil {
		return s.negotiationFailed("create ice restart offer", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return s.negotiationFailed("set local ice restart offer", err)
	}
	s.mu.Lock()
	s.localOffer = true
	s.mu.Unlock()

	if s.signaler == nil {
		return fmt.Errorf("send ice restart offer: no signaler")
	}
	if err := s.signaler.SendDescription(ctx, DescriptionICERestartOffer, offer); err != nil {
		return fmt.Errorf("send ice restart offer: %w", err)
	}
	return nil
}

// Close tears the peer connection down. It is safe to call more than once;
// later calls return the first call's error.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		prev := s.state
		s.state = StateDisconnected
		s.closed = true
		s.pending = nil
		s.mu.Unlock()

		s.cancel()
		s.closeErr = s.pc.Close()
		if prev != StateDisconnected {
			s.events.push(event{prev: prev, next: StateDisconnected})
		}
		s.events.close()
	})
	return s.closeErr
}

func (s *Session) transition(next State) {
	s.mu.Lock()
	if s.closed || s.state == next {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = next
	s.mu.Unlock()

	s.log.Info("session state changed", "from", prev.String(), "to", next.String())
	s.events.push(event{prev: prev, next: next})
}

// applyRemoteDescription sets desc and drains queued candidates in arrival
// order, holding applyMu throughout.
func (s *Session) applyRemoteDescription(desc webrtc.SessionDescription, op string) error {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return s.negotiationFailed(op, err)
	}

	s.mu.Lock()
	s.remoteSet = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(pending) > 0 {
		s.log.Debug("draining queued candidates", "count", len(pending))
	}
	for _, c := range pending {
		s.applyCandidate(c)
	}
	return nil
}

func (s *Session) applyCandidate(c webrtc.ICECandidateInit) {
	if err := s.pc.AddICECandidate(c); err != nil {
		s.metrics.Inc(metrics.CandidateApplyFailed)
		s.log.Warn("failed to apply remote candidate", "candidate", c.Candidate, "err", err)
		return
	}
	s.metrics.Inc(metrics.CandidateApplied)
}

func (s *Session) handleLocalCandidate(c *webrtc.ICECandidateInit) {
	if c == nil || s.signaler == nil {
		return
	}
	if err := s.signaler.SendCandidate(s.ctx, *c); err != nil {
		s.log.Debug("failed to send local candidate", "err", err)
	}
}

func (s *Session) negotiationFailed(op string, err error) error {
	s.metrics.Inc(metrics.NegotiationFailed)
	s.log.Warn("negotiation failed", "op", op, "err", err)
	return &NegotiationError{Op: op, Err: err}
}
