package signaling

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"github.com/p2pvoice/voicelink/internal/auth"
	"github.com/p2pvoice/voicelink/internal/config"
	"github.com/p2pvoice/voicelink/internal/metrics"
	"github.com/p2pvoice/voicelink/internal/origin"
	"github.com/p2pvoice/voicelink/internal/ratelimit"
)

const (
	wsWriteWait  = 1 * time.Second
	maxRoomPeers = 2
)

// ErrRelayClosed is returned by Ready after Close.
var ErrRelayClosed = errors.New("relay is shutting down")

var (
	errRoomFull        = errors.New("room is full")
	errMessageTooLarge = errors.New("message too large")
)

type RelayConfig struct {
	// Authorizer gates joins. The zero value admits everyone.
	Authorizer auth.Authorizer
	// Origins limits which browser pages may open /signal. The zero value
	// allows same-host pages and every non-browser client.
	Origins origin.Policy

	PingInterval         time.Duration
	IdleTimeout          time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Clock   ratelimit.Clock
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = config.DefaultSignalingPingInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = config.DefaultSignalingIdleTimeout
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = config.DefaultMaxSignalingMessageBytes
	}
	if c.MaxMessagesPerSecond <= 0 {
		c.MaxMessagesPerSecond = config.DefaultMaxSignalingMessagesPerSecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = ratelimit.RealClock{}
	}
	return c
}

// Relay pairs peers by room and forwards signaling between them. The first
// peer in a room answers; the second offers.
type Relay struct {
	cfg      RelayConfig
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	rooms  map[string][]*relayPeer
	conns  map[*relayPeer]struct{}
	closed bool
}

func NewRelay(cfg RelayConfig) *Relay {
	cfg = cfg.withDefaults()
	r := &Relay{
		cfg:   cfg,
		log:   cfg.Logger,
		rooms: make(map[string][]*relayPeer),
		conns: make(map[*relayPeer]struct{}),
	}
	r.upgrader = websocket.Upgrader{CheckOrigin: r.checkOrigin}
	return r
}

func (r *Relay) checkOrigin(req *http.Request) bool {
	if err := r.cfg.Origins.Check(req); err != nil {
		r.cfg.Metrics.Inc(metrics.SignalingOriginRejected)
		r.log.Warn("signaling origin rejected", "remote_addr", req.RemoteAddr, "err", err)
		return false
	}
	return true
}

func (r *Relay) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /signal", r.handleWebSocket)
}

func (r *Relay) Handler() http.Handler {
	mux := http.NewServeMux()
	r.RegisterRoutes(mux)
	return mux
}

// RoomSize returns the number of peers currently joined to room.
func (r *Relay) RoomSize(room string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms[room])
}

// Stats reports how many peers are connected and how many rooms are occupied.
func (r *Relay) Stats() (peers, rooms int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns), len(r.rooms)
}

// Ready returns ErrRelayClosed once Close has been called.
func (r *Relay) Ready() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRelayClosed
	}
	return nil
}

// Close tells every connected peer the relay is going away and drops them.
// New connections are refused afterwards.
func (r *Relay) Close() {
	r.mu.Lock()
	r.closed = true
	conns := lo.Keys(r.conns)
	r.mu.Unlock()

	for _, p := range conns {
		p.fail(ErrorCodeShuttingDown, "relay is shutting down", websocket.CloseGoingAway, "shutting down")
		p.close()
	}
}

func (r *Relay) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}

	p := &relayPeer{
		id:   uuid.NewString(),
		conn: conn,
		log:  r.log,
		done: make(chan struct{}),
	}
	if !r.track(p) {
		p.fail(ErrorCodeShuttingDown, ErrRelayClosed.Error(), websocket.CloseGoingAway, "shutting down")
		p.close()
		return
	}
	defer func() {
		r.leave(p)
		p.close()
	}()

	go p.keepalive(r.cfg.PingInterval)
	r.serve(p, req)
}

func (r *Relay) serve(p *relayPeer, req *http.Request) {
	conn := p.conn
	idle := r.cfg.IdleTimeout
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idle))
	})

	limit := int64(r.cfg.MaxMessagesPerSecond)
	limiter := ratelimit.NewTokenBucket(r.cfg.Clock, limit, limit)
	joined := false

	for {
		msgType, rd, err := conn.NextReader()
		if err != nil {
			if isTimeout(err) {
				p.closeWith(websocket.CloseNormalClosure, "idle timeout")
			}
			return
		}
		if msgType != websocket.TextMessage {
			r.cfg.Metrics.Inc(metrics.SignalingBadMessage)
			p.fail(ErrorCodeBadMessage, "expected text message", websocket.CloseUnsupportedData, "expected text message")
			return
		}
		data, err := readLimited(rd, r.cfg.MaxMessageBytes)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				r.cfg.Metrics.Inc(metrics.SignalingMessageTooLong)
				p.closeWith(websocket.CloseMessageTooBig, "message too large")
			}
			return
		}
		// Rate limit after reading so the close frame is not lost to a RST
		// over unread bytes.
		if !limiter.Allow(1) {
			r.cfg.Metrics.Inc(metrics.SignalingRateLimited)
			p.fail(ErrorCodeRateLimited, "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(idle))

		msg, err := ParseMessage(data)
		if err != nil {
			r.cfg.Metrics.Inc(metrics.SignalingBadMessage)
			p.fail(ErrorCodeBadMessage, err.Error(), websocket.ClosePolicyViolation, "bad message")
			return
		}

		if !joined {
			if msg.Type != MessageTypeJoin {
				r.cfg.Metrics.Inc(metrics.SignalingBadMessage)
				p.fail(ErrorCodeBadMessage, "join required", websocket.ClosePolicyViolation, "join required")
				return
			}
			if !r.admit(p, req, msg) {
				return
			}
			joined = true
			continue
		}

		switch {
		case msg.Type == MessageTypeLeave:
			p.closeWith(websocket.CloseNormalClosure, "bye")
			return
		case msg.isPeerMessage():
			r.forward(p, msg)
		default:
			r.cfg.Metrics.Inc(metrics.SignalingBadMessage)
			p.fail(ErrorCodeBadMessage, "unexpected "+string(msg.Type)+" message", websocket.ClosePolicyViolation, "bad message")
			return
		}
	}
}

func (r *Relay) admit(p *relayPeer, req *http.Request, join Message) bool {
	if err := r.cfg.Authorizer.Authorize(req, join.APIKey); err != nil {
		r.cfg.Metrics.Inc(metrics.SignalingAuthFailure)
		r.log.Warn("signaling auth failed", "remote_addr", req.RemoteAddr, "err", err)
		p.fail(ErrorCodeUnauthorized, unauthorizedMessage(err), websocket.ClosePolicyViolation, "unauthorized")
		return false
	}

	role, err := r.join(p, join.Room)
	switch {
	case errors.Is(err, errRoomFull):
		r.cfg.Metrics.Inc(metrics.SignalingRoomFull)
		p.fail(ErrorCodeRoomFull, err.Error(), websocket.CloseTryAgainLater, "room full")
		return false
	case err != nil:
		p.fail(ErrorCodeShuttingDown, err.Error(), websocket.CloseGoingAway, "shutting down")
		return false
	}

	r.cfg.Metrics.Inc(metrics.SignalingPeersJoined)
	r.log.Info("peer joined", "room", join.Room, "peer_id", p.id, "role", role)
	return p.send(Message{Type: MessageTypeReady, Role: role, PeerID: p.id}) == nil
}

func (r *Relay) track(p *relayPeer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.conns[p] = struct{}{}
	return true
}

func (r *Relay) join(p *relayPeer, room string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", ErrRelayClosed
	}
	peers := r.rooms[room]
	if len(peers) >= maxRoomPeers {
		return "", errRoomFull
	}
	p.room = room
	r.rooms[room] = append(peers, p)
	if len(peers) == 0 {
		return RoleAnswerer, nil
	}
	return RoleOfferer, nil
}

// leave removes p from its room and tells the remaining peer, which becomes
// the answerer for whoever joins next.
func (r *Relay) leave(p *relayPeer) {
	r.mu.Lock()
	delete(r.conns, p)
	peers := r.rooms[p.room]
	if !lo.Contains(peers, p) {
		r.mu.Unlock()
		return
	}
	rest := lo.Without(peers, p)
	if len(rest) == 0 {
		delete(r.rooms, p.room)
	} else {
		r.rooms[p.room] = rest
	}
	r.mu.Unlock()

	r.log.Info("peer left", "room", p.room, "peer_id", p.id)
	for _, other := range rest {
		_ = other.send(Message{Type: MessageTypePeerLeft, Role: RoleAnswerer, PeerID: p.id})
	}
}

func (r *Relay) peerOf(p *relayPeer) (*relayPeer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo.Find(r.rooms[p.room], func(other *relayPeer) bool { return other != p })
}

func (r *Relay) forward(from *relayPeer, msg Message) {
	to, ok := r.peerOf(from)
	if !ok {
		_ = from.send(errorMessage(ErrorCodeNoPeer, "no peer in room"))
		return
	}
	r.cfg.Metrics.Inc(metrics.SignalingMessagesRelay)
	if err := to.send(msg); err != nil {
		r.log.Debug("forward signaling message failed", "type", string(msg.Type), "peer_id", to.id, "err", err)
	}
}

type relayPeer struct {
	id   string
	room string
	conn *websocket.Conn
	log  *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (p *relayPeer) send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

func (p *relayPeer) fail(code, message string, closeCode int, closeReason string) {
	_ = p.send(errorMessage(code, message))
	p.closeWith(closeCode, closeReason)
}

func (p *relayPeer) closeWith(code int, reason string) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	writeClose(p.conn, code, reason)
}

func (p *relayPeer) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (p *relayPeer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

func unauthorizedMessage(err error) string {
	if auth.IsUnauthorized(err) {
		return "unauthorized"
	}
	return "authorization failed"
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return nil, errMessageTooLarge
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}
