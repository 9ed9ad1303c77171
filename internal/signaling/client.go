package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/p2pvoice/voicelink/internal/webrtcpeer"
)

const (
	clientWriteWait        = 5 * time.Second
	clientHandshakeTimeout = 10 * time.Second
)

var ErrClientClosed = errors.New("signaling: client closed")

// Handler receives inbound signaling, one message at a time, on the client's
// read goroutine. A handler that returns has finished with the message; the
// next one is not read until then. Handlers must not call Client.Close.
type Handler interface {
	Ready(role webrtcpeer.Role, peerID string)
	RemoteDescription(kind webrtcpeer.DescriptionKind, desc webrtc.SessionDescription)
	RemoteCandidate(candidate webrtc.ICECandidateInit)
	PeerLeft(role webrtcpeer.Role)
	SignalingError(code, message string)
}

type ClientConfig struct {
	URL     string
	Room    string
	APIKey  string
	Handler Handler
	Logger  *slog.Logger
	// Dialer defaults to a gorilla dialer with a 10s handshake timeout.
	Dialer *websocket.Dialer
}

// Client is one peer's connection to the relay. It implements
// webrtcpeer.Signaler.
type Client struct {
	conn    *websocket.Conn
	handler Handler
	log     *slog.Logger

	writeMu sync.Mutex
	closing atomic.Bool

	done      chan struct{}
	readDone  chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

var _ webrtcpeer.Signaler = (*Client)(nil)

// Dial connects to the relay and joins cfg.Room. The assigned role arrives
// through Handler.Ready.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.Handler == nil {
		return nil, errors.New("signaling: nil handler")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: clientHandshakeTimeout}
	}

	conn, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling relay: %w", err)
	}

	c := &Client{
		conn:     conn,
		handler:  cfg.Handler,
		log:      logger,
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	if err := c.send(ctx, Message{Type: MessageTypeJoin, Room: cfg.Room, APIKey: cfg.APIKey}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("join room: %w", err)
	}
	logger.Info("connected to signaling relay", "url", cfg.URL, "room", cfg.Room)

	go c.readLoop()
	return c, nil
}

func (c *Client) SendDescription(ctx context.Context, kind webrtcpeer.DescriptionKind, desc webrtc.SessionDescription) error {
	msg, err := descriptionMessage(kind, desc)
	if err != nil {
		return err
	}
	return c.send(ctx, msg)
}

func (c *Client) SendCandidate(ctx context.Context, candidate webrtc.ICECandidateInit) error {
	cand := CandidateFromPion(candidate)
	return c.send(ctx, Message{Type: MessageTypeCandidate, Candidate: &cand})
}

// Done is closed once the connection to the relay is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, or nil while it is up.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close leaves the room and closes the connection. It waits for the read
// goroutine to stop.
func (c *Client) Close() error {
	c.closing.Store(true)
	select {
	case <-c.done:
	default:
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteWait)
		_ = c.send(ctx, Message{Type: MessageTypeLeave})
		cancel()
		c.writeMu.Lock()
		writeClose(c.conn, websocket.CloseNormalClosure, "bye")
		c.writeMu.Unlock()
	}
	c.finish(ErrClientClosed)
	_ = c.conn.Close()
	<-c.readDone
	return nil
}

func (c *Client) send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(clientWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readLoop() {
	defer close(c.readDone)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.closing.Load() {
				err = ErrClientClosed
			}
			c.finish(err)
			return
		}
		msg, err := ParseMessage(data)
		if err != nil {
			c.log.Warn("dropping malformed signaling message", "err", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg Message) {
	switch msg.Type {
	case MessageTypeReady:
		c.handler.Ready(roleFromWire(msg.Role), msg.PeerID)
	case MessageTypeOffer, MessageTypeICERestartOffer, MessageTypeAnswer:
		desc, err := msg.SDP.ToPion()
		if err != nil {
			c.log.Warn("dropping signaling description", "type", string(msg.Type), "err", err)
			return
		}
		c.handler.RemoteDescription(descriptionKind(msg.Type), desc)
	case MessageTypeCandidate:
		c.handler.RemoteCandidate(msg.Candidate.ToPion())
	case MessageTypePeerLeft:
		c.handler.PeerLeft(roleFromWire(msg.Role))
	case MessageTypeError:
		c.handler.SignalingError(msg.Code, msg.Message)
	default:
		c.log.Debug("ignoring signaling message", "type", string(msg.Type))
	}
}

// finish records the first terminal error and closes Done.
func (c *Client) finish(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
	})
}

func roleFromWire(role string) webrtcpeer.Role {
	switch role {
	case RoleOfferer:
		return webrtcpeer.RoleOfferer
	case RoleAnswerer:
		return webrtcpeer.RoleAnswerer
	default:
		return webrtcpeer.RoleUnset
	}
}

func descriptionKind(t MessageType) webrtcpeer.DescriptionKind {
	switch t {
	case MessageTypeAnswer:
		return webrtcpeer.DescriptionAnswer
	case MessageTypeICERestartOffer:
		return webrtcpeer.DescriptionICERestartOffer
	default:
		return webrtcpeer.DescriptionOffer
	}
}
