// Package transport multiplexes audio frames and reactions over the single
// unreliable, unordered audio DataChannel.
package transport

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/p2pvoice/voicelink/internal/metrics"
	"github.com/p2pvoice/voicelink/internal/ratelimit"
	"github.com/p2pvoice/voicelink/internal/wire"
)

const (
	DefaultSendQueueBytes     = 64 * 1024
	DefaultMaxBufferedAmount  = 256 * 1024
	DefaultReactionBurst      = 10
	DefaultReactionsPerSecond = 5
)

// DataChannel is the subset of a WebRTC DataChannel used by Channel.
type DataChannel interface {
	Label() string
	SendText(s string) error
	BufferedAmount() uint64
	OnOpen(func())
	OnClose(func())
	OnMessage(func(data []byte))
	Close() error
}

type Config struct {
	// SendQueueBytes bounds encoded messages waiting for the writer.
	SendQueueBytes int
	// MaxBufferedAmount is the SCTP buffered amount above which outgoing
	// messages are dropped instead of queued deeper in the stack.
	MaxBufferedAmount uint64

	ReactionBurst      int64
	ReactionsPerSecond int64

	// Clock drives the reaction rate limit; nil means wall time.
	Clock ratelimit.Clock
}

func (c Config) WithDefaults() Config {
	if c.SendQueueBytes <= 0 {
		c.SendQueueBytes = DefaultSendQueueBytes
	}
	if c.MaxBufferedAmount == 0 {
		c.MaxBufferedAmount = DefaultMaxBufferedAmount
	}
	if c.ReactionBurst <= 0 {
		c.ReactionBurst = DefaultReactionBurst
	}
	if c.ReactionsPerSecond <= 0 {
		c.ReactionsPerSecond = DefaultReactionsPerSecond
	}
	return c
}

// Handlers receive inbound traffic. They run on the DataChannel's receive
// goroutine and must not block.
type Handlers struct {
	OnAudio    func(samples []float32, sampleRate int)
	OnReaction func(emoji string)
	OnOpen     func()
	OnClose    func()
}

// Channel is the audio transport bound to one DataChannel. Sends are
// fire-and-forget; receive never fails.
type Channel struct {
	dc       DataChannel
	cfg      Config
	h        Handlers
	metrics  *metrics.Metrics
	log      *slog.Logger
	reaction *ratelimit.TokenBucket

	queue *sendQueue
	open  atomic.Bool

	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    atomic.Bool
}

func NewChannel(dc DataChannel, cfg Config, h Handlers, m *metrics.Metrics, logger *slog.Logger) *Channel {
	cfg = cfg.WithDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	c := &Channel{
		dc:       dc,
		cfg:      cfg,
		h:        h,
		metrics:  m,
		log:      logger.With("label", dc.Label()),
		reaction: ratelimit.NewTokenBucket(cfg.Clock, cfg.ReactionBurst, cfg.ReactionsPerSecond),
		queue:    newSendQueue(cfg.SendQueueBytes),
	}

	dc.OnOpen(func() {
		if c.closed.Load() {
			return
		}
		c.open.Store(true)
		c.log.Debug("audio channel open")
		if c.h.OnOpen != nil {
			c.h.OnOpen()
		}
	})
	dc.OnClose(func() {
		c.shutdown()
		if c.h.OnClose != nil {
			c.h.OnClose()
		}
	})
	dc.OnMessage(c.HandleMessage)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.writerLoop()
	}()
	return c
}

// Open reports whether the DataChannel has opened and not closed since.
func (c *Channel) Open() bool {
	return c.open.Load() && !c.closed.Load()
}

// SendAudio encodes one 48 kHz frame and queues it. It reports false when the
// frame was dropped.
func (c *Channel) SendAudio(frame []float32) bool {
	if !c.Open() {
		c.metrics.Inc(metrics.AudioFramesDropped)
		return false
	}
	msg, err := wire.MarshalAudio(frame)
	if err != nil {
		c.metrics.Inc(metrics.AudioFramesDropped)
		return false
	}
	ok, evicted := c.queue.Enqueue(msg)
	if evicted > 0 {
		c.metrics.Add(metrics.AudioFramesDropped, uint64(evicted))
	}
	if !ok {
		c.metrics.Inc(metrics.AudioFramesDropped)
		return false
	}
	return true
}

// SendReaction queues a reaction subject to the local rate limit.
func (c *Channel) SendReaction(emoji string) bool {
	if emoji == "" || !c.Open() {
		return false
	}
	if !c.reaction.Allow(1) {
		c.metrics.Inc(metrics.ReactionsRateLimited)
		return false
	}
	msg, err := wire.MarshalReaction(emoji)
	if err != nil {
		return false
	}
	ok, evicted := c.queue.Enqueue(msg)
	if evicted > 0 {
		c.metrics.Add(metrics.AudioFramesDropped, uint64(evicted))
	}
	if !ok {
		return false
	}
	c.metrics.Inc(metrics.ReactionsSent)
	return true
}

// HandleMessage dispatches one inbound message.
func (c *Channel) HandleMessage(data []byte) {
	if c.closed.Load() {
		return
	}
	msg := wire.Parse(data)
	switch msg.Kind {
	case wire.KindReaction:
		c.metrics.Inc(metrics.ReactionsReceived)
		if c.h.OnReaction != nil {
			c.h.OnReaction(msg.Emoji)
		}
	default:
		if msg.Fallback {
			c.metrics.Inc(metrics.AudioDecodeFallback)
			c.log.Debug("audio payload decoded via raw fallback", "bytes", len(data))
		}
		c.metrics.Inc(metrics.AudioFramesReceived)
		if c.h.OnAudio != nil && len(msg.Samples) > 0 {
			c.h.OnAudio(msg.Samples, msg.SampleRate)
		}
	}
}

func (c *Channel) writerLoop() {
	for {
		msg, ok := c.queue.Dequeue()
		if !ok {
			return
		}
		if c.dc.BufferedAmount() > c.cfg.MaxBufferedAmount {
			c.metrics.Inc(metrics.AudioFramesDropped)
			continue
		}
		if err := c.dc.SendText(string(msg)); err != nil {
			c.metrics.Inc(metrics.AudioFramesDropped)
			c.log.Debug("audio channel send failed", "err", err)
			continue
		}
		c.metrics.Inc(metrics.AudioFramesSent)
	}
}

func (c *Channel) shutdown() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.open.Store(false)
		c.queue.Close()
	})
}

// Close stops the writer and closes the DataChannel. Calling Close more than
// once is a no-op.
func (c *Channel) Close() {
	first := !c.closed.Load()
	c.shutdown()
	c.wg.Wait()
	if first {
		_ = c.dc.Close()
	}
}

type Stats struct {
	Queued uint64
	Drops  uint64
}

func (c *Channel) Stats() Stats {
	return Stats{Queued: uint64(c.queue.Len()), Drops: c.queue.DropCount()}
}
