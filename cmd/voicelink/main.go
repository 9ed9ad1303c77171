// Command voicelink joins a room on a signaling relay and holds a two-party
// voice call with whoever else joins it.
//
// Audio comes from a synthetic device: a 440Hz tone while talking is toggled
// on, silence otherwise. Received audio is summarised as a level meter in the
// log. Commands are read from stdin, one per line:
//
//	/talk          toggle the test tone
//	/mute          toggle microphone mute
//	/deafen        toggle speaker deafen
//	/vad <0..1>    set the voice activity threshold
//	/quit          leave the room and exit
//	anything else  sent as a reaction
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/p2pvoice/voicelink/internal/call"
	"github.com/p2pvoice/voicelink/internal/config"
	"github.com/p2pvoice/voicelink/internal/metrics"
	"github.com/p2pvoice/voicelink/internal/signaling"
	"github.com/p2pvoice/voicelink/internal/webrtcpeer"
)

const iceFetchTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if cfg.SignalingURL == "" {
		fmt.Fprintln(os.Stderr, "--signaling-url is required")
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = relayICEServers(ctx, cfg, logger)
	}
	logStartupWarnings(logger, cfg)

	api, err := webrtcpeer.NewAPI(cfg, logger)
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		os.Exit(2)
	}

	sig := newClientSignaler()
	callCfg := call.ConfigFrom(cfg)
	callCfg.API = api
	ctrl := call.New(callCfg, sig, call.Options{
		Hooks: call.Hooks{
			OnState: func(prev, next webrtcpeer.State) {
				logger.Info("call state", "prev", prev.String(), "state", next.String())
			},
			OnSpeaking: func(speaking bool) {
				logger.Info("local voice activity", "speaking", speaking)
			},
			OnReaction: func(emoji string) {
				logger.Info("reaction received", "reaction", emoji)
			},
			OnEnded: func(err error) {
				if err != nil {
					logger.Warn("call ended", "err", err)
					return
				}
				logger.Info("call ended")
			},
		},
		Metrics: metrics.New(),
		Logger:  logger,
	})
	defer ctrl.Close()

	if err := ctrl.Setup(); err != nil {
		logger.Error("failed to set up audio", "err", err)
		os.Exit(1)
	}

	client, err := signaling.Dial(ctx, signaling.ClientConfig{
		URL:     cfg.SignalingURL,
		Room:    cfg.Room,
		APIKey:  cfg.APIKey,
		Handler: ctrl,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("failed to reach signaling relay", "url", cfg.SignalingURL, "err", err)
		os.Exit(1)
	}
	sig.set(client)
	logger.Info("joined room", "room", cfg.Room, "signaling_url", cfg.SignalingURL)

	dev := newToneDevice(ctrl, cfg.CaptureSampleRate, cfg.PlaybackSampleRate, logger)
	go dev.run(ctx)

	quit := make(chan struct{})
	go func() {
		defer close(quit)
		runCommands(bufio.NewScanner(os.Stdin), ctrl, dev, logger)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case <-quit:
	case <-client.Done():
		if err := client.Err(); err != nil && !errors.Is(err, signaling.ErrClientClosed) {
			logger.Error("signaling connection lost", "err", err)
		}
	}

	ctrl.Stop()
	if err := client.Close(); err != nil {
		logger.Warn("signaling close failed", "err", err)
	}
}

// relayICEServers asks the relay for ICE servers when none are configured
// locally. Failure is not fatal: host candidates still work on a LAN.
func relayICEServers(ctx context.Context, cfg config.Config, logger *slog.Logger) []webrtc.ICEServer {
	ctx, cancel := context.WithTimeout(ctx, iceFetchTimeout)
	defer cancel()
	ice, err := signaling.FetchICEConfig(ctx, nil, cfg.SignalingURL, cfg.APIKey)
	if err != nil {
		logger.Warn("no ice servers from relay", "err", err)
		return nil
	}
	attrs := []any{"ice_servers", len(ice.ICEServers)}
	if ice.ExpiresAt != nil {
		attrs = append(attrs, "credentials_expire", ice.ExpiresAt.Format(time.RFC3339))
	}
	logger.Info("using ice servers from relay", attrs...)
	return ice.ICEServers
}

// clientSignaler forwards to the signaling client once it is dialed. The
// controller is built first because it is the client's handler, and the relay
// may answer the join before Dial returns.
type clientSignaler struct {
	client *signaling.Client
	dialed chan struct{}
}

func newClientSignaler() *clientSignaler {
	return &clientSignaler{dialed: make(chan struct{})}
}

func (s *clientSignaler) set(c *signaling.Client) {
	s.client = c
	close(s.dialed)
}

func (s *clientSignaler) wait(ctx context.Context) (*signaling.Client, error) {
	select {
	case <-s.dialed:
		return s.client, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *clientSignaler) SendDescription(ctx context.Context, kind webrtcpeer.DescriptionKind, desc webrtc.SessionDescription) error {
	c, err := s.wait(ctx)
	if err != nil {
		return err
	}
	return c.SendDescription(ctx, kind, desc)
}

func (s *clientSignaler) SendCandidate(ctx context.Context, candidate webrtc.ICECandidateInit) error {
	c, err := s.wait(ctx)
	if err != nil {
		return err
	}
	return c.SendCandidate(ctx, candidate)
}
