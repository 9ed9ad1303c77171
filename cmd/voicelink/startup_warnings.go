package main

import (
	"log/slog"
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/samber/lo"

	"github.com/p2pvoice/voicelink/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if len(cfg.ICEServers) == 0 {
		logger.Warn("startup warning: no ICE servers configured; only host candidates will be gathered",
			"warning_code", "no_ice_servers",
			"mode", cfg.Mode,
		)
	} else if !hasTURN(cfg.ICEServers) {
		logger.Warn("startup warning: no TURN server configured; calls between symmetric NATs will fail",
			"warning_code", "no_turn_server",
			"ice_servers", len(cfg.ICEServers),
			"mode", cfg.Mode,
		)
	}

	if cfg.SignalingURL != "" && strings.HasPrefix(cfg.SignalingURL, "ws://") && cfg.APIKey != "" {
		logger.Warn("startup warning: API key is sent over unencrypted ws://",
			"warning_code", "api_key_over_plaintext",
			"mode", cfg.Mode,
		)
	}
}

func hasTURN(servers []webrtc.ICEServer) bool {
	return lo.SomeBy(servers, func(server webrtc.ICEServer) bool {
		return lo.SomeBy(server.URLs, isTURNURL)
	})
}

func isTURNURL(raw string) bool {
	url := strings.ToLower(strings.TrimSpace(raw))
	return strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:")
}
