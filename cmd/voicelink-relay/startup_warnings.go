package main

import (
	"log/slog"
	"net"
	"time"

	"github.com/samber/lo"

	"github.com/p2pvoice/voicelink/internal/config"
)

// minProdAPIKeyLength is the shortest API key accepted without a warning in
// prod mode.
const minProdAPIKeyLength = 16

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none disables authentication",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.AuthMode == config.AuthModeAPIKey && len(cfg.APIKey) < minProdAPIKeyLength {
		logger.Warn("startup security warning: API key is short while --mode=prod",
			"warning_code", "api_key_short_in_prod",
			"api_key_length", len(cfg.APIKey),
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && !listensOnLoopback(cfg.ListenAddr) && cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: relay is reachable beyond loopback without authentication",
			"warning_code", "public_listen_without_auth",
			"listen_addr", cfg.ListenAddr,
			"mode", cfg.Mode,
		)
	}

	if lo.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.TURNREST.Enabled() && cfg.TURNREST.TTL > 24*time.Hour {
		logger.Warn("startup security warning: TURN_REST_TTL is very large (leaked TURN credentials stay valid for long)",
			"warning_code", "turn_rest_ttl_large",
			"turn_rest_ttl", cfg.TURNREST.TTL,
			"mode", cfg.Mode,
		)
	}
	if cfg.TURNREST.Enabled() && cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: TURN REST credentials are handed out without authentication",
			"warning_code", "turn_rest_without_auth",
			"mode", cfg.Mode,
		)
	}

	// Large caps weaken the relay's per-connection DoS hardening.
	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "max_signaling_message_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}
	if cfg.MaxSignalingMessagesPerSecond > 1000 {
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGES_PER_SECOND is very large",
			"warning_code", "max_signaling_rate_large",
			"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
			"mode", cfg.Mode,
		)
	}
	if cfg.SignalingIdleTimeout > 10*time.Minute {
		logger.Warn("startup security warning: SIGNALING_IDLE_TIMEOUT is very large (half-open connections linger)",
			"warning_code", "signaling_idle_timeout_large",
			"signaling_idle_timeout", cfg.SignalingIdleTimeout,
			"mode", cfg.Mode,
		)
	}
}

func listensOnLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
