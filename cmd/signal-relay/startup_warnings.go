package main

import (
	"log/slog"

	"github.com/webrtcweb/signal-relay/internal/config"
	"github.com/webrtcweb/signal-relay/internal/relay"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxConnections <= 0 {
		logger.Warn("startup security warning: MAX_CONNECTIONS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_connections_unlimited_in_prod",
			"max_connections", cfg.MaxConnections,
			"mode", cfg.Mode,
		)
	}

	if cfg.BroadcastScope == relay.ScopeGlobal {
		logger.Warn("startup security warning: BROADCAST_SCOPE=global relays every message to every connection regardless of room",
			"warning_code", "broadcast_scope_global",
			"broadcast_scope", cfg.BroadcastScope,
			"mode", cfg.Mode,
		)
	}

	// Warn if the per-message cap is unusually large, since this weakens the
	// relay's oversized message DoS hardening.
	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (weakens oversized message DoS hardening)",
			"warning_code", "max_signaling_message_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}
