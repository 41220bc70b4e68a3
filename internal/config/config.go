package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/webrtcweb/signal-relay/internal/relay"
)

const (
	envVarListenAddr      = "SIGNAL_RELAY_LISTEN_ADDR"
	envVarMode            = "SIGNAL_RELAY_MODE"
	envVarLogFormat       = "SIGNAL_RELAY_LOG_FORMAT"
	envVarLogLevel        = "SIGNAL_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "SIGNAL_RELAY_SHUTDOWN_TIMEOUT"

	envVarAllowedOrigins = "ALLOWED_ORIGINS"
	envVarStaticDir      = "STATIC_DIR"
	envVarTLSCertFile    = "TLS_CERT_FILE"
	envVarTLSKeyFile     = "TLS_KEY_FILE"

	// Relay semantics knobs.
	envVarBroadcastScope = "BROADCAST_SCOPE"
	envVarRoomTeardown   = "ROOM_TEARDOWN"

	// Connection quota + WebSocket hardening.
	envVarMaxConnections                = "MAX_CONNECTIONS"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
)

const (
	DefaultListenAddr                   = "127.0.0.1:8080"
	DefaultShutdownTimeout              = 15 * time.Second
	DefaultMode                    Mode = ModeDev
	DefaultMaxSignalingMessageBytes     = int64(64 * 1024)

	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// AllowedOrigins drives the CORS middleware. "*" (the default) allows
	// every origin.
	AllowedOrigins []string

	// StaticDir, when set, is served under /ui/, typically holding a demo
	// page. Empty disables static serving.
	StaticDir string

	// TLSCertFile/TLSKeyFile enable TLS when both are set.
	TLSCertFile string
	TLSKeyFile  string

	BroadcastScope relay.BroadcastScope
	RoomTeardown   relay.RoomTeardown

	// MaxConnections caps concurrently open signaling connections. <= 0 means
	// unlimited.
	MaxConnections int

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration

	// ICEServers is the STUN/TURN list handed to clients via GET /ice.
	ICEServers []webrtc.ICEServer

	iceConfigErr error
}

// ICEConfigError reports a problem with the configured ICE server list. The
// relay still runs with a broken ICE config; /readyz and /ice surface the
// error instead.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode := envOrDefault(lookup, envVarMode, string(DefaultMode))

	fs := flag.NewFlagSet("signal-relay", flag.ContinueOnError)
	listenAddr := fs.String("listen-addr", envOrDefault(lookup, envVarListenAddr, DefaultListenAddr), "TCP address to listen on")
	mode := fs.String("mode", envMode, "dev or prod; selects logging defaults")
	logFormat := fs.String("log-format", envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(envMode)), "text or json")
	logLevel := fs.String("log-level", envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(envMode)), "debug, info, warn or error")
	staticDir := fs.String("static-dir", envOrDefault(lookup, envVarStaticDir, ""), "directory served under /ui/ (empty disables)")
	tlsCert := fs.String("tls-cert", envOrDefault(lookup, envVarTLSCertFile, ""), "TLS certificate file")
	tlsKey := fs.String("tls-key", envOrDefault(lookup, envVarTLSKeyFile, ""), "TLS key file")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:  *listenAddr,
		StaticDir:   *staticDir,
		TLSCertFile: *tlsCert,
		TLSKeyFile:  *tlsKey,
	}

	switch Mode(strings.TrimSpace(*mode)) {
	case ModeDev:
		cfg.Mode = ModeDev
	case ModeProd:
		cfg.Mode = ModeProd
	default:
		return Config{}, fmt.Errorf("invalid mode %q (want dev or prod)", *mode)
	}

	switch LogFormat(strings.TrimSpace(*logFormat)) {
	case LogFormatText:
		cfg.LogFormat = LogFormatText
	case LogFormatJSON:
		cfg.LogFormat = LogFormatJSON
	default:
		return Config{}, fmt.Errorf("invalid log format %q (want text or json)", *logFormat)
	}

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = level

	cfg.ShutdownTimeout, err = envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}

	cfg.AllowedOrigins = splitCommaSeparated(envOrDefault(lookup, envVarAllowedOrigins, "*"))

	switch scope := relay.BroadcastScope(envOrDefault(lookup, envVarBroadcastScope, string(relay.ScopeScoped))); scope {
	case relay.ScopeScoped, relay.ScopeGlobal:
		cfg.BroadcastScope = scope
	default:
		return Config{}, fmt.Errorf("invalid %s %q (want scoped or global)", envVarBroadcastScope, scope)
	}

	switch teardown := relay.RoomTeardown(envOrDefault(lookup, envVarRoomTeardown, string(relay.TeardownCreator))); teardown {
	case relay.TeardownCreator, relay.TeardownLastMember:
		cfg.RoomTeardown = teardown
	default:
		return Config{}, fmt.Errorf("invalid %s %q (want creator or last-member)", envVarRoomTeardown, teardown)
	}

	cfg.MaxConnections, err = envIntOrDefault(lookup, envVarMaxConnections, 0)
	if err != nil {
		return Config{}, err
	}

	maxMessageBytes, err := envIntOrDefault(lookup, envVarMaxSignalingMessageBytes, int(DefaultMaxSignalingMessageBytes))
	if err != nil {
		return Config{}, err
	}
	cfg.MaxSignalingMessageBytes = int64(maxMessageBytes)

	cfg.MaxSignalingMessagesPerSecond, err = envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}

	cfg.SignalingWSIdleTimeout, err = envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SignalingWSPingInterval, err = envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}

	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return Config{}, fmt.Errorf("%s and %s must be set together", envVarTLSCertFile, envVarTLSKeyFile)
	}

	// A broken ICE list is recorded, not fatal: the relay's core job does not
	// depend on it.
	cfg.ICEServers, cfg.iceConfigErr = parseICEServersFromEnv(lookup)

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", raw)
	}
}

func defaultLogFormatForMode(mode string) string {
	if Mode(strings.TrimSpace(mode)) == ModeProd {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode string) string {
	if Mode(strings.TrimSpace(mode)) == ModeProd {
		return "info"
	}
	return "debug"
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func splitCommaSeparated(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
