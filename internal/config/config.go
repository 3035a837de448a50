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
)

const (
	envVarListenAddr      = "PEERCALL_LISTEN_ADDR"
	envVarPublicBaseURL   = "PEERCALL_PUBLIC_BASE_URL"
	envVarStaticDir       = "PEERCALL_STATIC_DIR"
	envVarMode            = "PEERCALL_MODE"
	envVarLogFormat       = "PEERCALL_LOG_FORMAT"
	envVarLogLevel        = "PEERCALL_LOG_LEVEL"
	envVarShutdownTimeout = "PEERCALL_SHUTDOWN_TIMEOUT"

	// Signaling WebSocket hardening knobs.
	envVarMaxMessageBytes      = "PEERCALL_MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = "PEERCALL_MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarWSIdleTimeout        = "PEERCALL_WS_IDLE_TIMEOUT"
	envVarWSPingInterval       = "PEERCALL_WS_PING_INTERVAL"
	envVarAllowedOrigins       = "PEERCALL_ALLOWED_ORIGINS"
)

const (
	DefaultListenAddr      = ":8080"
	DefaultShutdown        = 15 * time.Second
	DefaultWSIdleTimeout   = 60 * time.Second
	DefaultWSPingInterval  = 54 * time.Second
	DefaultMode            = ModeDev
	DefaultMaxMessageBytes = 64 * 1024 // enough for any SDP envelope

	DefaultMaxMessagesPerSecond = 50
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

// Config is the resolved runtime configuration of the relay. Values come
// from flags, falling back to environment variables, falling back to
// defaults.
type Config struct {
	Mode Mode

	ListenAddr    string
	PublicBaseURL string

	// StaticDir, when non-empty, is served at / (the browser client bundle).
	StaticDir string

	LogFormat LogFormat
	LogLevel  slog.Level

	ShutdownTimeout time.Duration

	// ICEServers is handed verbatim to clients via GET /webrtc/ice; the relay
	// itself never dials them.
	ICEServers    []webrtc.ICEServer
	iceServersErr error

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	WSIdleTimeout  time.Duration
	WSPingInterval time.Duration

	// AllowedOrigins restricts browser websocket upgrades. Empty means
	// same-host only; "*" allows any origin. Clients that send no
	// Origin header (non-browser) are always accepted.
	AllowedOrigins []string
}

// ICEConfigError reports a deferred ICE configuration parse error. The relay
// keeps serving signaling with a broken ICE list (host candidates may still
// connect peers on the same network) but readiness reports it.
func (c Config) ICEConfigError() error {
	return c.iceServersErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	logFormatDefault := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(modeDefault))
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(modeDefault))

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOrigins := envOrDefault(lookup, envVarAllowedOrigins, "")
	publicBaseURL := envOrDefault(lookup, envVarPublicBaseURL, "")
	staticDir := envOrDefault(lookup, envVarStaticDir, "")
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	wsIdleTimeout, err := envDurationOrDefault(lookup, envVarWSIdleTimeout, DefaultWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envVarWSPingInterval, DefaultWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	maxMessageBytes, err := envInt64OrDefault(lookup, envVarMaxMessageBytes, DefaultMaxMessageBytes)
	if err != nil {
		return Config{}, err
	}
	maxMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxMessagesPerSecond, DefaultMaxMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("peercall-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+")")
	fs.StringVar(&publicBaseURL, "public-base-url", publicBaseURL, "Public base URL used in room links (env "+envVarPublicBaseURL+")")
	fs.StringVar(&staticDir, "static-dir", staticDir, "Directory of static client assets to serve at / (env "+envVarStaticDir+")")
	fs.StringVar(&allowedOrigins, "allowed-origins", allowedOrigins, "Comma-separated browser origins allowed to upgrade, or * (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config (env "+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs (env "+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "Comma-separated TURN URLs (env "+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username (env "+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential (env "+envTurnCredential+")")
	fs.Int64Var(&maxMessageBytes, "max-signaling-message-bytes", maxMessageBytes, "Max inbound signaling message size in bytes (env "+envVarMaxMessageBytes+")")
	fs.IntVar(&maxMessagesPerSecond, "max-signaling-messages-per-second", maxMessagesPerSecond, "Max inbound signaling messages per second per connection (env "+envVarMaxMessagesPerSecond+")")
	fs.DurationVar(&wsIdleTimeout, "ws-idle-timeout", wsIdleTimeout, "Close signaling connections after this read-idle duration (env "+envVarWSIdleTimeout+")")
	fs.DurationVar(&wsPingInterval, "ws-ping-interval", wsPingInterval, "Ping interval on signaling connections; must be < --ws-idle-timeout (env "+envVarWSPingInterval+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("max-signaling-message-bytes must be > 0 (got %d)", maxMessageBytes)
	}
	if maxMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("max-signaling-messages-per-second must be > 0 (got %d)", maxMessagesPerSecond)
	}
	if wsPingInterval <= 0 || wsIdleTimeout <= 0 || wsPingInterval >= wsIdleTimeout {
		return Config{}, fmt.Errorf("ws-ping-interval (%s) must be positive and less than ws-idle-timeout (%s)", wsPingInterval, wsIdleTimeout)
	}

	cfg := Config{
		Mode:            mode,
		ListenAddr:      listenAddr,
		PublicBaseURL:   strings.TrimRight(strings.TrimSpace(publicBaseURL), "/"),
		StaticDir:       staticDir,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: shutdownTimeout,

		MaxSignalingMessageBytes:      maxMessageBytes,
		MaxSignalingMessagesPerSecond: maxMessagesPerSecond,

		WSIdleTimeout:  wsIdleTimeout,
		WSPingInterval: wsPingInterval,

		AllowedOrigins: splitCommaSeparated(allowedOrigins),
	}

	cfg.ICEServers, cfg.iceServersErr = parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential)
	if cfg.iceServersErr == nil && len(cfg.ICEServers) == 0 {
		cfg.ICEServers = DefaultICEServers()
	}

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

func envInt64OrDefault(lookup func(string) (string, bool), key string, fallback int64) (int64, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
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

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
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
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}
