package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarConfigFile      = "VOICELINK_CONFIG_FILE"
	envVarMode            = "VOICELINK_MODE"
	envVarLogFormat       = "VOICELINK_LOG_FORMAT"
	envVarLogLevel        = "VOICELINK_LOG_LEVEL"
	envVarListenAddr      = "VOICELINK_LISTEN_ADDR"
	envVarShutdownTimeout = "VOICELINK_SHUTDOWN_TIMEOUT"

	// Signaling relay hardening.
	envVarAuthMode                      = "VOICELINK_AUTH_MODE"
	envVarAPIKey                        = "VOICELINK_API_KEY"
	envVarSignalingPingInterval         = "VOICELINK_SIGNALING_PING_INTERVAL"
	envVarSignalingIdleTimeout          = "VOICELINK_SIGNALING_IDLE_TIMEOUT"
	envVarMaxSignalingMessageBytes      = "VOICELINK_MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "VOICELINK_MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarAllowedOrigins                = "VOICELINK_ALLOWED_ORIGINS"

	// Ephemeral TURN credentials served by the relay's /ice endpoint.
	envVarTURNRESTSharedSecret   = "VOICELINK_TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTL            = "VOICELINK_TURN_REST_TTL"
	envVarTURNRESTUsernamePrefix = "VOICELINK_TURN_REST_USERNAME_PREFIX"

	// Peer.
	envVarSignalingURL = "VOICELINK_SIGNALING_URL"
	envVarRoom         = "VOICELINK_ROOM"

	// Audio pipeline.
	envVarCaptureSampleRate  = "VOICELINK_CAPTURE_SAMPLE_RATE"
	envVarPlaybackSampleRate = "VOICELINK_PLAYBACK_SAMPLE_RATE"
	envVarVADThreshold       = "VOICELINK_VAD_THRESHOLD"
	envVarVADHangoverFrames  = "VOICELINK_VAD_HANGOVER_FRAMES"
	envVarJitterBufferFrames = "VOICELINK_JITTER_BUFFER_FRAMES"

	// Audio DataChannel.
	envVarSendQueueBytes     = "VOICELINK_SEND_QUEUE_BYTES"
	envVarMaxBufferedAmount  = "VOICELINK_MAX_BUFFERED_AMOUNT"
	envVarReactionBurst      = "VOICELINK_REACTION_BURST"
	envVarReactionsPerSecond = "VOICELINK_REACTIONS_PER_SECOND"

	// ICE restart policy.
	envVarReconnectDelay       = "VOICELINK_RECONNECT_DELAY"
	envVarReconnectMaxAttempts = "VOICELINK_RECONNECT_MAX_ATTEMPTS"
	envVarReconnectBackoff     = "VOICELINK_RECONNECT_BACKOFF"
	envVarReconnectMaxDelay    = "VOICELINK_RECONNECT_MAX_DELAY"

	envVarWebRTCUDPPortMin             = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax             = "WEBRTC_UDP_PORT_MAX"
	envVarWebRTCUDPListenIP            = "WEBRTC_UDP_LISTEN_IP"
	envVarWebRTCNAT1To1IPs             = "WEBRTC_NAT_1TO1_IPS"
	envVarWebRTCNAT1To1IPCandidateType = "WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"
)

const (
	DefaultMode            Mode = ModeDev
	DefaultListenAddr           = "127.0.0.1:8080"
	DefaultShutdown             = 15 * time.Second
	DefaultAuthMode             = AuthModeNone
	DefaultWebRTCUDPListenIP    = "0.0.0.0"
	DefaultRoom                 = "lobby"

	DefaultSignalingPingInterval         = 20 * time.Second
	DefaultSignalingIdleTimeout          = 60 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50

	DefaultSampleRate         = 48000
	DefaultVADThreshold       = 0.01
	DefaultVADHangoverFrames  = 10
	DefaultJitterBufferFrames = 20

	DefaultSendQueueBytes     = 64 * 1024
	DefaultMaxBufferedAmount  = 256 * 1024
	DefaultReactionBurst      = 10
	DefaultReactionsPerSecond = 5

	DefaultReconnectDelay    = 3 * time.Second
	DefaultReconnectBackoff  = 1.0
	DefaultReconnectMaxDelay = 30 * time.Second

	DefaultTURNRESTTTL            = time.Hour
	DefaultTURNRESTUsernamePrefix = "voicelink"
)

// recommendedWebRTCUDPPortRangeSize guards against ranges so small that ICE
// runs out of ports under restarts.
const recommendedWebRTCUDPPortRangeSize = 100

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

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
)

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

// TurnRESTConfig configures coturn-style ephemeral TURN credentials. It is
// enabled when SharedSecret is set.
type TurnRESTConfig struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string
}

func (c TurnRESTConfig) Enabled() bool {
	return c.SharedSecret != ""
}

type UDPPortRange struct {
	Min uint16
	Max uint16
}

type Config struct {
	Mode       Mode
	LogFormat  LogFormat
	LogLevel   slog.Level
	ConfigFile string

	// Relay.
	ListenAddr      string
	ShutdownTimeout time.Duration
	AuthMode        AuthMode
	APIKey          string

	SignalingPingInterval         time.Duration
	SignalingIdleTimeout          time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	// AllowedOrigins limits browser origins on the relay. Empty means
	// same-host only; requests without an Origin header are always allowed.
	AllowedOrigins []string
	TURNREST       TurnRESTConfig

	// Peer.
	SignalingURL string
	Room         string

	ICEServers []webrtc.ICEServer

	// WebRTCUDPPortRange restricts the UDP ports used for ICE. When nil, pion
	// lets the OS pick ephemeral ports.
	WebRTCUDPPortRange *UDPPortRange
	// WebRTCUDPListenIP restricts ICE to one local address. 0.0.0.0 keeps the
	// library default.
	WebRTCUDPListenIP            net.IP
	WebRTCNAT1To1IPs             []string
	WebRTCNAT1To1IPCandidateType NAT1To1IPCandidateType

	CaptureSampleRate  int
	PlaybackSampleRate int
	VADThreshold       float64
	VADHangoverFrames  int
	JitterBufferFrames int

	SendQueueBytes     int
	MaxBufferedAmount  int
	ReactionBurst      int
	ReactionsPerSecond int

	ReconnectDelay time.Duration
	// ReconnectMaxAttempts caps consecutive ICE restarts; 0 means unbounded.
	ReconnectMaxAttempts int
	// ReconnectBackoff multiplies the delay after every failed restart; 1
	// keeps it constant.
	ReconnectBackoff  float64
	ReconnectMaxDelay time.Duration
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(envLookup func(string) (string, bool), args []string) (Config, error) {
	configFile := configFileFromArgs(args)
	if configFile == "" {
		configFile = envOrDefault(envLookup, envVarConfigFile, "")
	}
	lookup := envLookup
	if configFile != "" {
		values, err := readFileValues(configFile)
		if err != nil {
			return Config{}, err
		}
		lookup = layeredLookup(envLookup, values)
	}

	modeDefault := envOrDefault(lookup, envVarMode, string(DefaultMode))
	logFormatDefault := envOrDefault(lookup, envVarLogFormat, "")
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, "")

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	authModeStr := envOrDefault(lookup, envVarAuthMode, string(DefaultAuthMode))
	apiKey := envOrDefault(lookup, envVarAPIKey, "")
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)
	signalingURL := envOrDefault(lookup, envVarSignalingURL, "")
	room := envOrDefault(lookup, envVarRoom, DefaultRoom)

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	webrtcUDPListenIPStr := envOrDefault(lookup, envVarWebRTCUDPListenIP, DefaultWebRTCUDPListenIP)
	webrtcNAT1To1IPsStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPs, "")
	webrtcNAT1To1CandidateTypeStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost))

	var errs []error
	durationVar := func(key string, fallback time.Duration) time.Duration {
		d, err := envDurationOrDefault(lookup, key, fallback)
		errs = append(errs, err)
		return d
	}
	intVar := func(key string, fallback int) int {
		n, err := envIntOrDefault(lookup, key, fallback)
		errs = append(errs, err)
		return n
	}
	floatVar := func(key string, fallback float64) float64 {
		f, err := envFloatOrDefault(lookup, key, fallback)
		errs = append(errs, err)
		return f
	}

	shutdownTimeout := durationVar(envVarShutdownTimeout, DefaultShutdown)
	signalingPingInterval := durationVar(envVarSignalingPingInterval, DefaultSignalingPingInterval)
	signalingIdleTimeout := durationVar(envVarSignalingIdleTimeout, DefaultSignalingIdleTimeout)
	maxSignalingMessageBytes := int64(intVar(envVarMaxSignalingMessageBytes, int(DefaultMaxSignalingMessageBytes)))
	maxSignalingMessagesPerSecond := intVar(envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	turnRESTTTL := durationVar(envVarTURNRESTTTL, DefaultTURNRESTTTL)

	captureSampleRate := intVar(envVarCaptureSampleRate, DefaultSampleRate)
	playbackSampleRate := intVar(envVarPlaybackSampleRate, DefaultSampleRate)
	vadThreshold := floatVar(envVarVADThreshold, DefaultVADThreshold)
	vadHangoverFrames := intVar(envVarVADHangoverFrames, DefaultVADHangoverFrames)
	jitterBufferFrames := intVar(envVarJitterBufferFrames, DefaultJitterBufferFrames)

	sendQueueBytes := intVar(envVarSendQueueBytes, DefaultSendQueueBytes)
	maxBufferedAmount := intVar(envVarMaxBufferedAmount, DefaultMaxBufferedAmount)
	reactionBurst := intVar(envVarReactionBurst, DefaultReactionBurst)
	reactionsPerSecond := intVar(envVarReactionsPerSecond, DefaultReactionsPerSecond)

	reconnectDelay := durationVar(envVarReconnectDelay, DefaultReconnectDelay)
	reconnectMaxAttempts := intVar(envVarReconnectMaxAttempts, 0)
	reconnectBackoff := floatVar(envVarReconnectBackoff, DefaultReconnectBackoff)
	reconnectMaxDelay := durationVar(envVarReconnectMaxDelay, DefaultReconnectMaxDelay)

	var webrtcUDPPortMin, webrtcUDPPortMax uint
	for _, p := range []struct {
		key string
		dst *uint
	}{
		{envVarWebRTCUDPPortMin, &webrtcUDPPortMin},
		{envVarWebRTCUDPPortMax, &webrtcUDPPortMax},
	} {
		raw, ok := lookup(p.key)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		port, err := parsePortString(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s %q: %w", p.key, raw, err))
			continue
		}
		*p.dst = uint(port)
	}

	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("voicelink", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&configFile, "config", configFile, "YAML config file (env "+envVarConfigFile+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json (default depends on mode)")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error (default depends on mode)")
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "Relay HTTP listen address (host:port)")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.StringVar(&authModeStr, "auth-mode", authModeStr, "Relay auth mode: none or api_key (env "+envVarAuthMode+")")
	fs.StringVar(&apiKey, "api-key", apiKey, "API key required by (relay) or presented to (peer) the signaling relay (env "+envVarAPIKey+")")
	fs.DurationVar(&signalingPingInterval, "signaling-ping-interval", signalingPingInterval, "WebSocket ping interval (must be < --signaling-idle-timeout)")
	fs.DurationVar(&signalingIdleTimeout, "signaling-idle-timeout", signalingIdleTimeout, "Close signaling WebSockets idle for this long")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound signaling message size in bytes")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Max inbound signaling messages per second per connection")

	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated browser origins allowed on the relay; * allows any (env "+envVarAllowedOrigins+")")
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "Shared secret for ephemeral TURN credentials (env "+envVarTURNRESTSharedSecret+")")
	fs.DurationVar(&turnRESTTTL, "turn-rest-ttl", turnRESTTTL, "Lifetime of ephemeral TURN credentials")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "Username prefix for ephemeral TURN credentials")

	fs.StringVar(&signalingURL, "signaling-url", signalingURL, "Signaling relay WebSocket URL, e.g. ws://host:8080/signal (env "+envVarSignalingURL+")")
	fs.StringVar(&room, "room", room, "Room to join on the signaling relay")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "Comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")

	fs.UintVar(&webrtcUDPPortMin, "webrtc-udp-port-min", webrtcUDPPortMin, "Min UDP port for ICE (0 = unset)")
	fs.UintVar(&webrtcUDPPortMax, "webrtc-udp-port-max", webrtcUDPPortMax, "Max UDP port for ICE (0 = unset)")
	fs.StringVar(&webrtcUDPListenIPStr, "webrtc-udp-listen-ip", webrtcUDPListenIPStr, "Local listen IP for ICE UDP sockets")
	fs.StringVar(&webrtcNAT1To1IPsStr, "webrtc-nat-1to1-ips", webrtcNAT1To1IPsStr, "Comma-separated public IPs to advertise for ICE")
	fs.StringVar(&webrtcNAT1To1CandidateTypeStr, "webrtc-nat-1to1-ip-candidate-type", webrtcNAT1To1CandidateTypeStr, "Candidate type for NAT 1:1 IPs: host or srflx")

	fs.IntVar(&captureSampleRate, "capture-sample-rate", captureSampleRate, "Microphone sample rate in Hz")
	fs.IntVar(&playbackSampleRate, "playback-sample-rate", playbackSampleRate, "Speaker sample rate in Hz")
	fs.Float64Var(&vadThreshold, "vad-threshold", vadThreshold, "RMS level above which a 20ms window counts as speech")
	fs.IntVar(&vadHangoverFrames, "vad-hangover-frames", vadHangoverFrames, "Silent windows tolerated before speech ends")
	fs.IntVar(&jitterBufferFrames, "jitter-buffer-frames", jitterBufferFrames, "Playback jitter buffer depth in 20ms frames")

	fs.IntVar(&sendQueueBytes, "send-queue-bytes", sendQueueBytes, "Max queued outbound audio bytes before dropping")
	fs.IntVar(&maxBufferedAmount, "max-buffered-amount", maxBufferedAmount, "DataChannel buffered amount above which audio is dropped")
	fs.IntVar(&reactionBurst, "reaction-burst", reactionBurst, "Reaction burst size")
	fs.IntVar(&reactionsPerSecond, "reactions-per-second", reactionsPerSecond, "Sustained reactions per second")

	fs.DurationVar(&reconnectDelay, "reconnect-delay", reconnectDelay, "Wait this long in reconnecting before restarting ICE")
	fs.IntVar(&reconnectMaxAttempts, "reconnect-max-attempts", reconnectMaxAttempts, "Max consecutive ICE restarts (0 = unbounded)")
	fs.Float64Var(&reconnectBackoff, "reconnect-backoff", reconnectBackoff, "Delay multiplier after each failed restart (1 = constant)")
	fs.DurationVar(&reconnectMaxDelay, "reconnect-max-delay", reconnectMaxDelay, "Upper bound for the restart delay")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(logFormatStr) == "" {
		logFormatStr = defaultLogFormatForMode(mode)
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(logLevelStr) == "" {
		logLevelStr = defaultLogLevelForMode(mode)
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}
	if authMode == AuthModeAPIKey && strings.TrimSpace(apiKey) == "" {
		return Config{}, fmt.Errorf("%s=%s requires %s/--api-key", envVarAuthMode, AuthModeAPIKey, envVarAPIKey)
	}

	turnREST := TurnRESTConfig{
		SharedSecret:   strings.TrimSpace(turnRESTSharedSecret),
		TTL:            turnRESTTTL,
		UsernamePrefix: strings.TrimSpace(turnRESTUsernamePrefix),
	}
	if turnREST.Enabled() {
		if turnREST.TTL < time.Second {
			return Config{}, fmt.Errorf("%s must be >= 1s when %s is set", envVarTURNRESTTTL, envVarTURNRESTSharedSecret)
		}
		if turnREST.UsernamePrefix == "" || strings.Contains(turnREST.UsernamePrefix, ":") {
			return Config{}, fmt.Errorf("%s must be non-empty and must not contain ':'", envVarTURNRESTUsernamePrefix)
		}
	}

	if signalingURL != "" {
		u, err := url.Parse(signalingURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return Config{}, fmt.Errorf("invalid %s/--signaling-url %q (expected ws:// or wss:// URL)", envVarSignalingURL, signalingURL)
		}
	}
	if strings.TrimSpace(room) == "" {
		return Config{}, fmt.Errorf("room must not be empty")
	}

	if signalingIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("signaling idle timeout must be > 0")
	}
	if signalingPingInterval <= 0 || signalingPingInterval >= signalingIdleTimeout {
		return Config{}, fmt.Errorf("signaling ping interval (%s) must be > 0 and < idle timeout (%s)", signalingPingInterval, signalingIdleTimeout)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("max signaling message bytes must be > 0")
	}
	if maxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("max signaling messages per second must be > 0")
	}

	if captureSampleRate <= 0 || playbackSampleRate <= 0 {
		return Config{}, fmt.Errorf("sample rates must be > 0 (capture=%d playback=%d)", captureSampleRate, playbackSampleRate)
	}
	if vadThreshold < 0 || vadThreshold > 1 {
		return Config{}, fmt.Errorf("vad threshold must be between 0 and 1, got %v", vadThreshold)
	}
	if vadHangoverFrames < 0 {
		return Config{}, fmt.Errorf("vad hangover frames must be >= 0")
	}
	if jitterBufferFrames <= 0 {
		return Config{}, fmt.Errorf("jitter buffer frames must be > 0")
	}
	if sendQueueBytes <= 0 || maxBufferedAmount <= 0 {
		return Config{}, fmt.Errorf("send queue bytes and max buffered amount must be > 0")
	}
	if reactionBurst <= 0 || reactionsPerSecond <= 0 {
		return Config{}, fmt.Errorf("reaction burst and rate must be > 0")
	}

	if reconnectDelay < 0 {
		return Config{}, fmt.Errorf("reconnect delay must be >= 0")
	}
	if reconnectMaxAttempts < 0 {
		return Config{}, fmt.Errorf("reconnect max attempts must be >= 0")
	}
	if reconnectBackoff < 1 {
		return Config{}, fmt.Errorf("reconnect backoff must be >= 1, got %v", reconnectBackoff)
	}
	if reconnectMaxDelay < reconnectDelay {
		reconnectMaxDelay = reconnectDelay
	}

	var webrtcUDPPortRange *UDPPortRange
	if webrtcUDPPortMin != 0 || webrtcUDPPortMax != 0 {
		if (webrtcUDPPortMin == 0) != (webrtcUDPPortMax == 0) {
			return Config{}, fmt.Errorf("%s and %s must be set together (or both unset)", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
		}
		min, err := parsePortUint(webrtcUDPPortMin)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", envVarWebRTCUDPPortMin, err)
		}
		max, err := parsePortUint(webrtcUDPPortMax)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", envVarWebRTCUDPPortMax, err)
		}
		if min > max {
			return Config{}, fmt.Errorf("WebRTC UDP port range min (%d) must be <= max (%d)", min, max)
		}
		if size := int(max) - int(min) + 1; size < recommendedWebRTCUDPPortRangeSize {
			return Config{}, fmt.Errorf("WebRTC UDP port range is too small: %d ports (min %d recommended)", size, recommendedWebRTCUDPPortRangeSize)
		}
		webrtcUDPPortRange = &UDPPortRange{Min: min, Max: max}
	}

	webrtcUDPListenIP := net.ParseIP(strings.TrimSpace(webrtcUDPListenIPStr))
	if webrtcUDPListenIP == nil {
		return Config{}, fmt.Errorf("invalid %s %q", envVarWebRTCUDPListenIP, webrtcUDPListenIPStr)
	}

	var webrtcNAT1To1IPs []string
	if strings.TrimSpace(webrtcNAT1To1IPsStr) != "" {
		webrtcNAT1To1IPs, err = parseIPList(webrtcNAT1To1IPsStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCNAT1To1IPs, webrtcNAT1To1IPsStr, err)
		}
	}
	webrtcNAT1To1CandidateType, err := parseCandidateType(webrtcNAT1To1CandidateTypeStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCNAT1To1IPCandidateType, webrtcNAT1To1CandidateTypeStr, err)
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential, turnREST.Enabled())
	if err != nil {
		return Config{}, err
	}

	return Config{
		Mode:       mode,
		LogFormat:  logFormat,
		LogLevel:   level,
		ConfigFile: configFile,

		ListenAddr:      listenAddr,
		ShutdownTimeout: shutdownTimeout,
		AuthMode:        authMode,
		APIKey:          apiKey,

		SignalingPingInterval:         signalingPingInterval,
		SignalingIdleTimeout:          signalingIdleTimeout,
		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,
		AllowedOrigins:                splitCommaSeparated(allowedOriginsStr),
		TURNREST:                      turnREST,

		SignalingURL: signalingURL,
		Room:         room,

		ICEServers:                   iceServers,
		WebRTCUDPPortRange:           webrtcUDPPortRange,
		WebRTCUDPListenIP:            webrtcUDPListenIP,
		WebRTCNAT1To1IPs:             webrtcNAT1To1IPs,
		WebRTCNAT1To1IPCandidateType: webrtcNAT1To1CandidateType,

		CaptureSampleRate:  captureSampleRate,
		PlaybackSampleRate: playbackSampleRate,
		VADThreshold:       vadThreshold,
		VADHangoverFrames:  vadHangoverFrames,
		JitterBufferFrames: jitterBufferFrames,

		SendQueueBytes:     sendQueueBytes,
		MaxBufferedAmount:  maxBufferedAmount,
		ReactionBurst:      reactionBurst,
		ReactionsPerSecond: reactionsPerSecond,

		ReconnectDelay:       reconnectDelay,
		ReconnectMaxAttempts: reconnectMaxAttempts,
		ReconnectBackoff:     reconnectBackoff,
		ReconnectMaxDelay:    reconnectMaxDelay,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg Config, w io.Writer) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(w, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

// configFileFromArgs finds --config before the flag set is built, since the
// file supplies flag defaults.
func configFileFromArgs(args []string) string {
	for i, arg := range args {
		if arg == "--" {
			return ""
		}
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !strings.HasPrefix(arg, "-") || name != "config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
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

func envFloatOrDefault(lookup func(string) (string, bool), key string, fallback float64) (float64, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return f, nil
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

func defaultLogFormatForMode(mode Mode) string {
	if mode == ModeProd {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode Mode) string {
	if mode == ModeProd {
		return "info"
	}
	return "debug"
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

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeAPIKey):
		return AuthModeAPIKey, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", envVarAuthMode, raw, AuthModeNone, AuthModeAPIKey)
	}
}

func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.Equal(net.IPv4zero) || ip.Equal(net.IPv6zero)
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

func parseCandidateType(s string) (NAT1To1IPCandidateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(NAT1To1CandidateTypeHost):
		return NAT1To1CandidateTypeHost, nil
	case string(NAT1To1CandidateTypeSrflx):
		return NAT1To1CandidateTypeSrflx, nil
	default:
		return "", fmt.Errorf("unknown candidate type %q", s)
	}
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range splitCommaSeparated(s) {
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must include at least one IP")
	}
	return out, nil
}
