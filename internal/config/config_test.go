package config

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func noEnv(string) (string, bool) { return "", false }

func TestDefaultsDev(t *testing.T) {
	cfg, err := load(noEnv, nil)
	require.NoError(t, err)
	require.Equal(t, ModeDev, cfg.Mode)
	require.Equal(t, LogFormatText, cfg.LogFormat)
	require.Equal(t, AuthModeNone, cfg.AuthMode)
	require.Equal(t, DefaultRoom, cfg.Room)
	require.Nil(t, cfg.WebRTCUDPPortRange)
	require.True(t, cfg.WebRTCUDPListenIP.Equal(net.IPv4zero), "WebRTCUDPListenIP=%v", cfg.WebRTCUDPListenIP)
	require.Equal(t, DefaultSampleRate, cfg.CaptureSampleRate)
	require.Equal(t, DefaultSampleRate, cfg.PlaybackSampleRate)
	require.Equal(t, DefaultVADThreshold, cfg.VADThreshold)
	require.Equal(t, DefaultVADHangoverFrames, cfg.VADHangoverFrames)
	require.Equal(t, DefaultJitterBufferFrames, cfg.JitterBufferFrames)
	require.Equal(t, DefaultReconnectDelay, cfg.ReconnectDelay)
	require.Zero(t, cfg.ReconnectMaxAttempts)
	require.Equal(t, float64(1), cfg.ReconnectBackoff)
	require.Empty(t, cfg.ICEServers)
}

func TestDefaultsProdWhenModeFlagSet(t *testing.T) {
	cfg, err := load(noEnv, []string{"--mode", "prod"})
	require.NoError(t, err)
	require.Equal(t, LogFormatJSON, cfg.LogFormat)
	require.Equal(t, "INFO", cfg.LogLevel.String())
}

func TestLogFormatExplicitOverride(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{envVarMode: "prod"}), []string{"--log-format", "text"})
	require.NoError(t, err)
	require.Equal(t, LogFormatText, cfg.LogFormat)
}

func TestFlagsOverrideEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarVADThreshold:   "0.05",
		envVarReconnectDelay: "5s",
		envVarRoom:           "from-env",
	}), []string{"--vad-threshold", "0.2", "--room", "from-flag"})
	require.NoError(t, err)
	require.Equal(t, 0.2, cfg.VADThreshold)
	require.Equal(t, "from-flag", cfg.Room)
	require.Equal(t, 5*time.Second, cfg.ReconnectDelay)
}

func TestInvalidEnvValuesAreReported(t *testing.T) {
	_, err := load(lookupMap(map[string]string{
		envVarReconnectDelay:    "soon",
		envVarCaptureSampleRate: "fast",
	}), nil)
	require.Error(t, err)
	require.ErrorContains(t, err, envVarReconnectDelay)
	require.ErrorContains(t, err, envVarCaptureSampleRate)
}

func TestAPIKeyModeRequiresKey(t *testing.T) {
	_, err := load(lookupMap(map[string]string{envVarAuthMode: "api_key"}), nil)
	require.Error(t, err)

	cfg, err := load(lookupMap(map[string]string{envVarAuthMode: "api_key", envVarAPIKey: "s3cret"}), nil)
	require.NoError(t, err)
	require.Equal(t, AuthModeAPIKey, cfg.AuthMode)
	require.Equal(t, "s3cret", cfg.APIKey)
}

func TestSignalingURL_Validates(t *testing.T) {
	for _, raw := range []string{"http://example.com/signal", "ws://", "not a url"} {
		_, err := load(noEnv, []string{"--signaling-url", raw})
		require.Error(t, err, raw)
	}
	cfg, err := load(noEnv, []string{"--signaling-url", "wss://relay.example.com/signal"})
	require.NoError(t, err)
	require.Equal(t, "wss://relay.example.com/signal", cfg.SignalingURL)
}

func TestSignalingPingMustBeBelowIdle(t *testing.T) {
	_, err := load(noEnv, []string{"--signaling-ping-interval", "90s", "--signaling-idle-timeout", "60s"})
	require.Error(t, err)
}

func TestAudioValidation(t *testing.T) {
	cases := [][]string{
		{"--vad-threshold", "1.5"},
		{"--vad-threshold", "-0.1"},
		{"--vad-hangover-frames", "-1"},
		{"--jitter-buffer-frames", "0"},
		{"--capture-sample-rate", "0"},
		{"--reaction-burst", "0"},
		{"--reconnect-backoff", "0.5"},
		{"--reconnect-max-attempts", "-2"},
	}
	for _, args := range cases {
		_, err := load(noEnv, args)
		require.Error(t, err, "%v", args)
	}
}

func TestReconnectMaxDelayClampedToDelay(t *testing.T) {
	cfg, err := load(noEnv, []string{"--reconnect-delay", "10s", "--reconnect-max-delay", "1s"})
	require.NoError(t, err)
	require.Equal(t, 10*time.Second, cfg.ReconnectMaxDelay)
}

func TestWebRTCUDPPortRange_RequiresBoth(t *testing.T) {
	_, err := load(lookupMap(map[string]string{envVarWebRTCUDPPortMin: "50000"}), nil)
	require.Error(t, err)
}

func TestWebRTCUDPPortRange_TooSmall(t *testing.T) {
	_, err := load(lookupMap(map[string]string{
		envVarWebRTCUDPPortMin: "50000",
		envVarWebRTCUDPPortMax: "50010",
	}), nil)
	require.Error(t, err)
}

func TestWebRTCUDPPortRange_OK(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarWebRTCUDPPortMin: "50000",
		envVarWebRTCUDPPortMax: "50100",
	}), nil)
	require.NoError(t, err)
	require.NotNil(t, cfg.WebRTCUDPPortRange)
	require.Equal(t, UDPPortRange{Min: 50000, Max: 50100}, *cfg.WebRTCUDPPortRange)
}

func TestWebRTCNAT1To1IPsAndCandidateType(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarWebRTCNAT1To1IPs:             "203.0.113.10, 203.0.113.11",
		envVarWebRTCNAT1To1IPCandidateType: "srflx",
	}), nil)
	require.NoError(t, err)
	require.Equal(t, []string{"203.0.113.10", "203.0.113.11"}, cfg.WebRTCNAT1To1IPs)
	require.Equal(t, NAT1To1CandidateTypeSrflx, cfg.WebRTCNAT1To1IPCandidateType)
}

func TestWebRTCNAT1To1IPs_Invalid(t *testing.T) {
	_, err := load(lookupMap(map[string]string{envVarWebRTCNAT1To1IPs: "nope"}), nil)
	require.Error(t, err, "bad IP")
	_, err = load(lookupMap(map[string]string{envVarWebRTCNAT1To1IPCandidateType: "relay"}), nil)
	require.Error(t, err, "bad candidate type")
}

func TestWebRTCUDPListenIP(t *testing.T) {
	cfg, err := load(noEnv, []string{"--webrtc-udp-listen-ip", "127.0.0.1"})
	require.NoError(t, err)
	require.True(t, cfg.WebRTCUDPListenIP.Equal(net.ParseIP("127.0.0.1")), "WebRTCUDPListenIP=%v", cfg.WebRTCUDPListenIP)

	_, err = load(noEnv, []string{"--webrtc-udp-listen-ip", "localhost"})
	require.Error(t, err, "hostname")
}

func TestICEServersFromConvenienceEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envStunURLs: "stun:stun.example.com:3478",
	}), nil)
	require.NoError(t, err)
	require.Len(t, cfg.ICEServers, 1)
	require.Equal(t, []string{"stun:stun.example.com:3478"}, cfg.ICEServers[0].URLs)
}

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voicelink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestConfigFileLayer(t *testing.T) {
	path := writeConfigFile(t, `
mode: prod
room: standup
vad_threshold: 0.03
reconnect_delay: 2s
webrtc_udp_listen_ip: 127.0.0.1
ice_servers:
  - urls: stun:stun.example.com:3478
`)

	cfg, err := load(lookupMap(map[string]string{
		envVarConfigFile: path,
		envVarRoom:       "from-env",
	}), []string{"--reconnect-delay", "4s"})
	require.NoError(t, err)
	require.Equal(t, path, cfg.ConfigFile)
	require.Equal(t, ModeProd, cfg.Mode, "mode from file")
	require.Equal(t, "from-env", cfg.Room, "env overrides file")
	require.Equal(t, 0.03, cfg.VADThreshold)
	require.Equal(t, 4*time.Second, cfg.ReconnectDelay, "flag overrides file")
	require.True(t, cfg.WebRTCUDPListenIP.Equal(net.ParseIP("127.0.0.1")), "WebRTCUDPListenIP=%v", cfg.WebRTCUDPListenIP)
	require.Len(t, cfg.ICEServers, 1)
	require.Equal(t, []string{"stun:stun.example.com:3478"}, cfg.ICEServers[0].URLs)
}

func TestConfigFileFromFlag(t *testing.T) {
	path := writeConfigFile(t, "room: from-file\n")
	cfg, err := load(noEnv, []string{"--config=" + path})
	require.NoError(t, err)
	require.Equal(t, "from-file", cfg.Room)
}

func TestConfigFileMissing(t *testing.T) {
	_, err := load(noEnv, []string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})
	require.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(Config{LogFormat: LogFormatJSON}, &buf)
	require.NoError(t, err)
	logger.Info("hello", "room", "lobby")
	require.Contains(t, buf.String(), `"room":"lobby"`)

	_, err = newLogger(Config{LogFormat: "xml"}, &buf)
	require.Error(t, err, "unknown format")
}

func TestAllowedOriginsFromFileList(t *testing.T) {
	path := writeConfigFile(t, `
allowed_origins:
  - https://app.example.com
  - " http://localhost:5173 "
`)
	cfg, err := load(noEnv, []string{"--config", path})
	require.NoError(t, err)
	require.Equal(t, []string{"https://app.example.com", "http://localhost:5173"}, cfg.AllowedOrigins)
}

func TestTURNREST(t *testing.T) {
	t.Run("disabled by default and TURN needs static creds", func(t *testing.T) {
		cfg, err := load(noEnv, nil)
		require.NoError(t, err)
		require.False(t, cfg.TURNREST.Enabled(), "TURN REST enabled without a secret")

		_, err = load(lookupMap(map[string]string{envTurnURLs: "turn:turn.example.com:3478"}), nil)
		require.Error(t, err, "TURN URL without credentials")
	})

	t.Run("secret allows credential-less TURN", func(t *testing.T) {
		cfg, err := load(lookupMap(map[string]string{
			envVarTURNRESTSharedSecret: "s3cret",
			envTurnURLs:                "turn:turn.example.com:3478",
		}), nil)
		require.NoError(t, err)
		require.True(t, cfg.TURNREST.Enabled())
		require.Equal(t, DefaultTURNRESTTTL, cfg.TURNREST.TTL)
		require.Equal(t, DefaultTURNRESTUsernamePrefix, cfg.TURNREST.UsernamePrefix)
		require.Len(t, cfg.ICEServers, 1)
		require.Empty(t, cfg.ICEServers[0].Username)
		require.Nil(t, cfg.ICEServers[0].Credential)
	})

	t.Run("validation", func(t *testing.T) {
		for name, env := range map[string]map[string]string{
			"short ttl":    {envVarTURNRESTSharedSecret: "s", envVarTURNRESTTTL: "10ms"},
			"colon prefix": {envVarTURNRESTSharedSecret: "s", envVarTURNRESTUsernamePrefix: "a:b"},
		} {
			_, err := load(lookupMap(env), nil)
			require.Error(t, err, name)
		}
	})
}
