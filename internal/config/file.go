package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const envVarPrefix = "VOICELINK_"

// readFileValues loads a YAML config file and flattens it into env-style
// values. Keys are the env var names without the VOICELINK_ prefix, in any
// case: `vad_threshold: 0.02` sets VOICELINK_VAD_THRESHOLD and
// `webrtc_udp_port_min: 50000` sets WEBRTC_UDP_PORT_MIN.
//
// Lists become comma-separated values. `ice_servers` may be given as a
// structured list and is re-encoded as VOICELINK_ICE_SERVERS_JSON.
func readFileValues(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	values, err := parseFileValues(raw)
	if err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return values, nil
}

func parseFileValues(raw []byte) (map[string]string, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(doc))
	for key, v := range doc {
		name := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(key), "-", "_"))
		if name == "ICE_SERVERS" {
			b, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out[envICEServersJSON] = string(b)
			continue
		}
		s, err := fileScalar(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		if !strings.HasPrefix(name, "WEBRTC_") && !strings.HasPrefix(name, envVarPrefix) {
			name = envVarPrefix + name
		}
		out[name] = s
	}
	return out, nil
}

func fileScalar(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.Itoa(x), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case []any:
		parts := make([]string, 0, len(x))
		for _, item := range x {
			s, err := fileScalar(item)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), nil
	default:
		return "", fmt.Errorf("unsupported value of type %T", v)
	}
}

// layeredLookup resolves env first and falls back to file values.
func layeredLookup(env func(string) (string, bool), file map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if v, ok := env(key); ok && v != "" {
			return v, true
		}
		v, ok := file[key]
		return v, ok
	}
}
