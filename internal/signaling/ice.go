package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/pion/webrtc/v4"
)

const maxICEResponseBytes = 64 * 1024

// ICEConfig is what the relay's /ice endpoint returns.
type ICEConfig struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
	// ExpiresAt is set when the TURN credentials are ephemeral.
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// ICEURL derives the relay's /ice endpoint from its signaling WebSocket URL:
// ws://host/signal becomes http://host/ice.
func ICEURL(signalingURL string) (string, error) {
	u, err := url.Parse(signalingURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("signaling url %q: want ws:// or wss://", signalingURL)
	}
	dir := path.Dir(u.Path)
	if u.Path == "" || dir == "." {
		dir = "/"
	}
	u.Path = path.Join(dir, "ice")
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// FetchICEConfig asks the relay behind signalingURL for its ICE servers.
// client may be nil.
func FetchICEConfig(ctx context.Context, client *http.Client, signalingURL, apiKey string) (ICEConfig, error) {
	if client == nil {
		client = http.DefaultClient
	}
	iceURL, err := ICEURL(signalingURL)
	if err != nil {
		return ICEConfig{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, iceURL, nil)
	if err != nil {
		return ICEConfig{}, err
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return ICEConfig{}, fmt.Errorf("fetch ice config: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ICEConfig{}, fmt.Errorf("fetch ice config: %s", resp.Status)
	}

	var cfg ICEConfig
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxICEResponseBytes)).Decode(&cfg); err != nil {
		return ICEConfig{}, fmt.Errorf("decode ice config: %w", err)
	}
	return cfg, nil
}
