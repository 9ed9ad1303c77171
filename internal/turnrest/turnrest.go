// Package turnrest issues coturn-compatible ephemeral TURN credentials
// (draft-uberti-behave-turn-rest):
//
//	username   = <unix_expiry>:<prefix>:<peer id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// The TURN server validates them with the same shared secret, so no
// long-lived TURN password ever reaches a peer.
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/samber/lo"
)

const (
	DefaultTTL            = time.Hour
	DefaultUsernamePrefix = "voicelink"
)

var errColon = errors.New("must not contain ':'")

type Config struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string
	// Now defaults to time.Now.
	Now func() time.Time
}

// Enabled reports whether a shared secret is configured.
func (c Config) Enabled() bool {
	return c.SharedSecret != ""
}

type Credentials struct {
	Username   string
	Credential string
	Expires    time.Time
}

type Issuer struct {
	secret []byte
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

func NewIssuer(cfg Config) (*Issuer, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("turnrest: shared secret is required")
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.TTL < time.Second {
		return nil, fmt.Errorf("turnrest: ttl must be at least 1s, got %s", cfg.TTL)
	}
	if cfg.UsernamePrefix == "" {
		cfg.UsernamePrefix = DefaultUsernamePrefix
	}
	if strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, fmt.Errorf("turnrest: username prefix %w", errColon)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Issuer{
		secret: []byte(cfg.SharedSecret),
		ttl:    cfg.TTL,
		prefix: cfg.UsernamePrefix,
		now:    cfg.Now,
	}, nil
}

// Issue mints credentials bound to peerID. An empty peerID gets a random one.
func (i *Issuer) Issue(peerID string) (Credentials, error) {
	if peerID == "" {
		peerID = uuid.NewString()
	}
	if strings.Contains(peerID, ":") {
		return Credentials{}, fmt.Errorf("turnrest: peer id %w", errColon)
	}
	expires := i.now().UTC().Add(i.ttl).Truncate(time.Second)
	username := fmt.Sprintf("%d:%s:%s", expires.Unix(), i.prefix, peerID)
	return Credentials{
		Username:   username,
		Credential: Sign(i.secret, username),
		Expires:    expires,
	}, nil
}

// Sign computes the TURN REST credential for username.
func Sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Apply returns a copy of servers with creds set on every TURN entry. STUN
// entries are left untouched.
func Apply(servers []webrtc.ICEServer, creds Credentials) []webrtc.ICEServer {
	return lo.Map(servers, func(server webrtc.ICEServer, _ int) webrtc.ICEServer {
		if HasTURNURL(server) {
			server.Username = creds.Username
			server.Credential = creds.Credential
		}
		return server
	})
}

// HasTURNURL reports whether any of server's URLs is turn: or turns:.
func HasTURNURL(server webrtc.ICEServer) bool {
	return lo.SomeBy(server.URLs, func(raw string) bool {
		url := strings.ToLower(strings.TrimSpace(raw))
		return strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:")
	})
}
