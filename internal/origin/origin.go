// Package origin decides which browser origins may reach the relay.
//
// Native peers send no Origin header and are always let through; the check
// only stops pages on other sites from driving a visitor's browser into the
// relay.
package origin

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

var (
	ErrMalformed  = errors.New("origin: malformed Origin header")
	ErrNotAllowed = errors.New("origin: origin not allowed")
)

// Policy is an origin allowlist. The zero value allows same-host origins only.
type Policy struct {
	allowed  []string
	wildcard bool
}

// NewPolicy builds a policy from allowed origins. "*" allows every origin and
// "null" allows opaque origins; other entries must be http(s) origins.
func NewPolicy(allowed []string) (Policy, error) {
	var p Policy
	for _, raw := range allowed {
		entry := strings.TrimSpace(raw)
		switch entry {
		case "":
			continue
		case "*":
			p.wildcard = true
			continue
		}
		normalized, _, err := Normalize(entry)
		if err != nil {
			return Policy{}, fmt.Errorf("allowed origin %q: %w", raw, err)
		}
		p.allowed = append(p.allowed, normalized)
	}
	p.allowed = lo.Uniq(p.allowed)
	return p, nil
}

// Check returns nil when r carries no Origin header or an allowed one.
func (p Policy) Check(r *http.Request) error {
	header := r.Header.Get("Origin")
	if header == "" {
		return nil
	}
	normalized, host, err := Normalize(header)
	if err != nil {
		return err
	}
	if p.allows(normalized, host, r.Host) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNotAllowed, normalized)
}

// Allowed adapts Check to websocket.Upgrader.CheckOrigin.
func (p Policy) Allowed(r *http.Request) bool {
	return p.Check(r) == nil
}

func (p Policy) allows(normalized, originHost, requestHost string) bool {
	if p.wildcard || lo.Contains(p.allowed, normalized) {
		return true
	}
	if len(p.allowed) > 0 {
		return false
	}

	// Same host:port. The scheme is not compared because a TLS-terminating
	// proxy may present an https origin to a plain-http relay.
	scheme, _, ok := strings.Cut(normalized, "://")
	if !ok {
		return false
	}
	hostname, port, ok := splitHostPort(strings.TrimSpace(requestHost))
	if !ok {
		return false
	}
	reqHost, ok := canonicalHost(scheme, hostname, port)
	return ok && reqHost == originHost
}

// Normalize validates an Origin header value and returns it as
// scheme://host[:port] together with its host[:port] part. Default ports are
// dropped and hostnames lowercased. "null" is returned as-is with no host.
func Normalize(header string) (normalized, host string, err error) {
	trimmed := strings.TrimSpace(header)
	if trimmed == "null" {
		return "null", "", nil
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", ErrMalformed
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" || (u.Path != "" && u.Path != "/") {
		return "", "", ErrMalformed
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", ErrMalformed
	}

	hostname, port, ok := splitHostPort(u.Host)
	if !ok {
		return "", "", ErrMalformed
	}
	host, ok = canonicalHost(scheme, hostname, port)
	if !ok {
		return "", "", ErrMalformed
	}
	return scheme + "://" + host, host, nil
}

// canonicalHost lowercases hostname, brackets IPv6 literals and drops the
// scheme's default port.
func canonicalHost(scheme, hostname, port string) (string, bool) {
	hostname = strings.ToLower(hostname)
	if hostname == "" || strings.IndexFunc(hostname, invalidHostRune) >= 0 {
		return "", false
	}

	var n uint64
	if port != "" {
		var err error
		n, err = strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
	}
	if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
		n = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if n != 0 {
		host += ":" + strconv.FormatUint(n, 10)
	}
	return host, true
}

func invalidHostRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return false
	case r == '.', r == '-', r == '_', r == ':':
		return false
	}
	return true
}

// splitHostPort splits host[:port]. IPv6 literals must be bracketed; the
// brackets are stripped from the returned hostname.
func splitHostPort(raw string) (hostname, port string, ok bool) {
	if raw == "" {
		return "", "", false
	}

	if strings.HasPrefix(raw, "[") {
		end := strings.IndexByte(raw, ']')
		if end < 0 {
			return "", "", false
		}
		hostname, rest := raw[1:end], raw[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		port, ok := strings.CutPrefix(rest, ":")
		if !ok || port == "" {
			return "", "", false
		}
		return hostname, port, true
	}

	hostname, port, found := strings.Cut(raw, ":")
	switch {
	case !found:
		return raw, "", true
	case hostname == "" || port == "" || strings.Contains(port, ":"):
		return "", "", false
	}
	return hostname, port, true
}
