// Package ratelimit provides the deterministic token bucket used for reaction
// sends on the audio channel and for inbound messages on the signaling relay.
package ratelimit
