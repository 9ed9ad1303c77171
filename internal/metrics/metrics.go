package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Event names. They become values of the `event` label.
const (
	AudioFramesSent      = "audio_frames_sent"
	AudioFramesDropped   = "audio_frames_dropped"
	AudioFramesReceived  = "audio_frames_received"
	AudioDecodeFallback  = "audio_decode_fallback"
	ReactionsSent        = "reactions_sent"
	ReactionsReceived    = "reactions_received"
	ReactionsRateLimited = "reactions_rate_limited"

	CandidateQueued      = "candidate_queued"
	CandidateApplied     = "candidate_applied"
	CandidateApplyFailed = "candidate_apply_failed"
	NegotiationFailed    = "negotiation_failed"

	ICERestartScheduled = "ice_restart_scheduled"
	ICERestartAttempted = "ice_restart_attempted"
	ICERestartFailed    = "ice_restart_failed"
	ICERestartExhausted = "ice_restart_exhausted"

	SignalingPeersJoined    = "signaling_peers_joined"
	SignalingRoomFull       = "signaling_room_full"
	SignalingMessagesRelay  = "signaling_messages_relayed"
	SignalingRateLimited    = "signaling_rate_limited"
	SignalingAuthFailure    = "signaling_auth_failure"
	SignalingBadMessage     = "signaling_bad_message"
	SignalingMessageTooLong = "signaling_message_too_large"
	SignalingOriginRejected = "signaling_origin_rejected"

	ICEConfigServed       = "ice_config_served"
	ICECredentialsIssued  = "ice_credentials_issued"
	ICEConfigUnauthorized = "ice_config_unauthorized"
)

const namespace = "voicelink"

// Metrics is a concurrency-safe set of event counters backed by a private
// Prometheus registry. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry
	events   *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Internal event counters.",
	}, []string{"event"})
	reg.MustRegister(events)
	return &Metrics{registry: reg, events: events}
}

// WithProcessCollectors adds the Go runtime and process collectors. The relay
// binary exposes them; tests and embedded peers do not need them.
func (m *Metrics) WithProcessCollectors() *Metrics {
	m.registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil || delta == 0 {
		return
	}
	m.events.WithLabelValues(name).Add(float64(delta))
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	var out dto.Metric
	if err := m.events.WithLabelValues(name).Write(&out); err != nil {
		return 0
	}
	return uint64(out.GetCounter().GetValue())
}

// Snapshot returns every counter that has been touched.
func (m *Metrics) Snapshot() map[string]uint64 {
	snap := make(map[string]uint64)
	if m == nil {
		return snap
	}
	families, err := m.registry.Gather()
	if err != nil {
		return snap
	}
	for _, fam := range families {
		if fam.GetName() != namespace+"_events_total" {
			continue
		}
		for _, metric := range fam.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "event" {
					snap[label.GetValue()] = uint64(metric.GetCounter().GetValue())
				}
			}
		}
	}
	return snap
}

// Registry exposes the underlying registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
