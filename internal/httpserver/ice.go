package httpserver

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/p2pvoice/voicelink/internal/auth"
	"github.com/p2pvoice/voicelink/internal/metrics"
	"github.com/p2pvoice/voicelink/internal/origin"
	"github.com/p2pvoice/voicelink/internal/turnrest"
)

// ICEOptions configures the GET /ice endpoint peers use to learn the relay's
// ICE servers.
type ICEOptions struct {
	Servers    []webrtc.ICEServer
	Origins    origin.Policy
	Authorizer auth.Authorizer
	// TURNREST, when set, stamps fresh TURN credentials on every response.
	TURNREST *turnrest.Issuer
	Metrics  *metrics.Metrics
}

type iceResponse struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
	ExpiresAt  *time.Time         `json:"expiresAt,omitempty"`
}

// RegisterICERoute serves GET /ice. It must be called before Serve.
func (s *Server) RegisterICERoute(opts ICEOptions) {
	s.mux.HandleFunc("GET /ice", func(w http.ResponseWriter, r *http.Request) {
		if err := opts.Origins.Check(r); err != nil {
			WriteJSON(w, http.StatusForbidden, map[string]any{"error": err.Error()})
			return
		}
		if err := opts.Authorizer.Authorize(r, ""); err != nil {
			opts.Metrics.Inc(metrics.ICEConfigUnauthorized)
			WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}

		resp := iceResponse{ICEServers: opts.Servers}
		if resp.ICEServers == nil {
			resp.ICEServers = []webrtc.ICEServer{}
		}
		if opts.TURNREST != nil {
			creds, err := opts.TURNREST.Issue(uuid.NewString())
			if err != nil {
				s.log.Error("issue turn credentials", "err", err)
				WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "turn credentials unavailable"})
				return
			}
			opts.Metrics.Inc(metrics.ICECredentialsIssued)
			resp.ICEServers = turnrest.Apply(resp.ICEServers, creds)
			resp.ExpiresAt = &creds.Expires
		}
		opts.Metrics.Inc(metrics.ICEConfigServed)

		w.Header().Set("Cache-Control", "no-store")
		WriteJSON(w, http.StatusOK, resp)
	})
}
