package server

import (
	"net/http"

	"github.com/agentbridge/gateway/internal/auth"
	"github.com/agentbridge/gateway/internal/logging"
	"github.com/agentbridge/gateway/internal/relay"
)

// handleRelay upgrades to the multiplexed WebSocket relay transport.
// Every relay connection is treated as remote: the connection-policy
// classifier always requires a completed SRP handshake here, regardless
// of RemoteAccessEnabled, since a direct local caller has no reason to
// go through this endpoint at all.
func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	policy := auth.ConnectionPolicy(true, s.deps.RemoteAccessEnabled, false)
	deps := relay.Deps{
		AppHandler:     s.router,
		VerifierLookup: s.deps.VerifierLookup,
		Identities:     s.deps.Identities,
		Cooldown:       s.deps.Cooldown,
		Sessions:       s.deps.Sessions,
	}
	if err := relay.Upgrade(w, r, policy, deps); err != nil {
		logging.Component("server").Debug().Err(err).Msg("relay connection closed")
	}
}
