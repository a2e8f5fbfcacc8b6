package rest

import (
	"net/http"
	"time"

	"github.com/macsweep/control-plane/internal/config"
	"github.com/macsweep/control-plane/pkg/types"
)

var startedAt = time.Now()

type healthResponse struct {
	Status           string `json:"status"`
	Version          string `json:"version"`
	ProtocolVersion  string `json:"protocolVersion"`
	UptimeSeconds    int64  `json:"uptimeSeconds"`
	RegisteredAgents int    `json:"registeredAgents"`
	MonitorRunning   bool   `json:"monitorRunning"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	count, err := s.registry.Count(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	resp := healthResponse{
		Status:           "ok",
		Version:          Version,
		ProtocolVersion:  types.CurrentProtocolVersion.String(),
		UptimeSeconds:    int64(time.Since(startedAt).Seconds()),
		RegisteredAgents: count,
	}
	if s.heartbeats != nil {
		resp.MonitorRunning = s.heartbeats.Running()
	}
	respondData(w, http.StatusOK, resp)
}

// sanitizedConfig strips credentials before the config leaves the server.
func sanitizedConfig(cfg *config.ServerConfig) config.ServerConfig {
	out := *cfg
	out.Auth.Secret = ""
	out.Redis.Password = ""
	out.Postgres.DSN = ""
	return out
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	respondData(w, http.StatusOK, sanitizedConfig(s.CurrentConfig()))
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	current := s.CurrentConfig()
	updated := *current
	if !decodeBody(w, r, &updated) {
		return
	}
	// Credentials cannot be changed over the API.
	updated.Auth.Secret = current.Auth.Secret
	updated.Redis.Password = current.Redis.Password
	updated.Postgres.DSN = current.Postgres.DSN

	if err := updated.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, types.CodeInvalidRequest, err.Error(), "")
		return
	}
	s.ApplyConfig(&updated)
	s.logger.Info("configuration updated via API")
	respondData(w, http.StatusOK, sanitizedConfig(&updated))
}
