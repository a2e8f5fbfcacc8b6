package rest

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/macsweep/control-plane/pkg/types"
)

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, types.CodeInvalidRequest, "invalid id in path", err.Error())
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	var (
		agents []*types.RegisteredAgent
		err    error
	)
	query := r.URL.Query()
	switch {
	case query.Get("state") != "":
		agents, err = s.registry.ListByState(r.Context(), types.ConnectionState(query.Get("state")))
	case query.Get("tag") != "":
		agents, err = s.registry.ListByTag(r.Context(), query.Get("tag"))
	case query.Get("capability") != "":
		agents, err = s.registry.ListByCapability(r.Context(), query.Get("capability"))
	default:
		agents, err = s.registry.List(r.Context())
	}
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondData(w, http.StatusOK, agents)
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req types.RegistrationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.Identity.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, types.CodeInvalidRequest, err.Error(), "")
		return
	}

	result, err := s.registration.Register(r.Context(), req)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RegistrationsTotal.WithLabelValues("error").Inc()
		}
		respondDomainError(w, err)
		return
	}
	if s.metrics != nil {
		switch {
		case result.Success:
			s.metrics.RegistrationsTotal.WithLabelValues("approved").Inc()
		case result.Pending:
			s.metrics.RegistrationsTotal.WithLabelValues("pending").Inc()
		default:
			s.metrics.RegistrationsTotal.WithLabelValues("rejected").Inc()
		}
	}

	status := http.StatusCreated
	if !result.Success {
		status = http.StatusAccepted
	}
	respondData(w, status, result)
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	respondData(w, http.StatusOK, s.registration.PendingRequests())
}

func (s *Server) handleApproveAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	result, err := s.registration.Approve(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondData(w, http.StatusOK, result)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRejectAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req rejectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "rejected by operator"
	}
	if err := s.registration.Reject(r.Context(), id, req.Reason); err != nil {
		respondDomainError(w, err)
		return
	}
	respondData(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	agent, err := s.registry.Get(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondData(w, http.StatusOK, agent)
}

func (s *Server) handleUnregisterAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.registry.Unregister(r.Context(), id); err != nil {
		respondDomainError(w, err)
		return
	}
	s.heartbeats.Forget(id)
	respondData(w, http.StatusOK, map[string]string{"status": "unregistered"})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r.Context())
	var req types.HeartbeatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.Status.AgentID = agent.Identity.ID
	if req.Status.CapturedAt.IsZero() {
		req.Status.CapturedAt = time.Now()
	}

	resp, err := s.heartbeats.ProcessHeartbeat(r.Context(), agent.Identity.ID, req.Status)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.HeartbeatsTotal.Inc()
	}
	respondData(w, http.StatusOK, resp)
}

type acknowledgeRequest struct {
	DistributionID uuid.UUID `json:"distributionId"`
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r.Context())
	var req acknowledgeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.DistributionID == uuid.Nil {
		respondError(w, http.StatusBadRequest, types.CodeInvalidRequest, "distributionId is required", "")
		return
	}

	if err := s.distributor.Acknowledge(r.Context(), agent.Identity.ID, req.DistributionID); err != nil {
		respondDomainError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.PolicyDeliveries.WithLabelValues("acknowledged").Inc()
	}
	respondData(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

type commandRequest struct {
	Command string            `json:"command"`
	Args    map[string]string `json:"args,omitempty"`
}

func (s *Server) handleAgentCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req commandRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Command == "" {
		respondError(w, http.StatusBadRequest, types.CodeInvalidRequest, "command is required", "")
		return
	}
	agent, err := s.registry.Get(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if agent.ConnectionState != types.ConnectionActive {
		respondError(w, http.StatusBadRequest, types.CodeInvalidRequest, "agent is not active", "")
		return
	}

	payload, err := json.Marshal(req)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	// Commands ride the same outbox agents drain on their next poll.
	msg := types.ServerMessage{
		MessageID:       uuid.New(),
		Type:            "command",
		ProtocolVersion: types.CurrentProtocolVersion,
		AgentID:         id,
		Payload:         payload,
		Timestamp:       time.Now(),
	}
	if s.transport != nil {
		s.transport.Enqueue(msg)
	}
	if s.agentAudit != nil {
		s.agentAudit.Record(id, types.SeverityInfo, "command", "command queued: "+req.Command)
	}
	respondData(w, http.StatusAccepted, msg)
}
