package rest

import (
	"encoding/json"
	"net/http"

	"github.com/macsweep/control-plane/pkg/types"
)

type createPolicyRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := s.policies.List(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondData(w, http.StatusOK, policies)
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req createPolicyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	policy := &types.CleanupPolicy{
		Name:        req.Name,
		Description: req.Description,
		Payload:     req.Payload,
	}
	if err := policy.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, types.CodeInvalidRequest, err.Error(), "")
		return
	}
	if err := s.policies.Create(r.Context(), policy); err != nil {
		respondDomainError(w, err)
		return
	}
	respondData(w, http.StatusCreated, policy)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	policy, err := s.policies.Get(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondData(w, http.StatusOK, policy)
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req createPolicyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	policy := &types.CleanupPolicy{
		ID:          id,
		Name:        req.Name,
		Description: req.Description,
		Payload:     req.Payload,
	}
	if err := policy.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, types.CodeInvalidRequest, err.Error(), "")
		return
	}
	if err := s.policies.Update(r.Context(), policy); err != nil {
		respondDomainError(w, err)
		return
	}
	respondData(w, http.StatusOK, policy)
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.policies.Delete(r.Context(), id); err != nil {
		respondDomainError(w, err)
		return
	}
	respondData(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type deployPolicyRequest struct {
	Target types.DistributionTarget `json:"target"`
}

func (s *Server) handleDeployPolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req deployPolicyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.Target.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, types.CodeInvalidRequest, err.Error(), "")
		return
	}

	policy, err := s.policies.Get(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	initiatedBy := "system"
	if decision := decisionFrom(r.Context()); decision != nil && decision.Claims != nil {
		initiatedBy = decision.Claims.Username
	}

	dist, err := s.distributor.Distribute(r.Context(), *policy, req.Target, initiatedBy)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.DistributionsTotal.WithLabelValues("started").Inc()
	}
	respondData(w, http.StatusAccepted, dist)
}

func (s *Server) handleListDistributions(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := parsePositiveInt(q); err == nil {
			limit = n
		}
	}
	out := struct {
		Active  []*types.DistributionStatus `json:"active"`
		History []*types.DistributionStatus `json:"history"`
	}{
		Active:  s.distributor.Active(),
		History: s.distributor.History(limit),
	}
	respondData(w, http.StatusOK, out)
}

func (s *Server) handleGetDistribution(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	dist, err := s.distributor.Get(id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondData(w, http.StatusOK, dist)
}

func (s *Server) handleCancelDistribution(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.distributor.Cancel(id); err != nil {
		respondDomainError(w, err)
		return
	}
	respondData(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleRollbackDistribution(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.distributor.Rollback(r.Context(), id); err != nil {
		respondDomainError(w, err)
		return
	}
	respondData(w, http.StatusOK, map[string]string{"status": "rolled_back"})
}

func (s *Server) handleRetryDistribution(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	dist, err := s.distributor.RetryFailed(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondData(w, http.StatusAccepted, dist)
}
