package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/macsweep/control-plane/internal/access"
	"github.com/macsweep/control-plane/internal/distribution"
	"github.com/macsweep/control-plane/internal/rbac"
	"github.com/macsweep/control-plane/internal/registration"
	"github.com/macsweep/control-plane/internal/registry"
	"github.com/macsweep/control-plane/pkg/types"
)

// respondData writes a success envelope with the payload under data.
func respondData(w http.ResponseWriter, status int, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		respondError(w, http.StatusInternalServerError, types.CodeServerError, "failed to encode response", "")
		return
	}
	writeEnvelope(w, status, types.ServerResponse{Success: true, Data: raw})
}

// respondError writes a failure envelope.
func respondError(w http.ResponseWriter, status int, code, message, details string) {
	writeEnvelope(w, status, types.ServerResponse{
		Success: false,
		Error:   &types.ErrorDetail{Code: code, Message: message, Details: details},
	})
}

func writeEnvelope(w http.ResponseWriter, status int, envelope types.ServerResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(types.ProtocolVersionHeader, types.CurrentProtocolVersion.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope)
}

// respondAuthError maps an access-controller failure to its envelope.
func respondAuthError(w http.ResponseWriter, err error) {
	respondError(w, access.HTTPStatus(err), access.ErrorCode(err), err.Error(), "")
}

// respondDomainError maps component errors onto wire status and code.
func respondDomainError(w http.ResponseWriter, err error) {
	var missingCaps *registration.MissingCapabilitiesError
	var versionTooOld *registration.VersionTooOldError
	var stateErr *distribution.StateError

	switch {
	case errors.Is(err, registry.ErrAgentNotFound),
		errors.Is(err, rbac.ErrUserNotFound),
		errors.Is(err, distribution.ErrDistributionNotFound),
		errors.Is(err, distribution.ErrPolicyNotFound),
		errors.Is(err, registration.ErrRequestNotFound):
		respondError(w, http.StatusNotFound, types.CodeNotFound, err.Error(), "")
	case errors.Is(err, registry.ErrInvalidAgentToken):
		respondError(w, http.StatusUnauthorized, types.CodeUnauthorized, err.Error(), "")
	case errors.Is(err, registry.ErrMaxAgentsReached),
		errors.Is(err, registry.ErrAgentAlreadyRegistered),
		errors.Is(err, rbac.ErrUsernameTaken),
		errors.Is(err, distribution.ErrPolicyNameTaken),
		errors.Is(err, distribution.ErrNoTargetAgents),
		errors.Is(err, distribution.ErrAgentNotInDistribution),
		errors.Is(err, distribution.ErrMaxRetriesExceeded),
		errors.As(err, &missingCaps),
		errors.As(err, &versionTooOld),
		errors.As(err, &stateErr):
		respondError(w, http.StatusBadRequest, types.CodeInvalidRequest, err.Error(), "")
	default:
		respondError(w, http.StatusInternalServerError, types.CodeServerError, "internal server error", "")
	}
}

// decodeBody parses a JSON request body into dst.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, types.CodeInvalidRequest, "invalid request body", err.Error())
		return false
	}
	return true
}
