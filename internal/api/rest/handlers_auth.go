package rest

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/macsweep/control-plane/internal/auth/jwt"
	"github.com/macsweep/control-plane/internal/rbac"
	"github.com/macsweep/control-plane/pkg/types"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, types.CodeInvalidRequest, "username and password are required", "")
		return
	}

	user, err := s.authenticator.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		if s.metrics != nil {
			s.metrics.AuthFailuresTotal.WithLabelValues("login").Inc()
		}
		switch {
		case errors.Is(err, rbac.ErrUserDisabled):
			respondError(w, http.StatusForbidden, types.CodeForbidden, "user is disabled", "")
		default:
			respondError(w, http.StatusUnauthorized, types.CodeUnauthorized, "invalid credentials", "")
		}
		return
	}

	pair, err := s.tokens.GenerateTokenPair(user)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.TokensIssuedTotal.Inc()
	}
	respondData(w, http.StatusOK, pair)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		respondError(w, http.StatusBadRequest, types.CodeInvalidRequest, "refresh token is required", "")
		return
	}

	claims, err := s.tokens.Validate(r.Context(), req.RefreshToken)
	if err != nil {
		respondAuthError(w, err)
		return
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		respondAuthError(w, jwt.ErrInvalidToken)
		return
	}
	user, err := s.users.Get(r.Context(), userID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if !user.Active {
		respondError(w, http.StatusForbidden, types.CodeForbidden, "user is disabled", "")
		return
	}

	pair, err := s.tokens.Refresh(r.Context(), req.RefreshToken, user)
	if err != nil {
		respondAuthError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.TokensIssuedTotal.Inc()
	}
	respondData(w, http.StatusOK, pair)
}
