package rest

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/macsweep/control-plane/internal/rbac"
	"github.com/macsweep/control-plane/pkg/types"
)

type createUserRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	Password string `json:"password"`
}

type updateUserRequest struct {
	Email    *string `json:"email,omitempty"`
	Role     *string `json:"role,omitempty"`
	Password *string `json:"password,omitempty"`
	Active   *bool   `json:"active,omitempty"`
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.users.List(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondData(w, http.StatusOK, users)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, types.CodeInvalidRequest, "username and password are required", "")
		return
	}
	role, err := types.ParseRole(req.Role)
	if err != nil {
		respondError(w, http.StatusBadRequest, types.CodeInvalidRequest, err.Error(), "")
		return
	}
	hash, err := rbac.HashPassword(req.Password)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	user := &types.User{
		ID:           uuid.New(),
		Username:     req.Username,
		Email:        req.Email,
		Role:         role,
		PasswordHash: hash,
		Active:       true,
		CreatedAt:    time.Now(),
	}
	if err := s.users.Create(r.Context(), user); err != nil {
		respondDomainError(w, err)
		return
	}
	respondData(w, http.StatusCreated, user)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	user, err := s.users.Get(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondData(w, http.StatusOK, user)
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req updateUserRequest
	if !decodeBody(w, r, &req) {
		return
	}
	user, err := s.users.Get(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	if req.Email != nil {
		user.Email = *req.Email
	}
	if req.Role != nil {
		role, err := types.ParseRole(*req.Role)
		if err != nil {
			respondError(w, http.StatusBadRequest, types.CodeInvalidRequest, err.Error(), "")
			return
		}
		user.Role = role
	}
	if req.Password != nil {
		hash, err := rbac.HashPassword(*req.Password)
		if err != nil {
			respondDomainError(w, err)
			return
		}
		user.PasswordHash = hash
	}
	if req.Active != nil {
		user.Active = *req.Active
		if !user.Active {
			s.access.InvalidateSession(user.ID)
		}
	}

	if err := s.users.Update(r.Context(), user); err != nil {
		respondDomainError(w, err)
		return
	}
	respondData(w, http.StatusOK, user)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.users.Delete(r.Context(), id); err != nil {
		respondDomainError(w, err)
		return
	}
	s.access.InvalidateSession(id)
	respondData(w, http.StatusOK, map[string]string{"status": "deleted"})
}
