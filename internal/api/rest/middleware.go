package rest

import (
	"context"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/macsweep/control-plane/internal/access"
	"github.com/macsweep/control-plane/pkg/types"
)

type contextKey string

const (
	decisionKey contextKey = "access-decision"
	agentKey    contextKey = "agent"
)

// decisionFrom returns the access decision stashed by the authorize
// middleware.
func decisionFrom(ctx context.Context) *access.Decision {
	d, _ := ctx.Value(decisionKey).(*access.Decision)
	return d
}

// agentFrom returns the agent record stashed by the agentAuth middleware.
func agentFrom(ctx context.Context) *types.RegisteredAgent {
	a, _ := ctx.Value(agentKey).(*types.RegisteredAgent)
	return a
}

// bearerToken extracts the credential from the Authorization header.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}

// statusRecorder captures the response code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// recovery turns handler panics into SERVER_ERROR responses.
func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panic",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.ByteString("stack", debug.Stack()),
				)
				respondError(w, http.StatusInternalServerError, types.CodeServerError, "internal server error", "")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// logging records request outcome and latency, and feeds HTTP metrics.
func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		if s.metrics != nil {
			s.metrics.RequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
			s.metrics.RequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
		}
		s.logger.Debug("request handled",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", elapsed),
		)
	})
}

// authorize routes every request through the access controller. Granted
// requests carry the decision in the context.
func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision, err := s.access.Authorize(r.Context(), bearerToken(r), r.URL.Path, r.Method)
		if err != nil {
			if s.metrics != nil {
				s.metrics.AuthFailuresTotal.WithLabelValues(access.ErrorCode(err)).Inc()
			}
			respondAuthError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), decisionKey, decision)))
	})
}

// agentAuth authenticates agent-side endpoints with the opaque registry
// token and pins the credential to the {id} path variable.
func (s *Server) agentAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			respondError(w, http.StatusUnauthorized, types.CodeUnauthorized, "agent token required", "")
			return
		}
		agentID, err := s.registry.ValidateToken(r.Context(), token)
		if err != nil {
			respondError(w, http.StatusUnauthorized, types.CodeUnauthorized, "invalid agent token", "")
			return
		}
		pathID, err := uuid.Parse(mux.Vars(r)["id"])
		if err != nil || pathID != agentID {
			respondError(w, http.StatusForbidden, types.CodeForbidden, "token does not match agent", "")
			return
		}
		agent, err := s.registry.Get(r.Context(), agentID)
		if err != nil {
			respondDomainError(w, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), agentKey, agent)))
	}
}
