// Package rest exposes the control plane over HTTP.
package rest

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/macsweep/control-plane/internal/access"
	"github.com/macsweep/control-plane/internal/audit"
	"github.com/macsweep/control-plane/internal/auth/jwt"
	"github.com/macsweep/control-plane/internal/compliance"
	"github.com/macsweep/control-plane/internal/config"
	"github.com/macsweep/control-plane/internal/distribution"
	"github.com/macsweep/control-plane/internal/heartbeat"
	"github.com/macsweep/control-plane/internal/metrics"
	"github.com/macsweep/control-plane/internal/rbac"
	"github.com/macsweep/control-plane/internal/registration"
	"github.com/macsweep/control-plane/internal/registry"
)

// Version is the server version reported on health checks.
var Version = "dev"

// Deps collects every component the HTTP layer fronts.
type Deps struct {
	Logger        *zap.Logger
	Access        *access.Controller
	Users         rbac.UserStore
	Authenticator *rbac.Authenticator
	Tokens        *jwt.Provider
	Registry      *registry.Registry
	Registration  *registration.Service
	Heartbeats    *heartbeat.Monitor
	Distributor   *distribution.Distributor
	Policies      distribution.PolicyStore
	Transport     *distribution.QueueTransport
	Reporter      *compliance.Reporter
	AgentAudit    *audit.AgentLog
	AccessAudit   *audit.AccessLog
	Metrics       *metrics.Metrics
	Config        *config.ServerConfig
}

// Server is the HTTP front of the control plane.
type Server struct {
	logger        *zap.Logger
	access        *access.Controller
	users         rbac.UserStore
	authenticator *rbac.Authenticator
	tokens        *jwt.Provider
	registry      *registry.Registry
	registration  *registration.Service
	heartbeats    *heartbeat.Monitor
	distributor   *distribution.Distributor
	policies      distribution.PolicyStore
	transport     *distribution.QueueTransport
	reporter      *compliance.Reporter
	agentAudit    *audit.AgentLog
	accessAudit   *audit.AccessLog
	metrics       *metrics.Metrics

	cfgMu sync.RWMutex
	cfg   *config.ServerConfig

	http *http.Server
}

// NewServer wires the routes and middleware chain.
func NewServer(deps Deps) (*Server, error) {
	switch {
	case deps.Access == nil:
		return nil, fmt.Errorf("access controller is required")
	case deps.Registry == nil:
		return nil, fmt.Errorf("registry is required")
	case deps.Users == nil:
		return nil, fmt.Errorf("user store is required")
	case deps.Tokens == nil:
		return nil, fmt.Errorf("token provider is required")
	case deps.Config == nil:
		return nil, fmt.Errorf("config is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	s := &Server{
		logger:        deps.Logger,
		access:        deps.Access,
		users:         deps.Users,
		authenticator: deps.Authenticator,
		tokens:        deps.Tokens,
		registry:      deps.Registry,
		registration:  deps.Registration,
		heartbeats:    deps.Heartbeats,
		distributor:   deps.Distributor,
		policies:      deps.Policies,
		transport:     deps.Transport,
		reporter:      deps.Reporter,
		agentAudit:    deps.AgentAudit,
		accessAudit:   deps.AccessAudit,
		metrics:       deps.Metrics,
		cfg:           deps.Config,
	}

	router := s.routes()
	s.http = &http.Server{
		Addr:         deps.Config.Server.Addr(),
		Handler:      router,
		ReadTimeout:  deps.Config.Server.ReadTimeout.Std(),
		WriteTimeout: deps.Config.Server.WriteTimeout.Std(),
	}
	return s, nil
}

func (s *Server) routes() *mux.Router {
	root := mux.NewRouter()
	root.Use(s.recovery, s.logging)

	if s.metrics != nil {
		s.cfgMu.RLock()
		metricsCfg := s.cfg.Metrics
		s.cfgMu.RUnlock()
		if metricsCfg.Enabled {
			path := metricsCfg.Path
			if path == "" {
				path = "/metrics"
			}
			root.Handle(path, s.metrics.Handler()).Methods(http.MethodGet)
		}
	}

	api := root.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authorize)

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/auth/refresh", s.handleRefresh).Methods(http.MethodPost)

	api.HandleFunc("/agents", s.handleListAgents).Methods(http.MethodGet)
	api.HandleFunc("/agents/register", s.handleRegisterAgent).Methods(http.MethodPost)
	api.HandleFunc("/agents/pending", s.handleListPending).Methods(http.MethodGet)
	api.HandleFunc("/agents/{id}/approve", s.handleApproveAgent).Methods(http.MethodPost)
	api.HandleFunc("/agents/{id}/reject", s.handleRejectAgent).Methods(http.MethodPost)
	api.HandleFunc("/agents/{id}/heartbeat", s.agentAuth(s.handleHeartbeat)).Methods(http.MethodPost)
	api.HandleFunc("/agents/{id}/acknowledge", s.agentAuth(s.handleAcknowledge)).Methods(http.MethodPost)
	api.HandleFunc("/agents/{id}/command", s.handleAgentCommand).Methods(http.MethodPost)
	api.HandleFunc("/agents/{id}", s.handleGetAgent).Methods(http.MethodGet)
	api.HandleFunc("/agents/{id}", s.handleUnregisterAgent).Methods(http.MethodDelete)

	api.HandleFunc("/policies", s.handleListPolicies).Methods(http.MethodGet)
	api.HandleFunc("/policies", s.handleCreatePolicy).Methods(http.MethodPost)
	api.HandleFunc("/policies/{id}/deploy", s.handleDeployPolicy).Methods(http.MethodPost)
	api.HandleFunc("/policies/{id}", s.handleGetPolicy).Methods(http.MethodGet)
	api.HandleFunc("/policies/{id}", s.handleUpdatePolicy).Methods(http.MethodPut, http.MethodPatch)
	api.HandleFunc("/policies/{id}", s.handleDeletePolicy).Methods(http.MethodDelete)

	api.HandleFunc("/distributions", s.handleListDistributions).Methods(http.MethodGet)
	api.HandleFunc("/distributions/{id}/cancel", s.handleCancelDistribution).Methods(http.MethodPost)
	api.HandleFunc("/distributions/{id}/rollback", s.handleRollbackDistribution).Methods(http.MethodPost)
	api.HandleFunc("/distributions/{id}/retry", s.handleRetryDistribution).Methods(http.MethodPost)
	api.HandleFunc("/distributions/{id}", s.handleGetDistribution).Methods(http.MethodGet)

	api.HandleFunc("/reports/fleet/export", s.handleExportFleetReport).Methods(http.MethodPost)
	api.HandleFunc("/reports/fleet", s.handleFleetReport).Methods(http.MethodGet)
	api.HandleFunc("/reports/agents/{id}", s.handleAgentReport).Methods(http.MethodGet)
	api.HandleFunc("/reports/executions/{id}/export", s.handleExportExecutionReport).Methods(http.MethodPost)
	api.HandleFunc("/reports/executions/{id}", s.handleExecutionReport).Methods(http.MethodGet)
	api.HandleFunc("/reports/at-risk", s.handleAtRiskReport).Methods(http.MethodGet)

	api.HandleFunc("/audit/logs", s.handleAuditLogs).Methods(http.MethodGet)
	api.HandleFunc("/audit/logs/export", s.handleExportAuditLogs).Methods(http.MethodPost)

	api.HandleFunc("/users", s.handleListUsers).Methods(http.MethodGet)
	api.HandleFunc("/users", s.handleCreateUser).Methods(http.MethodPost)
	api.HandleFunc("/users/{id}", s.handleGetUser).Methods(http.MethodGet)
	api.HandleFunc("/users/{id}", s.handleUpdateUser).Methods(http.MethodPut, http.MethodPatch)
	api.HandleFunc("/users/{id}", s.handleDeleteUser).Methods(http.MethodDelete)

	api.HandleFunc("/config", s.handleGetConfig).Methods(http.MethodGet)
	api.HandleFunc("/config", s.handleUpdateConfig).Methods(http.MethodPut, http.MethodPatch)

	return root
}

// Start serves until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.http.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// CurrentConfig returns the live configuration snapshot.
func (s *Server) CurrentConfig() *config.ServerConfig {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// ApplyConfig swaps the live configuration snapshot. Components read their
// settings at construction; the snapshot feeds the config endpoints and
// watchers.
func (s *Server) ApplyConfig(cfg *config.ServerConfig) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	s.cfg = cfg
}
