// Package registration decides whether agents may join the fleet.
package registration

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/macsweep/control-plane/internal/registry"
	"github.com/macsweep/control-plane/pkg/types"
)

// ApprovalPolicy selects how registration requests are admitted.
type ApprovalPolicy string

const (
	// ApproveAuto admits every valid request immediately.
	ApproveAuto ApprovalPolicy = "auto"
	// ApproveManual queues requests for an operator decision.
	ApproveManual ApprovalPolicy = "manual"
	// ApproveWhitelist admits only whitelisted serial hashes.
	ApproveWhitelist ApprovalPolicy = "whitelist"
	// ApproveHostnamePattern admits hostnames matching a pattern.
	ApproveHostnamePattern ApprovalPolicy = "hostname-pattern"
)

var (
	// ErrRequestNotFound is returned when a pending request is missing.
	ErrRequestNotFound = errors.New("pending registration request not found")
)

// MissingCapabilitiesError reports required capabilities the agent did not
// submit.
type MissingCapabilitiesError struct {
	Missing []string
}

func (e *MissingCapabilitiesError) Error() string {
	return fmt.Sprintf("missing required capabilities: %s", strings.Join(e.Missing, ", "))
}

// VersionTooOldError reports an app version below the configured minimum.
type VersionTooOldError struct {
	Minimum string
	Actual  string
}

func (e *VersionTooOldError) Error() string {
	return fmt.Sprintf("app version %s is older than required minimum %s", e.Actual, e.Minimum)
}

// Events is the observer interface the host registers to react to
// registration decisions.
type Events interface {
	RegistrationPending(req types.RegistrationRequest)
	RegistrationApproved(agentID uuid.UUID)
	RegistrationRejected(agentID uuid.UUID, reason string)
}

// NopEvents discards all events.
type NopEvents struct{}

func (NopEvents) RegistrationPending(types.RegistrationRequest) {}
func (NopEvents) RegistrationApproved(uuid.UUID)                {}
func (NopEvents) RegistrationRejected(uuid.UUID, string)        {}

// Config configures the registration service.
type Config struct {
	Policy               ApprovalPolicy
	RequiredCapabilities []string
	MinimumAppVersion    string
	SerialWhitelist      []string
	HostnamePattern      string
	HeartbeatInterval    time.Duration
	ServerVersion        string
	Logger               *zap.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	switch c.Policy {
	case "":
		c.Policy = ApproveAuto
	case ApproveAuto, ApproveManual, ApproveWhitelist, ApproveHostnamePattern:
	default:
		return fmt.Errorf("unknown approval policy: %q", c.Policy)
	}
	if c.Policy == ApproveHostnamePattern && c.HostnamePattern == "" {
		return fmt.Errorf("hostname pattern is required for the hostname-pattern policy")
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 60 * time.Second
	}
	if c.ServerVersion == "" {
		c.ServerVersion = "dev"
	}
	return nil
}

// Service validates and admits registration requests according to the
// configured approval policy.
type Service struct {
	mu       sync.Mutex
	cfg      Config
	registry *registry.Registry
	pending  map[uuid.UUID]types.RegistrationRequest
	events   Events
	pattern  *regexp.Regexp
	logger   *zap.Logger
}

// New creates a registration service.
func New(cfg Config, reg *registry.Registry, events Events) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid registration config: %w", err)
	}
	if reg == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if events == nil {
		events = NopEvents{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &Service{
		cfg:      cfg,
		registry: reg,
		pending:  make(map[uuid.UUID]types.RegistrationRequest),
		events:   events,
		logger:   cfg.Logger,
	}
	if cfg.Policy == ApproveHostnamePattern {
		pattern, err := regexp.Compile("(?i)" + cfg.HostnamePattern)
		if err != nil {
			return nil, fmt.Errorf("compile hostname pattern: %w", err)
		}
		s.pattern = pattern
	}
	return s, nil
}

// Register validates the request and applies the approval policy.
// Validation failures return a typed error; policy denials return a
// non-success result.
func (s *Service) Register(ctx context.Context, req types.RegistrationRequest) (*types.RegistrationResult, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	switch s.cfg.Policy {
	case ApproveManual:
		s.mu.Lock()
		s.pending[req.Identity.ID] = req
		s.mu.Unlock()
		s.events.RegistrationPending(req)
		s.logger.Info("registration pending approval",
			zap.String("agent_id", req.Identity.ID.String()),
			zap.String("hostname", req.Identity.Hostname),
		)
		return &types.RegistrationResult{
			Success: false,
			Pending: true,
			AgentID: req.Identity.ID,
			Message: "registration pending manual approval",
		}, nil

	case ApproveWhitelist:
		if !s.whitelisted(req.Identity.SerialHash) {
			reason := "serial hash is not whitelisted"
			s.events.RegistrationRejected(req.Identity.ID, reason)
			return &types.RegistrationResult{
				Success: false,
				AgentID: req.Identity.ID,
				Message: reason,
			}, nil
		}
		return s.admit(ctx, req)

	case ApproveHostnamePattern:
		if !s.pattern.MatchString(req.Identity.Hostname) {
			reason := fmt.Sprintf("hostname %q does not match the allowed pattern", req.Identity.Hostname)
			s.events.RegistrationRejected(req.Identity.ID, reason)
			return &types.RegistrationResult{
				Success: false,
				AgentID: req.Identity.ID,
				Message: reason,
			}, nil
		}
		return s.admit(ctx, req)

	default: // auto
		return s.admit(ctx, req)
	}
}

// validate applies the ordered request checks: required capabilities first,
// then minimum app version.
func (s *Service) validate(req types.RegistrationRequest) error {
	var missing []string
	for _, required := range s.cfg.RequiredCapabilities {
		found := false
		for _, c := range req.Capabilities {
			if c == required {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, required)
		}
	}
	if len(missing) > 0 {
		return &MissingCapabilitiesError{Missing: missing}
	}

	if s.cfg.MinimumAppVersion != "" {
		if CompareVersions(req.Identity.AppVersion, s.cfg.MinimumAppVersion) < 0 {
			return &VersionTooOldError{
				Minimum: s.cfg.MinimumAppVersion,
				Actual:  req.Identity.AppVersion,
			}
		}
	}
	return nil
}

func (s *Service) admit(ctx context.Context, req types.RegistrationRequest) (*types.RegistrationResult, error) {
	agent, err := s.registry.Register(ctx, req.Identity, req.Capabilities)
	if err != nil {
		return nil, err
	}
	s.events.RegistrationApproved(agent.Identity.ID)
	return &types.RegistrationResult{
		Success:           true,
		AgentID:           agent.Identity.ID,
		AuthToken:         agent.AuthToken,
		TokenExpiresAt:    agent.TokenExpiresAt,
		HeartbeatInterval: s.cfg.HeartbeatInterval,
		ServerVersion:     s.cfg.ServerVersion,
	}, nil
}

func (s *Service) whitelisted(serialHash string) bool {
	for _, h := range s.cfg.SerialWhitelist {
		if h == serialHash {
			return true
		}
	}
	return false
}

// Approve admits a pending request.
func (s *Service) Approve(ctx context.Context, agentID uuid.UUID) (*types.RegistrationResult, error) {
	s.mu.Lock()
	req, exists := s.pending[agentID]
	if exists {
		delete(s.pending, agentID)
	}
	s.mu.Unlock()

	if !exists {
		return nil, ErrRequestNotFound
	}
	return s.admit(ctx, req)
}

// Reject refuses a pending request.
func (s *Service) Reject(ctx context.Context, agentID uuid.UUID, reason string) error {
	s.mu.Lock()
	_, exists := s.pending[agentID]
	if exists {
		delete(s.pending, agentID)
	}
	s.mu.Unlock()

	if !exists {
		return ErrRequestNotFound
	}
	s.events.RegistrationRejected(agentID, reason)
	s.logger.Info("registration rejected",
		zap.String("agent_id", agentID.String()),
		zap.String("reason", reason),
	)
	return nil
}

// BulkApprove admits every listed pending request. Missing or failing
// requests are reported per ID.
func (s *Service) BulkApprove(ctx context.Context, agentIDs []uuid.UUID) map[uuid.UUID]error {
	results := make(map[uuid.UUID]error, len(agentIDs))
	for _, id := range agentIDs {
		_, err := s.Approve(ctx, id)
		results[id] = err
	}
	return results
}

// BulkReject refuses every listed pending request.
func (s *Service) BulkReject(ctx context.Context, agentIDs []uuid.UUID, reason string) map[uuid.UUID]error {
	results := make(map[uuid.UUID]error, len(agentIDs))
	for _, id := range agentIDs {
		results[id] = s.Reject(ctx, id, reason)
	}
	return results
}

// PendingRequests returns the queued registration requests.
func (s *Service) PendingRequests() []types.RegistrationRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	reqs := make([]types.RegistrationRequest, 0, len(s.pending))
	for _, r := range s.pending {
		reqs = append(reqs, r)
	}
	return reqs
}

// CompareVersions compares dotted numeric versions. The shorter side is
// padded with zeros. Returns -1, 0, or 1.
func CompareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		av, bv := 0, 0
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av < bv {
			return -1
		}
		if av > bv {
			return 1
		}
	}
	return 0
}
