package access

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/macsweep/control-plane/internal/audit"
	"github.com/macsweep/control-plane/internal/auth/jwt"
	"github.com/macsweep/control-plane/pkg/types"
)

// DefaultBehavior decides requests no registered policy matches.
type DefaultBehavior string

const (
	// DefaultDeny rejects unmatched requests.
	DefaultDeny DefaultBehavior = "deny"
	// DefaultAllow grants unmatched requests.
	DefaultAllow DefaultBehavior = "allow"
	// DefaultAuthenticatedOnly grants unmatched requests that carry a
	// valid access token.
	DefaultAuthenticatedOnly DefaultBehavior = "authenticated_only"
)

// Config configures the access controller.
type Config struct {
	DefaultBehavior DefaultBehavior
	Policies        []AccessPolicy // defaults to DefaultPolicies()
	Logger          *zap.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	switch c.DefaultBehavior {
	case "":
		c.DefaultBehavior = DefaultDeny
	case DefaultDeny, DefaultAllow, DefaultAuthenticatedOnly:
	default:
		return fmt.Errorf("unknown default behavior: %q", c.DefaultBehavior)
	}
	if c.Policies == nil {
		c.Policies = DefaultPolicies()
	}
	return nil
}

// Decision is the result of a granted authorization.
type Decision struct {
	UserID uuid.UUID
	Claims *jwt.Claims
	Policy string // name of the matched policy, empty for default-allow
}

// Controller evaluates requests against the registered access policies,
// validating JWTs through the token provider and recording every
// evaluation in the access audit trail.
type Controller struct {
	mu        sync.Mutex
	cfg       Config
	policies  []AccessPolicy
	provider  *jwt.Provider
	sessions  map[uuid.UUID]*jwt.Claims
	accessLog *audit.AccessLog
	logger    *zap.Logger
}

// New creates an access controller.
func New(cfg Config, provider *jwt.Provider, accessLog *audit.AccessLog) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid access config: %w", err)
	}
	if provider == nil {
		return nil, fmt.Errorf("token provider is required")
	}
	if accessLog == nil {
		accessLog = audit.NewAccessLog(audit.DefaultAccessLogConfig())
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Controller{
		cfg:       cfg,
		policies:  cfg.Policies,
		provider:  provider,
		sessions:  make(map[uuid.UUID]*jwt.Claims),
		accessLog: accessLog,
		logger:    cfg.Logger,
	}, nil
}

// RegisterPolicy appends a policy to the evaluation order.
func (c *Controller) RegisterPolicy(policy AccessPolicy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policies = append(c.policies, policy)
}

// Authorize evaluates a request. token may be empty. On grant the decision
// carries the caller's claims; on denial the returned error maps to an
// HTTP status via HTTPStatus.
func (c *Controller) Authorize(ctx context.Context, token, resource, method string) (*Decision, error) {
	decision, err := c.evaluate(ctx, token, resource, method)
	c.record(decision, resource, method, err)
	return decision, err
}

func (c *Controller) evaluate(ctx context.Context, token, resource, method string) (*Decision, error) {
	policy := c.matchPolicy(resource, method)

	if policy == nil {
		switch c.cfg.DefaultBehavior {
		case DefaultAllow:
			return &Decision{}, nil
		case DefaultAuthenticatedOnly:
			claims, err := c.validateToken(ctx, token)
			if err != nil {
				return nil, err
			}
			return c.grant(claims, "")
		default: // deny
			if token == "" {
				return nil, ErrUnauthorized
			}
			// Authenticated but the resource is not exposed.
			if _, err := c.validateToken(ctx, token); err != nil {
				return nil, err
			}
			return nil, ErrForbidden
		}
	}

	// Unauthenticated policies admit the request regardless of what sits in
	// the Bearer slot: agent endpoints carry the opaque registry token there,
	// which is not a JWT and is checked downstream against the registry.
	if !policy.RequiresAuthentication {
		return &Decision{Policy: policy.Name}, nil
	}

	claims, err := c.validateToken(ctx, token)
	if err != nil {
		return nil, err
	}

	if policy.MinimumRole != "" && !claims.Role.HasAtLeastPrivilegesOf(policy.MinimumRole) {
		return nil, &PrivilegeError{Required: policy.MinimumRole, Actual: claims.Role}
	}

	if len(policy.RequiredPermissions) > 0 {
		granted := false
		for _, p := range policy.RequiredPermissions {
			if claims.Role.HasPermission(p) {
				granted = true
				break
			}
		}
		if !granted {
			return nil, &PermissionError{Permission: policy.RequiredPermissions[0]}
		}
	}

	return c.grant(claims, policy.Name)
}

func (c *Controller) grant(claims *jwt.Claims, policyName string) (*Decision, error) {
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, jwt.ErrInvalidToken
	}

	c.mu.Lock()
	c.sessions[userID] = claims
	c.mu.Unlock()

	return &Decision{UserID: userID, Claims: claims, Policy: policyName}, nil
}

// validateToken runs the JWT provider and translates its failures into the
// authentication taxonomy: expiry is surfaced as-is, everything else
// becomes an invalid token.
func (c *Controller) validateToken(ctx context.Context, token string) (*jwt.Claims, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	claims, err := c.provider.Validate(ctx, token)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, jwt.ErrTokenExpired
		default:
			return nil, jwt.ErrInvalidToken
		}
	}
	if claims.TokenType != jwt.TokenTypeAccess {
		return nil, jwt.ErrInvalidToken
	}
	if _, err := uuid.Parse(claims.Subject); err != nil {
		return nil, jwt.ErrInvalidToken
	}
	return claims, nil
}

func (c *Controller) matchPolicy(resource, method string) *AccessPolicy {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.policies {
		p := &c.policies[i]
		if p.MatchesMethod(method) && p.MatchesResource(resource) {
			return p
		}
	}
	return nil
}

func (c *Controller) record(decision *Decision, resource, method string, evalErr error) {
	entry := types.AccessAuditEntry{
		Resource: resource,
		Method:   method,
		Allowed:  evalErr == nil,
	}
	if decision != nil && decision.Claims != nil {
		entry.UserID = decision.UserID.String()
		entry.Username = decision.Claims.Username
		entry.Role = decision.Claims.Role
	}
	if evalErr != nil {
		entry.Reason = evalErr.Error()
	}
	c.accessLog.Record(entry)
}

// Session returns the cached claims for a user, if any.
func (c *Controller) Session(userID uuid.UUID) (*jwt.Claims, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	claims, ok := c.sessions[userID]
	return claims, ok
}

// InvalidateSession drops a cached session.
func (c *Controller) InvalidateSession(userID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, userID)
}
