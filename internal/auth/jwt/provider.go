// Package jwt mints and validates the HMAC-signed tokens used by human and
// UI callers of the control plane API.
package jwt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/macsweep/control-plane/pkg/types"
)

// Config configures the token provider.
type Config struct {
	Secret     []byte
	Issuer     string
	Audience   string // optional; empty disables the aud check
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Revocation RevocationStore
	Logger     *zap.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if len(c.Secret) == 0 {
		return fmt.Errorf("signing secret is required")
	}
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	// Only the zero value means "unset". Negative TTLs pass through so
	// tests can mint already-expired tokens.
	if c.AccessTTL == 0 {
		c.AccessTTL = time.Hour
	}
	if c.RefreshTTL == 0 {
		c.RefreshTTL = 7 * 24 * time.Hour
	}
	return nil
}

// Provider mints, validates, refreshes, and revokes token pairs.
type Provider struct {
	secret     []byte
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	revocation RevocationStore
	parser     *jwtlib.Parser
	logger     *zap.Logger
}

// NewProvider creates a token provider.
func NewProvider(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid jwt config: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Revocation == nil {
		cfg.Revocation = NewMemoryRevocationStore(0, cfg.Logger)
	}
	return &Provider{
		secret:     cfg.Secret,
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		revocation: cfg.Revocation,
		parser:     jwtlib.NewParser(),
		logger:     cfg.Logger,
	}, nil
}

// GenerateTokenPair mints an access and a refresh token for the user.
func (p *Provider) GenerateTokenPair(user *types.User) (*TokenPair, error) {
	if user == nil {
		return nil, fmt.Errorf("user is required")
	}

	access, err := p.mint(user, TokenTypeAccess, p.accessTTL)
	if err != nil {
		return nil, fmt.Errorf("mint access token: %w", err)
	}
	refresh, err := p.mint(user, TokenTypeRefresh, p.refreshTTL)
	if err != nil {
		return nil, fmt.Errorf("mint refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(p.accessTTL.Seconds()),
	}, nil
}

func (p *Provider) mint(user *types.User, tokenType TokenType, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    p.issuer,
			Subject:   user.ID.String(),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwtlib.NewNumericDate(now),
			NotBefore: jwtlib.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		Role:      user.Role,
		Username:  user.Username,
		Email:     user.Email,
		TokenType: tokenType,
	}
	if p.audience != "" {
		claims.Audience = jwtlib.ClaimStrings{p.audience}
	}

	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	signed, err := token.SignedString(p.secret)
	if err != nil {
		return "", err
	}
	return signed, nil
}

// Validate checks a compact token and returns its claims. Checks run in a
// fixed order: structure, signature, decoding, revocation, exp, nbf, iss,
// aud.
func (p *Provider) Validate(ctx context.Context, tokenString string) (*Claims, error) {
	parts := strings.Split(tokenString, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}

	sig, err := p.parser.DecodeSegment(parts[2])
	if err != nil {
		return nil, ErrInvalidSignature
	}
	signingString := parts[0] + "." + parts[1]
	if err := jwtlib.SigningMethodHS256.Verify(signingString, sig, p.secret); err != nil {
		return nil, ErrInvalidSignature
	}

	payload, err := p.parser.DecodeSegment(parts[1])
	if err != nil {
		return nil, ErrDecodingFailed
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrDecodingFailed
	}

	if claims.ID != "" {
		revoked, err := p.revocation.IsRevoked(ctx, claims.ID)
		if err != nil {
			// Revocation backend trouble must not lock every caller out.
			p.logger.Warn("revocation check failed", zap.Error(err), zap.String("jti", claims.ID))
		} else if revoked {
			return nil, ErrInvalidToken
		}
	}

	now := time.Now()
	if claims.ExpiresAt == nil || !now.Before(claims.ExpiresAt.Time) {
		return nil, ErrTokenExpired
	}
	if claims.NotBefore != nil && now.Before(claims.NotBefore.Time) {
		return nil, ErrInvalidToken
	}
	if claims.Issuer != p.issuer {
		return nil, NewClaimError("iss", p.issuer, claims.Issuer)
	}
	if p.audience != "" {
		found := false
		for _, aud := range claims.Audience {
			if aud == p.audience {
				found = true
				break
			}
		}
		if !found {
			return nil, NewClaimError("aud", p.audience, strings.Join(claims.Audience, ","))
		}
	}

	return &claims, nil
}

// Refresh exchanges a valid refresh token for a new pair. The refresh token
// is single-use: its jti is revoked before the new pair is minted.
func (p *Provider) Refresh(ctx context.Context, refreshToken string, user *types.User) (*TokenPair, error) {
	claims, err := p.Validate(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != TokenTypeRefresh {
		return nil, ErrInvalidToken
	}
	if user == nil || claims.Subject != user.ID.String() {
		return nil, ErrInvalidToken
	}

	if err := p.revocation.Revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		return nil, fmt.Errorf("revoke spent refresh token: %w", err)
	}

	return p.GenerateTokenPair(user)
}

// Revoke marks a jti revoked until expiresAt.
func (p *Provider) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	return p.revocation.Revoke(ctx, jti, expiresAt)
}

// RevokeToken revokes a whole token string by its embedded jti.
func (p *Provider) RevokeToken(ctx context.Context, tokenString string) error {
	claims, err := p.Validate(ctx, tokenString)
	if err != nil {
		return err
	}
	return p.revocation.Revoke(ctx, claims.ID, claims.ExpiresAt.Time)
}

// IsRevoked reports whether a jti has been revoked.
func (p *Provider) IsRevoked(ctx context.Context, jti string) (bool, error) {
	return p.revocation.IsRevoked(ctx, jti)
}
