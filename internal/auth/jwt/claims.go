package jwt

import (
	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/macsweep/control-plane/pkg/types"
)

// TokenType distinguishes access tokens from refresh tokens.
type TokenType string

const (
	// TokenTypeAccess is the short-lived token used on API calls.
	TokenTypeAccess TokenType = "access"
	// TokenTypeRefresh is the long-lived token exchanged for new pairs.
	TokenTypeRefresh TokenType = "refresh"
)

// Claims is the token payload: registered claims plus the control plane's
// user context.
type Claims struct {
	jwtlib.RegisteredClaims
	Role      types.Role `json:"role"`
	Username  string     `json:"username"`
	Email     string     `json:"email,omitempty"`
	TokenType TokenType  `json:"tokenType"`
}

// TokenPair is a freshly minted access/refresh token pair.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}
