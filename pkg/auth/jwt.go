package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTService issues and validates the bearer tokens the HTTP control surface
// requires on every route except /healthz, /metrics and the analyzer webhook
// callback. Unlike a multi-tenant user system,
// there is no persisted identity directory: an operator token's authority is
// entirely carried in its signed claims.
type JWTService struct {
	secret     []byte
	issuer     string
	expiration time.Duration
}

// Claims is the JWT payload minted for an operator token.
type Claims struct {
	Subject     string   `json:"sub_label"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// TokenPair is returned from GenerateToken. There is no refresh token: the
// control surface expects operators to re-mint a token via the CLI when one
// expires, rather than keep a long-lived refresh credential in flight.
type TokenPair struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	TokenType   string    `json:"token_type"`
}

// NewJWTService builds a JWTService signing with HMAC-SHA256 over secret. An
// empty secret is rejected rather than silently generating one, since unlike
// a per-process signing key, tokens minted by one pipelined instance must
// validate on every other instance sharing the same control surface.
func NewJWTService(secret string, expiration time.Duration) (*JWTService, error) {
	if secret == "" {
		return nil, errors.New("jwt secret must not be empty")
	}
	if expiration <= 0 {
		expiration = 24 * time.Hour
	}
	return &JWTService{
		secret:     []byte(secret),
		issuer:     "orchestrix-pipeline",
		expiration: expiration,
	}, nil
}

// GenerateToken mints a token for subject carrying role's default permission
// set.
func (j *JWTService) GenerateToken(subject, role string) (*TokenPair, error) {
	now := time.Now()
	expiresAt := now.Add(j.expiration)

	claims := &Claims{
		Subject:     subject,
		Role:        role,
		Permissions: GetRolePermissions(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        fmt.Sprintf("%s_%d", subject, now.UnixNano()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(j.secret)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}

	return &TokenPair{AccessToken: signed, ExpiresAt: expiresAt, TokenType: "Bearer"}, nil
}

// ValidateToken parses and verifies tokenString, returning its claims.
func (j *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// HasPermission reports whether claims carries permission.
func (c *Claims) HasPermission(permission string) bool {
	for _, p := range c.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// IsAdmin reports whether claims has the admin role.
func (c *Claims) IsAdmin() bool {
	return c.Role == RoleAdmin
}

// IsOperator reports whether claims has operator role or higher.
func (c *Claims) IsOperator() bool {
	return c.Role == RoleAdmin || c.Role == RoleOperator
}

// Role constants for the orchestrator's control surface. Both roles can read
// and create pipelines; only RoleAdmin holds pipeline:manage. A token with
// any other role gets pipeline:read only (see GetRolePermissions).
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
)

// Permission constants.
const (
	PermissionPipelineRead   = "pipeline:read"
	PermissionPipelineWrite  = "pipeline:write"
	PermissionPipelineManage = "pipeline:manage"
	PermissionMetricsRead    = "metrics:read"
)

// GetRolePermissions returns the default permission set for role.
func GetRolePermissions(role string) []string {
	switch role {
	case RoleAdmin:
		return []string{
			PermissionPipelineRead, PermissionPipelineWrite,
			PermissionPipelineManage, PermissionMetricsRead,
		}
	case RoleOperator:
		return []string{PermissionPipelineRead, PermissionPipelineWrite, PermissionMetricsRead}
	default:
		return []string{PermissionPipelineRead}
	}
}
