// Package auth verifies dashboard bearer tokens and kiosk secrets.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

var (
	ErrMissingSecret = errors.New("token secret is not configured")
	ErrInvalidRole   = errors.New("token role must be user or admin")
	ErrInvalidToken  = errors.New("invalid token")
)

// clockSkew tolerated between the account service that mints tokens and this hub.
const clockSkew = 30 * time.Second

// Claims is the verified identity carried by a bearer token.
type Claims struct {
	UserID    string
	Name      string
	Role      string
	ExpiresAt time.Time
}

type Identity struct {
	UserID string
	Name   string
	Role   string
}

func (c *Claims) Identity() Identity {
	return Identity{UserID: c.UserID, Name: c.Name, Role: c.Role}
}

type TokenConfig struct {
	Secret string
	Expiry time.Duration
	// Issuer is stamped on minted tokens and, when set, required on verified ones.
	Issuer string
}

func DefaultTokenConfig(secret string) TokenConfig {
	return TokenConfig{
		Secret: secret,
		Expiry: 7 * 24 * time.Hour,
		Issuer: "kiosk-hub",
	}
}

type wireClaims struct {
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

func normalizeRole(role string) (string, error) {
	switch role {
	case "":
		return RoleUser, nil
	case RoleUser, RoleAdmin:
		return role, nil
	default:
		return "", ErrInvalidRole
	}
}

// CreateToken signs an HS256 token for id. The hub itself only verifies tokens; minting
// exists for operator tooling and tests.
func CreateToken(id Identity, cfg TokenConfig) (string, error) {
	if cfg.Secret == "" {
		return "", ErrMissingSecret
	}
	if id.UserID == "" {
		return "", errors.New("token subject is empty")
	}
	if cfg.Expiry <= 0 {
		return "", errors.Errorf("token expiry must be positive, got %s", cfg.Expiry)
	}
	role, err := normalizeRole(id.Role)
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := wireClaims{
		Name: id.Name,
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   id.UserID,
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.Expiry)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	return signed, nil
}

// VerifyToken checks signature, expiry and issuer. Tokens without a role claim are user tokens.
func VerifyToken(tokenString string, cfg TokenConfig) (*Claims, error) {
	if cfg.Secret == "" {
		return nil, ErrMissingSecret
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockSkew),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	var wc wireClaims
	if _, err := jwt.ParseWithClaims(tokenString, &wc, func(*jwt.Token) (any, error) {
		return []byte(cfg.Secret), nil
	}, opts...); err != nil {
		return nil, errors.Wrap(ErrInvalidToken, err.Error())
	}
	if wc.Subject == "" {
		return nil, errors.Wrap(ErrInvalidToken, "missing subject")
	}
	role, err := normalizeRole(wc.Role)
	if err != nil {
		return nil, err
	}

	claims := &Claims{UserID: wc.Subject, Name: wc.Name, Role: role}
	if wc.ExpiresAt != nil {
		claims.ExpiresAt = wc.ExpiresAt.Time
	}
	return claims, nil
}
