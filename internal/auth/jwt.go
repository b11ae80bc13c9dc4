// Package auth verifies handshake tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/HMasataka/kebun/domain"
	"github.com/golang-jwt/jwt/v5"
)

const accessTokenType = "access"

// Claims is the access token payload. UserID falls back to the subject.
type Claims struct {
	UserID    string `json:"user_id,omitempty"`
	Username  string `json:"username,omitempty"`
	Role      string `json:"role,omitempty"`
	CompanyID string `json:"company_id,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`
	Type      string `json:"type,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 access tokens.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

var _ domain.TokenVerifier = (*Verifier)(nil)

// NewVerifier returns a verifier for secret. A non-empty issuer must match
// the iss claim.
func NewVerifier(secret, issuer string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &Verifier{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// VerifyToken implements domain.TokenVerifier.
func (v *Verifier) VerifyToken(_ context.Context, token string) (domain.Identity, error) {
	if token == "" {
		return domain.Identity{}, fmt.Errorf("%w: empty token", domain.ErrInvalidToken)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return domain.Identity{}, domain.ErrInvalidToken
	}

	if claims.Type != "" && claims.Type != accessTokenType {
		return domain.Identity{}, fmt.Errorf("%w: token type %q", domain.ErrInvalidToken, claims.Type)
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return domain.Identity{}, fmt.Errorf("%w: missing user id", domain.ErrInvalidToken)
	}

	return domain.Identity{
		UserID:   userID,
		Username: claims.Username,
		Role:     domain.Role(claims.Role),
		TenantID: claims.CompanyID,
	}, nil
}

// Sign issues an access token for identity valid for ttl. Used by the
// diagnostic client and tests.
func Sign(secret, issuer string, identity domain.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:    identity.UserID,
		Username:  identity.Username,
		Role:      string(identity.Role),
		CompanyID: identity.TenantID,
		Type:      accessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
