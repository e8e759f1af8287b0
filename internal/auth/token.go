// Package auth issues and validates access tokens and hashes account
// passwords. Tokens are HS256 JWTs carrying the user's role and party
// bindings so handlers can scope queries without a user lookup per
// request.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/clearbill/backend/internal/billing"
)

var (
	ErrInvalidCredentials = errors.New("auth: incorrect email or password")
	ErrInactiveAccount    = errors.New("auth: account is inactive")
	ErrInvalidToken       = errors.New("auth: could not validate credentials")
)

// Claims is the access token payload. Subject is the user's email;
// party IDs are set according to role.
type Claims struct {
	jwt.RegisteredClaims
	UserID     string `json:"user_id"`
	Role       string `json:"role"`
	SupplierID string `json:"supplier_id,omitempty"`
	CarrierID  string `json:"carrier_id,omitempty"`
}

// ActorID returns the authenticated user's ID.
func (c *Claims) ActorID() (uuid.UUID, error) {
	return uuid.Parse(c.UserID)
}

// Supplier returns the bound supplier for SUPPLIER tokens.
func (c *Claims) Supplier() (uuid.UUID, bool) {
	if c.SupplierID == "" {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(c.SupplierID)
	return id, err == nil
}

// Carrier returns the bound carrier for CARRIER_* tokens.
func (c *Claims) Carrier() (uuid.UUID, bool) {
	if c.CarrierID == "" {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(c.CarrierID)
	return id, err == nil
}

// HasRole reports whether the token carries one of the given roles.
func (c *Claims) HasRole(roles ...billing.Role) bool {
	for _, role := range roles {
		if c.Role == string(role) {
			return true
		}
	}
	return false
}

// TokenIssuer signs and validates access tokens with a shared secret.
type TokenIssuer struct {
	secret []byte
	expiry time.Duration
}

// NewTokenIssuer builds an issuer; expiryMinutes comes from
// configuration (480 by default, an 8-hour shift).
func NewTokenIssuer(secret string, expiryMinutes int) *TokenIssuer {
	return &TokenIssuer{
		secret: []byte(secret),
		expiry: time.Duration(expiryMinutes) * time.Minute,
	}
}

// Issue signs a token for the user.
func (ti *TokenIssuer) Issue(user *billing.User) (string, error) {
	now := time.Now().UTC()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ti.expiry)),
		},
		UserID: user.ID.String(),
		Role:   string(user.Role),
	}
	if user.SupplierID != nil {
		claims.SupplierID = user.SupplierID.String()
	}
	if user.CarrierID != nil {
		claims.CarrierID = user.CarrierID.String()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ti.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Validate parses a token string and returns its claims. Any parse,
// signature, or expiry problem comes back as ErrInvalidToken.
func (ti *TokenIssuer) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return ti.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
