package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/clearbill/backend/internal/store"
)

// TokenResponse is the login payload returned to clients.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	Role        string `json:"role"`
	SupplierID  string `json:"supplier_id,omitempty"`
	CarrierID   string `json:"carrier_id,omitempty"`
}

// Service authenticates users against the store and issues tokens.
type Service struct {
	store  store.Store
	issuer *TokenIssuer
}

func NewService(st store.Store, issuer *TokenIssuer) *Service {
	return &Service{store: st, issuer: issuer}
}

// Login exchanges email and password for an access token. Unknown
// accounts and bad passwords are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, email, password string) (*TokenResponse, error) {
	user, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("look up account: %w", err)
	}
	if !VerifyPassword(password, user.HashedPassword) {
		return nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, ErrInactiveAccount
	}

	token, err := s.issuer.Issue(user)
	if err != nil {
		return nil, err
	}

	resp := &TokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		Role:        string(user.Role),
	}
	if user.SupplierID != nil {
		resp.SupplierID = user.SupplierID.String()
	}
	if user.CarrierID != nil {
		resp.CarrierID = user.CarrierID.String()
	}
	return resp, nil
}
