package service

import (
	"errors"
	"fmt"
	"time"

	"fieldsync/internal/domain"
	"fieldsync/pkg/hash"
	"fieldsync/pkg/jwt"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// AuthService exchanges node credentials for short-lived access tokens.
// Credentials map a node id to the bcrypt hash of its secret.
type AuthService struct {
	credentials   map[string]string
	jwtSecret     string
	jwtExpiration time.Duration
}

func NewAuthService(credentials map[string]string, jwtSecret string, jwtExp time.Duration) *AuthService {
	return &AuthService{
		credentials:   credentials,
		jwtSecret:     jwtSecret,
		jwtExpiration: jwtExp,
	}
}

func (s *AuthService) IssueToken(req *domain.TokenRequest) (*domain.TokenResponse, error) {
	hashed, ok := s.credentials[req.NodeID]
	if !ok {
		return nil, ErrInvalidCredentials
	}
	if err := hash.Compare(hashed, req.Secret); err != nil {
		return nil, ErrInvalidCredentials
	}

	token, err := jwt.GenerateToken(req.NodeID, s.jwtExpiration, s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}

	return &domain.TokenResponse{
		AccessToken: token,
		ExpiresIn:   int64(s.jwtExpiration.Seconds()),
	}, nil
}

func (s *AuthService) ValidateToken(token string) (*jwt.Claims, error) {
	claims, err := jwt.ValidateToken(token, s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	return claims, nil
}
