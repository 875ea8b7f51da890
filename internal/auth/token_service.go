package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/welldanyogia/authguard/internal/repository"
)

// TokenType represents the type of JWT token
type TokenType string

const (
	AccessTokenType  TokenType = "access"
	RefreshTokenType TokenType = "refresh"
)

// Claims represents the JWT claims structure. Access tokens carry email
// and role; refresh tokens carry the token id (jti) and generation.
type Claims struct {
	Email      string    `json:"email,omitempty"`
	Role       string    `json:"role,omitempty"`
	Type       TokenType `json:"typ"`
	Generation int64     `json:"gen,omitempty"`
	jwt.RegisteredClaims
}

// UserID returns the user ID from the Subject claim
func (c *Claims) UserID() string {
	return c.Subject
}

// RevocationIndex tracks issued refresh tokens so they can be revoked
// one by one or all at once per subject.
type RevocationIndex interface {
	CurrentGeneration(ctx context.Context, subjectID uuid.UUID) (int64, error)
	Create(ctx context.Context, token *repository.RefreshToken) error
	IsActive(ctx context.Context, tokenID, subjectID uuid.UUID, generation int64) (bool, error)
	Revoke(ctx context.Context, tokenID uuid.UUID, at time.Time) error
	RevokeAllForSubject(ctx context.Context, subjectID uuid.UUID, at time.Time) error
}

// TokenServiceConfig holds configuration for TokenService
type TokenServiceConfig struct {
	AccessSecret       string
	RefreshSecret      string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
	Issuer             string
}

// TokenService issues and verifies access and refresh tokens
type TokenService struct {
	accessSecret       []byte
	refreshSecret      []byte
	accessTokenExpiry  time.Duration
	refreshTokenExpiry time.Duration
	issuer             string
	index              RevocationIndex
	now                func() time.Time
}

// NewTokenService creates a new TokenService instance
func NewTokenService(cfg TokenServiceConfig, index RevocationIndex) *TokenService {
	return &TokenService{
		accessSecret:       []byte(cfg.AccessSecret),
		refreshSecret:      []byte(cfg.RefreshSecret),
		accessTokenExpiry:  cfg.AccessTokenExpiry,
		refreshTokenExpiry: cfg.RefreshTokenExpiry,
		issuer:             cfg.Issuer,
		index:              index,
		now:                time.Now,
	}
}

// WithIndex returns a copy bound to another revocation index, typically
// one scoped to a database transaction.
func (s *TokenService) WithIndex(index RevocationIndex) *TokenService {
	clone := *s
	clone.index = index
	return &clone
}

// WithClock returns a copy that reads time from now
func (s *TokenService) WithClock(now func() time.Time) *TokenService {
	clone := *s
	clone.now = now
	return &clone
}

// TokenPair represents a pair of access and refresh tokens
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64 // access token lifetime in seconds
}

// IssueAccessToken signs a stateless access token
func (s *TokenService) IssueAccessToken(subjectID uuid.UUID, email, role string) (string, error) {
	now := s.now()

	claims := Claims{
		Email: email,
		Role:  role,
		Type:  AccessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subjectID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTokenExpiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.accessSecret)
}

// IssueRefreshToken mints a token id, records it in the revocation index
// and only then returns the signed token.
func (s *TokenService) IssueRefreshToken(ctx context.Context, subjectID uuid.UUID) (string, error) {
	generation, err := s.index.CurrentGeneration(ctx, subjectID)
	if err != nil {
		return "", err
	}

	now := s.now()
	tokenID := uuid.New()
	expiresAt := now.Add(s.refreshTokenExpiry)

	claims := Claims{
		Type:       RefreshTokenType,
		Generation: generation,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subjectID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        tokenID.String(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.refreshSecret)
	if err != nil {
		return "", err
	}

	record := &repository.RefreshToken{
		TokenID:    tokenID,
		SubjectID:  subjectID,
		Generation: generation,
		IssuedAt:   now,
		ExpiresAt:  expiresAt,
	}
	if err := s.index.Create(ctx, record); err != nil {
		return "", err
	}
	return signed, nil
}

// IssueTokenPair issues an access token and a recorded refresh token
func (s *TokenService) IssueTokenPair(ctx context.Context, subjectID uuid.UUID, email, role string) (*TokenPair, error) {
	accessToken, err := s.IssueAccessToken(subjectID, email, role)
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}

	refreshToken, err := s.IssueRefreshToken(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("issue refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.accessTokenExpiry.Seconds()),
	}, nil
}

// VerifyAccessToken checks signature, expiry and type. It never consults
// revocation state.
func (s *TokenService) VerifyAccessToken(tokenString string) (*Claims, error) {
	claims, err := s.parse(tokenString, s.accessSecret, AccessTokenType)
	if err != nil {
		return nil, wrap(Unauthorized(MsgInvalidToken), err)
	}
	return claims, nil
}

// VerifyRefreshToken checks signature, expiry and type, then the
// revocation index. Index failures are returned as internal errors.
func (s *TokenService) VerifyRefreshToken(ctx context.Context, tokenString string) (*Claims, error) {
	claims, err := s.parse(tokenString, s.refreshSecret, RefreshTokenType)
	if err != nil {
		return nil, wrap(Unauthorized(MsgInvalidToken), err)
	}

	tokenID, err := uuid.Parse(claims.ID)
	if err != nil {
		return nil, wrap(Unauthorized(MsgInvalidToken), err)
	}
	subjectID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, wrap(Unauthorized(MsgInvalidToken), err)
	}

	active, err := s.index.IsActive(ctx, tokenID, subjectID, claims.Generation)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, wrap(Unauthorized(MsgInvalidToken), errors.New("refresh token revoked"))
	}
	return claims, nil
}

// RevokeRefreshToken marks one token revoked. Idempotent.
func (s *TokenService) RevokeRefreshToken(ctx context.Context, tokenID uuid.UUID) error {
	return s.index.Revoke(ctx, tokenID, s.now())
}

// RevokeAllForSubject invalidates every refresh token of the subject,
// including tokens the index never recorded.
func (s *TokenService) RevokeAllForSubject(ctx context.Context, subjectID uuid.UUID) error {
	return s.index.RevokeAllForSubject(ctx, subjectID, s.now())
}

func (s *TokenService) parse(tokenString string, secret []byte, expectedType TokenType) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Type != expectedType {
		return nil, errors.New("invalid token type")
	}
	if s.issuer != "" && claims.Issuer != s.issuer {
		return nil, errors.New("invalid token issuer")
	}
	return claims, nil
}

// AccessTokenExpiry returns the access token lifetime
func (s *TokenService) AccessTokenExpiry() time.Duration {
	return s.accessTokenExpiry
}

// RefreshTokenExpiry returns the refresh token lifetime
func (s *TokenService) RefreshTokenExpiry() time.Duration {
	return s.refreshTokenExpiry
}
