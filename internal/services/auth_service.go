package services

import (
	"context"
	"time"

	"sealed-relay/config"
	sealed_errors "sealed-relay/pkg/errors"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Identity is what a verified bearer credential resolves to.
type Identity struct {
	UserID   uuid.UUID
	Username string
}

// TokenVerifier turns a bearer credential into an Identity.
type TokenVerifier interface {
	Verify(token string) (Identity, error)
}

type AccessClaims struct {
	UserID   string `json:"sub"`
	Username string `json:"usr,omitempty"`
	jwt.RegisteredClaims
}

// AuthService verifies HS256 access tokens minted by the identity service.
type AuthService struct {
	jwtSecret []byte
	clock     func() time.Time
}

func NewAuthService(cfg *config.Config) *AuthService {
	return &AuthService{
		jwtSecret: []byte(cfg.JWTSecret),
		clock:     time.Now,
	}
}

func (s *AuthService) ParseAccessToken(tokenString string) (AccessClaims, error) {
	if tokenString == "" {
		return AccessClaims{}, sealed_errors.ErrUnauthorized
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &AccessClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, sealed_errors.ErrUnauthorized
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.clock))
	if err != nil {
		return AccessClaims{}, sealed_errors.ErrUnauthorized
	}

	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || !parsed.Valid {
		return AccessClaims{}, sealed_errors.ErrUnauthorized
	}

	return *claims, nil
}

func (s *AuthService) Verify(tokenString string) (Identity, error) {
	claims, err := s.ParseAccessToken(tokenString)
	if err != nil {
		return Identity{}, err
	}
	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		return Identity{}, sealed_errors.ErrUnauthorized
	}
	return Identity{UserID: userID, Username: claims.Username}, nil
}

// IssueAccessToken mints a token the same way the identity service does.
// Used by cmd tooling and tests.
func (s *AuthService) IssueAccessToken(userID uuid.UUID, username string, ttl time.Duration) (string, error) {
	now := s.clock()
	claims := AccessClaims{
		UserID:   userID.String(),
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

type ctxKey string

var identityKey ctxKey = "identity"

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := IdentityFromContext(ctx)
	if !ok {
		return uuid.Nil, false
	}
	return id.UserID, true
}
