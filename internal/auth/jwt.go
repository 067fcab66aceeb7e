// Package auth issues and validates the HS256 tokens callers present to the ledger API.
package auth

import (
	"errors"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token type constants for the typ claim.
const (
	TokenTypeService = "service"
	TokenTypeUser    = "user"
)

// Actor types carried in the actor_type claim. They match the ledger's actor types.
const (
	ActorSystem  = "SYSTEM"
	ActorUser    = "USER"
	ActorService = "SERVICE"
)

// Scopes grant access to groups of endpoints. ScopeAdmin implies every other scope.
const (
	ScopeWrite = "ledger:write"
	ScopeRead  = "ledger:read"
	ScopeAdmin = "ledger:admin"
)

// Token expiration durations.
const (
	ServiceTokenExpiry = 1 * time.Hour
	UserTokenExpiry    = 15 * time.Minute
)

// Default leeway for token validation.
const DefaultLeeway = 30 * time.Second

// ErrInvalidToken is returned when token validation fails.
var ErrInvalidToken = errors.New("invalid token")

// ErrExpiredToken is returned when the token has expired.
var ErrExpiredToken = errors.New("token has expired")

// ErrEmptyService is returned when a token is requested without a service name.
var ErrEmptyService = errors.New("service cannot be empty")

// ErrEmptyUserID is returned when userID is empty.
var ErrEmptyUserID = errors.New("userID cannot be empty")

// Claims represents the ledger's JWT claims. Subject is the actor id.
type Claims struct {
	jwt.RegisteredClaims
	Type      string   `json:"typ"`
	ActorType string   `json:"actor_type"`
	Service   string   `json:"svc"`
	Scopes    []string `json:"scope,omitempty"`
}

// HasScope reports whether the token grants scope.
func (c *Claims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope) || slices.Contains(c.Scopes, ScopeAdmin)
}

// JWTService handles JWT token operations.
// Supports dual-key rotation: tokens are signed with currentSecret,
// but can be validated with either currentSecret or previousSecret.
type JWTService struct {
	currentSecret  []byte
	previousSecret []byte
	leeway         time.Duration
}

// NewJWTService creates a new JWTService with a single signing secret.
func NewJWTService(secret string) *JWTService {
	return NewJWTServiceWithRotationAndLeeway(secret, "", DefaultLeeway)
}

// NewJWTServiceWithLeeway creates a new JWTService with custom leeway.
func NewJWTServiceWithLeeway(secret string, leeway time.Duration) *JWTService {
	return NewJWTServiceWithRotationAndLeeway(secret, "", leeway)
}

// NewJWTServiceWithRotation creates a new JWTService with dual-key support for zero-downtime rotation.
// Tokens are always signed with currentSecret, but can be validated with either currentSecret or previousSecret.
// Set previousSecret to empty string if no rotation is in progress.
func NewJWTServiceWithRotation(currentSecret, previousSecret string) *JWTService {
	return NewJWTServiceWithRotationAndLeeway(currentSecret, previousSecret, DefaultLeeway)
}

// NewJWTServiceWithRotationAndLeeway creates a new JWTService with dual-key support and custom leeway.
func NewJWTServiceWithRotationAndLeeway(currentSecret, previousSecret string, leeway time.Duration) *JWTService {
	svc := &JWTService{
		currentSecret: []byte(currentSecret),
		leeway:        leeway,
	}
	if previousSecret != "" {
		svc.previousSecret = []byte(previousSecret)
	}
	return svc
}

// GenerateServiceToken creates a token for a calling service acting as itself.
func (s *JWTService) GenerateServiceToken(service string, scopes ...string) (string, error) {
	if service == "" {
		return "", ErrEmptyService
	}
	return s.sign(Claims{
		Type:      TokenTypeService,
		ActorType: ActorService,
		Service:   service,
		Scopes:    scopes,
	}, service, ServiceTokenExpiry)
}

// GenerateUserToken creates a short-lived token for a user acting through service.
func (s *JWTService) GenerateUserToken(userID, service string, scopes ...string) (string, error) {
	if userID == "" {
		return "", ErrEmptyUserID
	}
	if service == "" {
		return "", ErrEmptyService
	}
	return s.sign(Claims{
		Type:      TokenTypeUser,
		ActorType: ActorUser,
		Service:   service,
		Scopes:    scopes,
	}, userID, UserTokenExpiry)
}

func (s *JWTService) sign(claims Claims, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.currentSecret)
}

// ValidateToken parses and validates a JWT token, returning the claims if valid.
// The previous secret is only tried when the current one fails on the signature.
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	claims, err := s.parse(tokenString, s.currentSecret)
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) && s.previousSecret != nil {
		claims, err = s.parse(tokenString, s.previousSecret)
	}

	switch {
	case err == nil:
		return claims, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	default:
		return nil, ErrInvalidToken
	}
}

func (s *JWTService) parse(tokenString string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithLeeway(s.leeway), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
