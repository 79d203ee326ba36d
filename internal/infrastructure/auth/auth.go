package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/davidleathers/control-assurance-backend/internal/service/workflow"
)

// TokenClaims are the bearer token claims that identify an actor
type TokenClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

// Actor converts verified claims into the workflow identity
func (c *TokenClaims) Actor() workflow.Actor {
	return workflow.Actor{ID: c.Subject, Roles: append([]string(nil), c.Roles...)}
}

// AuthError represents an authentication error
type AuthError struct {
	Code    string
	Message string
	Cause   error
}

func (e AuthError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e AuthError) Unwrap() error {
	return e.Cause
}

// TokenService issues and verifies HMAC-signed bearer tokens
type TokenService struct {
	secret []byte
	issuer string
	expiry time.Duration
	now    func() time.Time
}

func NewTokenService(secret, issuer string, expiry time.Duration) (*TokenService, error) {
	if len(secret) < 32 {
		return nil, AuthError{Code: "WEAK_SECRET", Message: "JWT secret must be at least 32 bytes"}
	}
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &TokenService{secret: []byte(secret), issuer: issuer, expiry: expiry, now: time.Now}, nil
}

// GenerateToken creates a signed token for subject holding roles
func (s *TokenService) GenerateToken(subject string, roles []string) (string, error) {
	if subject == "" {
		return "", AuthError{Code: "MISSING_SUBJECT", Message: "token subject is required"}
	}
	now := s.now()
	claims := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		Roles: roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// ValidateToken verifies signature, issuer and time claims
func (s *TokenService) ValidateToken(raw string) (*TokenClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	claims := &TokenClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, AuthError{Code: "INVALID_TOKEN", Message: "invalid or expired token", Cause: err}
	}
	if !token.Valid || claims.Subject == "" {
		return nil, AuthError{Code: "INVALID_TOKEN", Message: "token has no subject"}
	}
	return claims, nil
}
