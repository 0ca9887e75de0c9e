package auth

import (
	"errors"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/watzon/hookrelay/internal/config"
)

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token has expired")
	ErrInvalidIssuer    = errors.New("invalid token issuer")
	ErrInvalidAudience  = errors.New("invalid token audience")
	ErrMissingSubject   = errors.New("token missing subject")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrTokensDisabled   = errors.New("token auth is not configured")
)

type jwtClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// JWTService signs and validates HS256 bearer tokens.
type JWTService struct {
	secret   []byte
	issuer   string
	audience []string
}

// NewJWTService creates a new JWT service from config.
func NewJWTService(cfg config.JWTConfig) *JWTService {
	return &JWTService{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
	}
}

// Enabled reports whether a secret is configured.
func (s *JWTService) Enabled() bool {
	return s != nil && len(s.secret) > 0
}

// GenerateToken creates a token for subject with the given role. A zero
// ttl produces a token without expiry.
func (s *JWTService) GenerateToken(subject, role string, ttl time.Duration) (string, error) {
	if !s.Enabled() {
		return "", ErrTokensDisabled
	}

	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		Role: role,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	if len(s.audience) > 0 {
		claims.Audience = s.audience
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken validates a token and returns its claims. Client tokens
// must carry a subject; admin tokens need not.
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	if !s.Enabled() {
		return nil, ErrTokensDisabled
	}

	token, err := jwt.ParseWithClaims(tokenString, &jwtClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidSignature
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*jwtClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	if s.issuer != "" && claims.Issuer != s.issuer {
		return nil, ErrInvalidIssuer
	}

	role := claims.Role
	if role == "" {
		role = RoleClient
	}
	if claims.Subject == "" && role != RoleAdmin {
		return nil, ErrMissingSubject
	}

	if len(s.audience) > 0 {
		valid := false
		for _, aud := range claims.Audience {
			if slices.Contains(s.audience, aud) {
				valid = true
				break
			}
		}
		if !valid {
			return nil, ErrInvalidAudience
		}
	}

	return &Claims{Subject: claims.Subject, Role: role}, nil
}
