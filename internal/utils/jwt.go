package utils

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AdminTokenClaims gate the diagnostics endpoints.
type AdminTokenClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// ServiceTokenClaims identify this service to its upstream collaborators.
type ServiceTokenClaims struct {
	Service string `json:"service"`
	jwt.RegisteredClaims
}

var ErrNotAdmin = errors.New("token does not carry the admin role")

// ValidateAdminToken validates an HS256 token and requires the admin role.
func ValidateAdminToken(tokenString string, secret []byte) (*AdminTokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AdminTokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(*AdminTokenClaims)
	if claims.Role != "admin" {
		return nil, ErrNotAdmin
	}
	return claims, nil
}

// GenerateServiceToken signs a short-lived token for service-to-service calls.
func GenerateServiceToken(service string, secret []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &ServiceTokenClaims{
		Service: service,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   service,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ExtractTokenFromHeader extracts the token from the Authorization header
func ExtractTokenFromHeader(authHeader string) (string, error) {
	if authHeader == "" {
		return "", errors.New("authorization header missing")
	}

	if len(authHeader) < 7 || authHeader[:7] != "Bearer " {
		return "", errors.New("invalid authorization header format")
	}

	token := strings.TrimSpace(authHeader[7:])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
