package middleware

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var jwtSecret []byte

// InitJWT installs the signing secret used by token generation and
// validation. Called once at startup before the router is built.
func InitJWT(secret string) error {
	if secret == "" {
		return fmt.Errorf("jwt secret is not configured")
	}
	jwtSecret = []byte(secret)
	return nil
}

// JWTClaims identifies the calling party. Role "admin" unlocks the
// operator endpoints (combined with a TOTP second factor).
type JWTClaims struct {
	PartyID string `json:"party_id"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// GenerateToken signs a token for a party.
func GenerateToken(partyID, role string, ttl time.Duration) (string, error) {
	if len(jwtSecret) == 0 {
		return "", fmt.Errorf("jwt secret is not configured")
	}

	claims := JWTClaims{
		PartyID: partyID,
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "paycore",
			Subject:   partyID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret)
}

// ValidateJWTToken parses and verifies a token.
func ValidateJWTToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return jwtSecret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, fmt.Errorf("invalid token claims")
}
