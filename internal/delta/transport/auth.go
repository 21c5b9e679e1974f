package transport

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mschirtzinger/deltarepo/internal/delta/schema"
)

const tokenIssuer = "delta"

// GenerateToken signs a bearer token identifying repo, valid for ttl.
func GenerateToken(secret string, repo schema.RepoPk, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   string(repo),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ValidateToken checks a bearer token and returns the repo it identifies.
func ValidateToken(tokenString, secret string) (schema.RepoPk, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Subject == "" || schema.RepoPk(claims.Subject) == schema.Local {
		return "", fmt.Errorf("%w: token has no repo", ErrUnauthorized)
	}
	return schema.RepoPk(claims.Subject), nil
}
