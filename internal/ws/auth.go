package ws

import (
	"fmt"

	"github.com/golang-jwt/jwt/v4"
)

// Claims is the connection token issued by the operator platform. It binds
// the socket to one user, agent and currency.
type Claims struct {
	UserID    string `json:"user_id"`
	AgentCode string `json:"agent_code"`
	Currency  string `json:"currency"`
	jwt.RegisteredClaims
}

// Auth validates HS256 connection tokens.
type Auth struct {
	secret []byte
}

func NewAuth(secret string) *Auth {
	return &Auth{secret: []byte(secret)}
}

// Parse validates the token and returns its claims.
func (a *Auth) Parse(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("missing token")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid || claims.UserID == "" || claims.AgentCode == "" {
		return nil, fmt.Errorf("token missing identity claims")
	}
	return claims, nil
}
