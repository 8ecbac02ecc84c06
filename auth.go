package main

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
)

// TokenClaims is what the REST layer signs into a session token.
type TokenClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// TokenVerifier turns a bearer token into an identity or fails.
type TokenVerifier interface {
	Verify(token string) (userID, username string, err error)
}

type jwtVerifier struct {
	key []byte
}

func NewJWTVerifier(secret string) TokenVerifier {
	return &jwtVerifier{key: []byte(secret)}
}

func (v *jwtVerifier) Verify(token string) (string, string, error) {
	if token == "" {
		return "", "", ErrMissingToken
	}
	claims := &TokenClaims{}
	t, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.key, nil
	})
	if err != nil || !t.Valid || claims.Subject == "" {
		return "", "", ErrInvalidToken
	}
	return claims.Subject, claims.Username, nil
}

// SignToken issues a session token. The REST layer owns login; this exists
// for tooling and tests.
func SignToken(secret, userID, username string, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = userID
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, TokenClaims{
		Username:         username,
		RegisteredClaims: claims,
	})
	return tok.SignedString([]byte(secret))
}

// CheckSignMD5 validates the internal publish endpoint's request signature.
func CheckSignMD5(secret, data, timestamp, pk string) bool {
	h := md5.New()
	h.Write([]byte(secret + data + timestamp))
	return hex.EncodeToString(h.Sum(nil)) == pk
}
