package main

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTRoundTrip(t *testing.T) {
	tok, err := SignToken("secret", "u1", "alice", jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	require.NoError(t, err)

	v := NewJWTVerifier("secret")
	uid, uname, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "u1", uid)
	assert.Equal(t, "alice", uname)
}

func TestJWTExpired(t *testing.T) {
	tok, err := SignToken("secret", "u1", "alice", jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	})
	require.NoError(t, err)

	_, _, err = NewJWTVerifier("secret").Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTWrongKey(t *testing.T) {
	tok, err := SignToken("secret", "u1", "alice", jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	require.NoError(t, err)

	_, _, err = NewJWTVerifier("other").Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTMissing(t *testing.T) {
	_, _, err := NewJWTVerifier("secret").Verify("")
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestCheckSignMD5(t *testing.T) {
	// echo -n 'secretdata1' | md5sum
	assert.True(t, CheckSignMD5("secret", "data", "1", "df5b33f3ccba9fd735b48383fd9f9870"))
	assert.False(t, CheckSignMD5("secret", "data", "1", "deadbeef"))
	assert.False(t, CheckSignMD5("wrong", "data", "1", "df5b33f3ccba9fd735b48383fd9f9870"))
}
