package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"closer/internal/testutil"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(t *testing.T, claims jwt.MapClaims, secret string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestVerifier_Verify(t *testing.T) {
	_, rdb := testutil.NewTestRedis(t)
	v := NewVerifier(testutil.JWTSecret, testutil.JWTIssuer, testutil.JWTAudience, rdb)
	ctx := context.Background()

	base := func() jwt.MapClaims {
		return jwt.MapClaims{
			"sub": "42",
			"iss": testutil.JWTIssuer,
			"aud": testutil.JWTAudience,
			"jti": "jti-1",
			"exp": time.Now().Add(time.Hour).Unix(),
		}
	}

	tests := []struct {
		name    string
		token   func() string
		wantErr error
	}{
		{"valid", func() string { return sign(t, base(), testutil.JWTSecret) }, nil},
		{"missing", func() string { return "" }, ErrMissingToken},
		{"wrong secret", func() string { return sign(t, base(), "another-secret-that-is-long-enough!!") }, ErrInvalidToken},
		{"expired", func() string {
			c := base()
			c["exp"] = time.Now().Add(-time.Minute).Unix()
			return sign(t, c, testutil.JWTSecret)
		}, ErrInvalidToken},
		{"wrong issuer", func() string {
			c := base()
			c["iss"] = "someone-else"
			return sign(t, c, testutil.JWTSecret)
		}, ErrInvalidIssuer},
		{"wrong audience", func() string {
			c := base()
			c["aud"] = []string{"other-client"}
			return sign(t, c, testutil.JWTSecret)
		}, ErrInvalidAud},
		{"non numeric subject", func() string {
			c := base()
			c["sub"] = "abc"
			return sign(t, c, testutil.JWTSecret)
		}, ErrInvalidSub},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := v.Verify(ctx, tt.token())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, uint(42), id)
		})
	}
}

func TestVerifier_Revoke(t *testing.T) {
	_, rdb := testutil.NewTestRedis(t)
	v := NewVerifier(testutil.JWTSecret, testutil.JWTIssuer, testutil.JWTAudience, rdb)
	ctx := context.Background()

	token := testutil.Token(t, 7)
	_, err := v.Verify(ctx, token)
	require.NoError(t, err)

	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	require.NoError(t, err)
	jti := parsed.Claims.(jwt.MapClaims)["jti"].(string)

	require.NoError(t, v.Revoke(ctx, jti, time.Hour))
	_, err = v.Verify(ctx, token)
	assert.ErrorIs(t, err, ErrRevoked)
}

func TestVerifier_Tickets(t *testing.T) {
	mr, rdb := testutil.NewTestRedis(t)
	v := NewVerifier(testutil.JWTSecret, testutil.JWTIssuer, testutil.JWTAudience, rdb)
	ctx := context.Background()

	ticket, err := v.IssueTicket(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, TicketTTL, mr.TTL(ticketPrefix+ticket))

	id, err := v.RedeemTicket(ctx, ticket)
	require.NoError(t, err)
	assert.Equal(t, uint(9), id)

	_, err = v.RedeemTicket(ctx, ticket)
	assert.ErrorIs(t, err, ErrInvalidTicket)

	expired, err := v.IssueTicket(ctx, 9)
	require.NoError(t, err)
	mr.FastForward(TicketTTL + time.Second)
	_, err = v.RedeemTicket(ctx, expired)
	assert.ErrorIs(t, err, ErrInvalidTicket)

	noRedis := NewVerifier(testutil.JWTSecret, testutil.JWTIssuer, testutil.JWTAudience, nil)
	_, err = noRedis.IssueTicket(ctx, 1)
	assert.ErrorIs(t, err, ErrNoTicketStore)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Empty(t, BearerToken("Basic abc"))
	assert.Empty(t, BearerToken(""))
}

func TestVerifier_RevokeToken(t *testing.T) {
	mr, rdb := testutil.NewTestRedis(t)
	v := NewVerifier(testutil.JWTSecret, testutil.JWTIssuer, testutil.JWTAudience, rdb)
	ctx := context.Background()

	token := testutil.Token(t, 9)
	require.NoError(t, v.RevokeToken(ctx, token))
	_, err := v.Verify(ctx, token)
	assert.ErrorIs(t, err, ErrRevoked)

	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.True(t, strings.HasPrefix(keys[0], "blacklist:"))
	assert.Greater(t, mr.TTL(keys[0]), time.Duration(0))

	noJTI := sign(t, jwt.MapClaims{
		"sub": "9",
		"iss": testutil.JWTIssuer,
		"aud": testutil.JWTAudience,
		"exp": time.Now().Add(time.Hour).Unix(),
	}, testutil.JWTSecret)
	assert.ErrorIs(t, v.RevokeToken(ctx, noJTI), ErrNotRevocable)

	offline := NewVerifier(testutil.JWTSecret, testutil.JWTIssuer, testutil.JWTAudience, nil)
	assert.ErrorIs(t, offline.RevokeToken(ctx, token), ErrNoRevocationStore)
}
