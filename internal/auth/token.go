// Package auth verifies access tokens and issues single-use live-channel tickets.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
)

// Verification failures. Callers map every one of them to 401.
var (
	ErrMissingToken  = errors.New("authorization required")
	ErrInvalidToken  = errors.New("invalid or expired token")
	ErrInvalidIssuer = errors.New("invalid token issuer")
	ErrInvalidAud    = errors.New("invalid token audience")
	ErrInvalidSub    = errors.New("invalid subject claim")
	ErrRevoked       = errors.New("token has been revoked")
	ErrInvalidTicket = errors.New("invalid or expired websocket ticket")
	ErrNoTicketStore = errors.New("ticket store unavailable")

	ErrNoRevocationStore = errors.New("revocation store unavailable")
	ErrNotRevocable      = errors.New("token carries no jti")
)

const (
	blacklistPrefix = "blacklist:"
	ticketPrefix    = "ws_ticket:"

	// TicketTTL bounds how long an issued ticket can be redeemed.
	TicketTTL = 60 * time.Second
)

// Verifier checks HMAC-signed access tokens against issuer, audience and the
// revocation list in Redis.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
	rdb      *redis.Client
}

// NewVerifier returns a Verifier. rdb may be nil, which disables revocation checks
// and tickets.
func NewVerifier(secret, issuer, audience string, rdb *redis.Client) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer, audience: audience, rdb: rdb}
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	parts := strings.Split(header, " ")
	if len(parts) == 2 && parts[0] == "Bearer" {
		return parts[1]
	}
	return ""
}

// Verify parses tokenString and returns the user id in its subject claim.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (uint, error) {
	if tokenString == "" {
		return 0, ErrMissingToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return 0, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, ErrInvalidToken
	}

	if issuer, _ := claims.GetIssuer(); issuer != v.issuer {
		return 0, ErrInvalidIssuer
	}
	if aud, _ := claims.GetAudience(); !lo.Contains(aud, v.audience) {
		return 0, ErrInvalidAud
	}

	sub, _ := claims.GetSubject()
	userID, err := strconv.ParseUint(sub, 10, 32)
	if err != nil || userID == 0 {
		return 0, ErrInvalidSub
	}

	if jti, ok := claims["jti"].(string); ok && jti != "" && v.rdb != nil {
		revoked, err := v.rdb.Exists(ctx, blacklistPrefix+jti).Result()
		if err == nil && revoked > 0 {
			return 0, ErrRevoked
		}
	}

	return uint(userID), nil
}

// IssueTicket stores a single-use ticket for userID.
func (v *Verifier) IssueTicket(ctx context.Context, userID uint) (string, error) {
	if v.rdb == nil {
		return "", ErrNoTicketStore
	}
	ticket := uuid.NewString()
	if err := v.rdb.Set(ctx, ticketPrefix+ticket, userID, TicketTTL).Err(); err != nil {
		return "", fmt.Errorf("store ticket: %w", err)
	}
	return ticket, nil
}

// RedeemTicket consumes ticket and returns its user id. A ticket redeems once.
func (v *Verifier) RedeemTicket(ctx context.Context, ticket string) (uint, error) {
	if v.rdb == nil {
		return 0, ErrNoTicketStore
	}
	raw, err := v.rdb.GetDel(ctx, ticketPrefix+ticket).Result()
	if err != nil {
		return 0, ErrInvalidTicket
	}
	userID, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, ErrInvalidTicket
	}
	return uint(userID), nil
}

// RevokeToken blacklists an already verified token until it would have expired.
func (v *Verifier) RevokeToken(ctx context.Context, tokenString string) error {
	if v.rdb == nil {
		return ErrNoRevocationStore
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return ErrInvalidToken
	}
	jti, _ := claims["jti"].(string)
	if jti == "" {
		return ErrNotRevocable
	}
	ttl := time.Hour
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		ttl = time.Until(exp.Time)
	}
	if ttl <= 0 {
		return nil
	}
	return v.Revoke(ctx, jti, ttl)
}

// Revoke blacklists jti until ttl elapses.
func (v *Verifier) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if v.rdb == nil {
		return nil
	}
	return v.rdb.Set(ctx, blacklistPrefix+jti, "1", ttl).Err()
}
