// Package auth resolves the bearer token presented on a socket upgrade to the
// numeric id of the authenticated user.
//
// The relay does not design an authentication protocol of its own: tokens
// are HMAC-signed JWTs issued by the surrounding application, and the user id
// is carried in the standard "sub" claim.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any token that cannot be resolved to a user:
// bad signature, expired, wrong issuer, or a missing or non-numeric subject.
var ErrInvalidToken = errors.New("auth: invalid token")

// Resolver maps a token to a user id.
type Resolver interface {
	Resolve(ctx context.Context, token string) (int64, error)
}

// ResolverFunc adapts a plain function to [Resolver].
type ResolverFunc func(ctx context.Context, token string) (int64, error)

// Resolve implements [Resolver].
func (f ResolverFunc) Resolve(ctx context.Context, token string) (int64, error) {
	return f(ctx, token)
}

// Claims is the claim set accepted by [JWTResolver].
type Claims struct {
	jwt.RegisteredClaims
}

// JWTResolver verifies HS256/384/512 tokens with a shared secret.
type JWTResolver struct {
	secret []byte
	parser *jwt.Parser
	issuer string
}

var _ Resolver = (*JWTResolver)(nil)

// Option is a functional option for [NewJWTResolver].
type Option func(*JWTResolver)

// WithIssuer requires the "iss" claim to equal issuer.
func WithIssuer(issuer string) Option {
	return func(r *JWTResolver) { r.issuer = issuer }
}

// NewJWTResolver creates a resolver for tokens signed with secret.
func NewJWTResolver(secret string, opts ...Option) (*JWTResolver, error) {
	if secret == "" {
		return nil, errors.New("auth: jwt secret must not be empty")
	}
	r := &JWTResolver{secret: []byte(secret)}
	for _, o := range opts {
		o(r)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{
			jwt.SigningMethodHS256.Alg(),
			jwt.SigningMethodHS384.Alg(),
			jwt.SigningMethodHS512.Alg(),
		}),
		jwt.WithLeeway(5 * time.Second),
	}
	if r.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(r.issuer))
	}
	r.parser = jwt.NewParser(parserOpts...)
	return r, nil
}

// Resolve implements [Resolver].
func (r *JWTResolver) Resolve(_ context.Context, token string) (int64, error) {
	if token == "" {
		return 0, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	var claims Claims
	parsed, err := r.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return r.secret, nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return 0, ErrInvalidToken
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return 0, fmt.Errorf("%w: subject %q is not a user id", ErrInvalidToken, claims.Subject)
	}
	return userID, nil
}

// Issue signs an HS256 token for userID that expires after ttl. A zero ttl
// produces a token without expiry. It is used by tooling and tests; the
// production issuer lives outside the relay.
func Issue(secret string, userID int64, ttl time.Duration, issuer string) (string, error) {
	now := time.Now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:  strconv.FormatInt(userID, 10),
		IssuedAt: jwt.NewNumericDate(now),
		Issuer:   issuer,
	}}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}
