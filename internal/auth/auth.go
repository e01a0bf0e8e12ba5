// Package auth validates caller bearer tokens and mints them for the CLI.
//
// Callers authenticate with an HS256-signed JWT; the upstream credential
// pool is a separate concern. Every verification failure collapses into
// ErrUnauthenticated so responses never leak which check failed.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/openai-hub/openai-hub/internal/config"
)

// ErrUnauthenticated is the single error surfaced for any structural,
// signature, or expiry failure.
var ErrUnauthenticated = errors.New("auth: unauthenticated")

// AnonymousSubject attributes tokens that carry no sub claim.
const AnonymousSubject = "anonymous"

// Claims is the decoded identity of one authenticated caller.
type Claims struct {
	Subject    string
	Deployment string
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

type tokenClaims struct {
	jwt.RegisteredClaims
	// Deployment carries an optional tenant/deployment identifier.
	Deployment string `json:"dep,omitempty"`
}

// Verifier validates bearer tokens. Stateless; safe for concurrent use.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
}

// NewVerifier builds a Verifier from the jwt_auth config section.
func NewVerifier(cfg config.JWTAuthConfig) *Verifier {
	return &Verifier{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
	}
}

// VerifyHeader validates an Authorization header value ("Bearer <token>").
func (v *Verifier) VerifyHeader(authorization string) (*Claims, error) {
	token, found := strings.CutPrefix(authorization, "Bearer ")
	if !found || token == "" {
		return nil, ErrUnauthenticated
	}
	return v.Verify(token)
}

// Verify validates a raw token string and returns its claims.
func (v *Verifier) Verify(token string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	var tc tokenClaims
	parsed, err := jwt.ParseWithClaims(token, &tc, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, ErrUnauthenticated
	}

	claims := &Claims{
		Subject:    tc.Subject,
		Deployment: tc.Deployment,
	}
	if claims.Subject == "" {
		claims.Subject = AnonymousSubject
	}
	if tc.IssuedAt != nil {
		claims.IssuedAt = tc.IssuedAt.Time
	}
	if tc.ExpiresAt != nil {
		claims.ExpiresAt = tc.ExpiresAt.Time
	}
	return claims, nil
}

// MintOptions controls token generation.
type MintOptions struct {
	Subject    string
	Deployment string
	TTL        time.Duration // zero means no exp claim
	Issuer     string
	Audience   string
}

// Mint signs a new HS256 token. Used by cmd/hubtoken and tests.
func Mint(secret []byte, opts MintOptions) (string, error) {
	now := time.Now()
	tc := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  opts.Subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Deployment: opts.Deployment,
	}
	if opts.TTL > 0 {
		tc.ExpiresAt = jwt.NewNumericDate(now.Add(opts.TTL))
	}
	if opts.Issuer != "" {
		tc.Issuer = opts.Issuer
	}
	if opts.Audience != "" {
		tc.Audience = jwt.ClaimStrings{opts.Audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, tc).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
