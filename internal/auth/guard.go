// Package auth validates the bearer credential presented on a WebSocket
// upgrade and turns it into the principal bound to the connection.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned for any credential that cannot be accepted:
// missing, malformed, badly signed, expired, or without a subject.
var ErrUnauthenticated = errors.New("auth: unauthenticated")

// Config defines how tokens are verified.
type Config struct {
	Secret    []byte
	Issuer    string
	Audience  string
	ClockSkew time.Duration
}

// Principal is the identity established at handshake time. ExpiresAt already
// includes the configured clock skew.
type Principal struct {
	UserID    string
	ExpiresAt time.Time
}

// Guard verifies HS256 tokens signed with a shared secret.
type Guard struct {
	cfg    Config
	now    func() time.Time
	parser *jwt.Parser
}

// Option customises a Guard.
type Option func(*Guard)

// WithClock replaces the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGuard creates a Guard. An empty secret is rejected so that a
// misconfigured deployment cannot accept unsigned tokens.
func NewGuard(cfg Config, opts ...Option) (*Guard, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("auth: secret is required")
	}
	if cfg.ClockSkew < 0 {
		cfg.ClockSkew = 0
	}

	g := &Guard{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.ClockSkew),
		jwt.WithTimeFunc(g.now),
	}
	if cfg.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(cfg.Audience))
	}
	g.parser = jwt.NewParser(parserOpts...)

	return g, nil
}

// Authenticate validates the credential's signature and expiry and returns
// the principal it names. It performs no I/O.
func (g *Guard) Authenticate(credential string) (Principal, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Principal{}, fmt.Errorf("%w: missing credential", ErrUnauthenticated)
	}

	var claims jwt.RegisteredClaims
	_, err := g.parser.ParseWithClaims(credential, &claims, func(*jwt.Token) (interface{}, error) {
		return g.cfg.Secret, nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}

	return Principal{
		UserID:    claims.Subject,
		ExpiresAt: claims.ExpiresAt.Add(g.cfg.ClockSkew),
	}, nil
}

// Issue signs a token for userID valid for ttl. It is meant for tooling and
// tests; production tokens come from the auth service.
func (g *Guard) Issue(userID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("auth: user id is required")
	}

	now := g.now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if g.cfg.Issuer != "" {
		claims.Issuer = g.cfg.Issuer
	}
	if g.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{g.cfg.Audience}
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.cfg.Secret)
}

// CredentialFromRequest extracts the bearer token from the Authorization
// header, falling back to the access_token query parameter since browsers
// cannot set headers on WebSocket upgrades.
func CredentialFromRequest(r *http.Request) (string, bool) {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") && strings.TrimSpace(token) != "" {
			return strings.TrimSpace(token), true
		}
		return "", false
	}

	if token := r.URL.Query().Get("access_token"); token != "" {
		return token, true
	}

	return "", false
}
