// Package auth authenticates the services allowed to call the 2FA API.
// Callers present a short-lived HS256 JWT signed with a shared key; keys are
// selected by the token's kid header so they can be rotated.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"twofa-service/internal/config"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing service token")
	ErrInvalidToken = errors.New("invalid service token")
)

const (
	minKeyLength = 32
	clockLeeway  = 30 * time.Second
)

// ServiceClaims identify the calling service. The issuer is the caller's
// service name.
type ServiceClaims struct {
	jwt.RegisteredClaims
}

type ServiceVerifier struct {
	keys     map[string][]byte
	callers  map[string]bool
	audience string
	maxTTL   time.Duration
	now      func() time.Time
}

func NewServiceVerifier(cfg config.AuthConfig) (*ServiceVerifier, error) {
	keys, err := parseKeys(cfg.ServiceKeys)
	if err != nil {
		return nil, err
	}
	if cfg.Audience == "" {
		return nil, fmt.Errorf("service token audience is required")
	}

	callers := make(map[string]bool, len(cfg.AllowedCallers))
	for _, c := range cfg.AllowedCallers {
		callers[c] = true
	}
	return &ServiceVerifier{
		keys:     keys,
		callers:  callers,
		audience: cfg.Audience,
		maxTTL:   cfg.MaxTokenTTL,
		now:      time.Now,
	}, nil
}

// Verify parses and validates a bearer token and returns its claims.
func (v *ServiceVerifier) Verify(raw string) (*ServiceClaims, error) {
	if raw == "" {
		return nil, ErrMissingToken
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(clockLeeway),
		jwt.WithTimeFunc(v.now),
	)

	claims := new(ServiceClaims)
	token, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := v.keys[kid]
		if !ok {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
		return key, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if len(v.callers) > 0 && !v.callers[claims.Issuer] {
		return nil, fmt.Errorf("%w: caller %q is not allowed", ErrInvalidToken, claims.Issuer)
	}
	if v.maxTTL > 0 && claims.IssuedAt != nil &&
		claims.ExpiresAt.Sub(claims.IssuedAt.Time) > v.maxTTL {
		return nil, fmt.Errorf("%w: lifetime exceeds %s", ErrInvalidToken, v.maxTTL)
	}
	return claims, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// parseKeys reads "kid:secret,kid:secret".
func parseKeys(raw string) (map[string][]byte, error) {
	keys := make(map[string][]byte)
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		kid, secret, ok := strings.Cut(item, ":")
		if !ok || kid == "" {
			return nil, fmt.Errorf("invalid service key entry, expected kid:secret")
		}
		if len(secret) < minKeyLength {
			return nil, fmt.Errorf("service key %q must be at least %d bytes", kid, minKeyLength)
		}
		keys[kid] = []byte(secret)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no service keys configured")
	}
	return keys, nil
}
