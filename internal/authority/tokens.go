package authority

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/matt-riley/flagsync/internal/auth"
)

// MinSigningKeyLength is the minimum HS256 key length accepted.
const MinSigningKeyLength = 32

const claimTarget = "target"

var errTokenEnvironment = errors.New("token has no environment")

// Environment is one environment the authority serves.
type Environment struct {
	ID         string
	Identifier string
}

// tokenSigner issues and verifies HS256 session tokens.
type tokenSigner struct {
	key     []byte
	ttl     time.Duration
	cluster string
	clock   clock.Clock
}

func newTokenSigner(key []byte, ttl time.Duration, cluster string, clk clock.Clock) (*tokenSigner, error) {
	if len(key) < MinSigningKeyLength {
		return nil, fmt.Errorf("signing key must be at least %d bytes", MinSigningKeyLength)
	}
	return &tokenSigner{key: key, ttl: ttl, cluster: cluster, clock: clk}, nil
}

func (s *tokenSigner) issue(env Environment, target string) (string, error) {
	now := s.clock.Now()
	tok, err := jwt.NewBuilder().
		IssuedAt(now).
		Expiration(now.Add(s.ttl)).
		Claim(auth.ClaimEnvironment, env.ID).
		Claim(auth.ClaimEnvironmentIdentifier, env.Identifier).
		Claim(auth.ClaimCluster, s.cluster).
		Claim(claimTarget, target).
		Build()
	if err != nil {
		return "", fmt.Errorf("build token: %w", err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, s.key))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return string(signed), nil
}

// ValidateToken verifies signature and expiry and returns the environment the
// token was issued for.
func (s *tokenSigner) ValidateToken(_ context.Context, token string) (string, error) {
	parsed, err := jwt.Parse([]byte(token),
		jwt.WithKey(jwa.HS256, s.key),
		jwt.WithValidate(true),
		jwt.WithClock(jwt.ClockFunc(s.clock.Now)),
	)
	if err != nil {
		return "", fmt.Errorf("validate token: %w", err)
	}
	raw, ok := parsed.Get(auth.ClaimEnvironment)
	if !ok {
		return "", errTokenEnvironment
	}
	env, ok := raw.(string)
	if !ok || env == "" {
		return "", errTokenEnvironment
	}
	return env, nil
}
