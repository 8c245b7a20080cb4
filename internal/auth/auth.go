// Package auth turns an API key into an authenticated session: a bearer token
// plus the [core.SyncIdentity] that scopes every later call.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/matt-riley/flagsync/internal/core"
)

// Claims read from the authority's token.
const (
	ClaimEnvironment           = "environment"
	ClaimEnvironmentIdentifier = "environmentIdentifier"
	ClaimCluster               = "clusterIdentifier"
)

// TokenIssuer exchanges an API key for a token. *remote.Client implements it.
type TokenIssuer interface {
	Authenticate(ctx context.Context, apiKey, target string) (string, error)
}

type Session struct {
	Token    string
	Identity core.SyncIdentity
	// EnvironmentIdentifier is the human-readable environment name, when the
	// token carries one.
	EnvironmentIdentifier string
	ClusterID             string
	ExpiresAt             time.Time
}

// Login authenticates apiKey for target and introspects the returned token.
// Every failure is reported as [core.ErrAuth].
func Login(ctx context.Context, issuer TokenIssuer, apiKey, target string) (Session, error) {
	if strings.TrimSpace(apiKey) == "" {
		return Session{}, fmt.Errorf("%w: api key is required", core.ErrAuth)
	}
	if strings.TrimSpace(target) == "" {
		return Session{}, fmt.Errorf("%w: target identifier is required", core.ErrAuth)
	}

	token, err := issuer.Authenticate(ctx, apiKey, target)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %w", core.ErrAuth, err)
	}
	return Introspect(token, target)
}

// Introspect reads the session claims from token without verifying its
// signature; the authority verifies it on every request.
func Introspect(token, target string) (Session, error) {
	parsed, err := jwt.ParseInsecure([]byte(token))
	if err != nil {
		return Session{}, fmt.Errorf("%w: parse token: %v", core.ErrAuth, err)
	}

	env, err := stringClaim(parsed, ClaimEnvironment)
	if err != nil {
		return Session{}, err
	}
	if env == "" {
		return Session{}, fmt.Errorf("%w: token has no %s claim", core.ErrAuth, ClaimEnvironment)
	}
	envIdentifier, err := stringClaim(parsed, ClaimEnvironmentIdentifier)
	if err != nil {
		return Session{}, err
	}
	cluster, err := stringClaim(parsed, ClaimCluster)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:                 token,
		Identity:              core.SyncIdentity{EnvironmentID: env, TargetID: target},
		EnvironmentIdentifier: envIdentifier,
		ClusterID:             cluster,
		ExpiresAt:             parsed.Expiration(),
	}, nil
}

var errClaimType = errors.New("claim is not a string")

func stringClaim(tok jwt.Token, name string) (string, error) {
	raw, ok := tok.Get(name)
	if !ok {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s: %w", core.ErrAuth, name, errClaimType)
	}
	return s, nil
}
