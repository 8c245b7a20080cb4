package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

var (
	errMissingAuthorizationHeader = errors.New("missing authorization header")
	errInvalidAuthorizationHeader = errors.New("invalid authorization header")
)

// TokenValidator validates a bearer token and returns the environment it was
// issued for.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (string, error)
}

// AuthOption configures optional auth middleware parameters.
type AuthOption func(*authConfig)

type authConfig struct {
	onFailure func()
	limiter   *FailureLimiter
}

// WithOnAuthFailure registers a callback invoked on every authentication
// failure.
func WithOnAuthFailure(fn func()) AuthOption {
	return func(c *authConfig) { c.onFailure = fn }
}

// WithFailureLimiter throttles clients that keep presenting bad tokens.
func WithFailureLimiter(l *FailureLimiter) AuthOption {
	return func(c *authConfig) { c.limiter = l }
}

// BearerAuth enforces bearer-token auth and stores the token's environment in
// the request context.
func BearerAuth(validator TokenValidator, opts ...AuthOption) func(http.Handler) http.Handler {
	cfg := authConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ExtractIP(r.RemoteAddr)
			if cfg.limiter != nil && !cfg.limiter.Allow(ip) {
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}

			environment, err := authorize(r.Context(), r.Header.Get("Authorization"), validator)
			if err != nil {
				if cfg.onFailure != nil {
					cfg.onFailure()
				}
				if cfg.limiter != nil && !cfg.limiter.RecordFailure(ip) {
					http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
					return
				}
				writeUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(NewContextWithEnvironment(r.Context(), environment)))
		})
	}
}

type contextKey string

const environmentKey contextKey = "environment"

// EnvironmentFromContext retrieves the authenticated environment.
func EnvironmentFromContext(ctx context.Context) (string, bool) {
	env, ok := ctx.Value(environmentKey).(string)
	return env, ok
}

func NewContextWithEnvironment(ctx context.Context, environment string) context.Context {
	return context.WithValue(ctx, environmentKey, environment)
}

func authorize(ctx context.Context, authorizationHeader string, validator TokenValidator) (string, error) {
	if validator == nil {
		return "", errors.New("token validator is nil")
	}
	if strings.TrimSpace(authorizationHeader) == "" {
		return "", errMissingAuthorizationHeader
	}

	token, err := parseBearerToken(authorizationHeader)
	if err != nil {
		return "", err
	}
	environment, err := validator.ValidateToken(ctx, token)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(environment) == "" {
		return "", errInvalidAuthorizationHeader
	}
	return environment, nil
}

func parseBearerToken(authorizationHeader string) (string, error) {
	parts := strings.Fields(authorizationHeader)
	if len(parts) != 2 {
		return "", errInvalidAuthorizationHeader
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return "", errInvalidAuthorizationHeader
	}
	if parts[1] == "" {
		return "", errInvalidAuthorizationHeader
	}

	return parts[1], nil
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
}
