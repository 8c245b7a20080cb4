// Package middleware provides the HTTP middleware of the stub authority:
// bearer-token validation that resolves an environment, bcrypt API key
// hashing, per-client throttling of failed authentication and request
// logging.
package middleware

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// HashAPIKey returns a salted bcrypt hash for an API key. cost values outside
// bcrypt's range fall back to bcrypt.DefaultCost.
func HashAPIKey(apiKey string, cost int) (string, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), cost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// APIKeyMatchesHash compares an API key against a stored bcrypt hash.
func APIKeyMatchesHash(hash, apiKey string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(apiKey)) == nil
}
