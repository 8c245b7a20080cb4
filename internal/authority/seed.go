package authority

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/matt-riley/flagsync/internal/core"
	"github.com/matt-riley/flagsync/internal/middleware"
)

//go:embed default_seed.json
var defaultSeed []byte

// Seed describes the API keys and evaluations an authority starts with.
type Seed struct {
	APIKeys      []SeedAPIKey      `json:"apiKeys"`
	Environments []SeedEnvironment `json:"environments"`
}

// SeedAPIKey grants access to one environment. Exactly one of Key and
// KeyHash is set; plaintext keys are hashed when the seed is applied.
type SeedAPIKey struct {
	Key         string `json:"key,omitempty"`
	KeyHash     string `json:"keyHash,omitempty"`
	Environment string `json:"environment"`
}

type SeedEnvironment struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
	// Targets maps a target identifier, or AnyTarget, to its evaluations.
	Targets map[string][]core.Evaluation `json:"targets"`
}

// DefaultSeed returns the built-in development seed.
func DefaultSeed() (Seed, error) {
	return ParseSeed(defaultSeed)
}

func LoadSeed(path string) (Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("read seed: %w", err)
	}
	return ParseSeed(data)
}

func ParseSeed(data []byte) (Seed, error) {
	var seed Seed
	if err := json.Unmarshal(data, &seed); err != nil {
		return Seed{}, fmt.Errorf("decode seed: %w", err)
	}
	if err := seed.validate(); err != nil {
		return Seed{}, err
	}
	return seed, nil
}

func (s Seed) validate() error {
	var errs []error
	envs := make(map[string]bool, len(s.Environments))
	for i, env := range s.Environments {
		if strings.TrimSpace(env.ID) == "" {
			errs = append(errs, fmt.Errorf("environments[%d]: id is required", i))
			continue
		}
		if envs[env.ID] {
			errs = append(errs, fmt.Errorf("environments[%d]: duplicate id %q", i, env.ID))
		}
		envs[env.ID] = true
	}
	for i, key := range s.APIKeys {
		if (key.Key == "") == (key.KeyHash == "") {
			errs = append(errs, fmt.Errorf("apiKeys[%d]: exactly one of key and keyHash is required", i))
		}
		if !envs[key.Environment] {
			errs = append(errs, fmt.Errorf("apiKeys[%d]: unknown environment %q", i, key.Environment))
		}
	}
	return errors.Join(errs...)
}

// ApplySeed registers the seed's API keys and stores its evaluations.
// Plaintext keys are hashed with bcrypt at cost.
func (s *Server) ApplySeed(seed Seed, cost int) error {
	if err := seed.validate(); err != nil {
		return err
	}
	envs := make(map[string]Environment, len(seed.Environments))
	for _, env := range seed.Environments {
		envs[env.ID] = Environment{ID: env.ID, Identifier: env.Identifier}
		for target, evals := range env.Targets {
			for _, eval := range evals {
				if err := s.SetEvaluation(env.ID, target, eval); err != nil {
					return fmt.Errorf("seed %s/%s/%s: %w", env.ID, target, eval.Flag, err)
				}
			}
		}
	}
	for _, key := range seed.APIKeys {
		hash := key.KeyHash
		if hash == "" {
			var err error
			hash, err = middleware.HashAPIKey(key.Key, cost)
			if err != nil {
				return fmt.Errorf("hash api key: %w", err)
			}
		}
		if err := s.AddAPIKey(hash, envs[key.Environment]); err != nil {
			return err
		}
	}
	return nil
}
