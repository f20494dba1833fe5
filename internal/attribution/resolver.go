// Package attribution derives team and environment from a row's tag
// set. Resolution is pure and deterministic: configured key order
// decides, never map iteration order.
package attribution

import (
	"strings"

	"github.com/santoshpalla27/costfeed/pkg/costrow"
)

// Config lists tag keys in priority order plus the environment
// canonicalization table.
type Config struct {
	TeamKeys []string
	EnvKeys  []string

	// EnvCanonical maps lowercased raw values to canonical ones.
	// Unmapped values pass through lowercased.
	EnvCanonical map[string]string
}

// DefaultConfig covers the tag vocabularies the four providers use.
func DefaultConfig() Config {
	return Config{
		TeamKeys: []string{"team", "cost-center", "owner"},
		EnvKeys:  []string{"environment", "env", "stage"},
		EnvCanonical: map[string]string{
			"prod":        "production",
			"prd":         "production",
			"production":  "production",
			"dev":         "development",
			"devel":       "development",
			"development": "development",
			"stg":         "staging",
			"stage":       "staging",
			"staging":     "staging",
			"qa":          "testing",
			"test":        "testing",
			"testing":     "testing",
		},
	}
}

type Resolver struct {
	cfg Config
}

func NewResolver(cfg Config) *Resolver {
	return &Resolver{cfg: cfg}
}

// Resolve returns (team, environment) for a tag set. The first
// configured key present with a non-blank value wins. Both values fall
// back to "unknown"; neither is ever empty.
func (r *Resolver) Resolve(tags map[string]string) (team, environment string) {
	team = lookup(r.cfg.TeamKeys, tags)
	environment = lookup(r.cfg.EnvKeys, tags)

	if canonical, ok := r.cfg.EnvCanonical[environment]; ok {
		environment = canonical
	}
	return team, environment
}

func lookup(keys []string, tags map[string]string) string {
	for _, key := range keys {
		if v, ok := tags[key]; ok {
			if cleaned := strings.ToLower(strings.TrimSpace(v)); cleaned != "" {
				return cleaned
			}
		}
	}
	return costrow.Unknown
}
