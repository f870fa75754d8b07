package config

import "strings"

// Environment identifies the runtime environment the mediation layer runs in.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Failure policy names accepted in network entries.
const (
	PolicyCached = "cached"
	PolicyRetry  = "retry"
)

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
