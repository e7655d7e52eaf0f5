package statusagent

import (
	"time"

	"github.com/radarbase/statusagent/internal/env"
)

// EnvString reads an environment variable with a fallback default, loading
// the nearest .env file first.
func EnvString(key, defaultValue string) string {
	return env.String(key, defaultValue)
}

// EnvBool parses an environment variable as a boolean.
func EnvBool(key string, defaultValue bool) bool {
	return env.Bool(key, defaultValue)
}

// EnvInt parses an environment variable as an integer.
func EnvInt(key string, defaultValue int) int {
	return env.Int(key, defaultValue)
}

// EnvDuration parses an environment variable as time.Duration. Bare integers
// are seconds.
func EnvDuration(key string, defaultValue time.Duration) time.Duration {
	return env.Duration(key, defaultValue)
}

// EnvPath reads a path and expands a leading "~/".
func EnvPath(key, defaultValue string) string {
	return env.Path(key, defaultValue)
}
