package main

import (
	"strings"

	"github.com/radarbase/statusagent"
)

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// loadOptions reads the environment and applies the root flags.
func loadOptions() statusagent.Options {
	opts := statusagent.OptionsFromEnv()
	opts.BusSocket = firstNonEmpty(rootSocket, opts.BusSocket)
	opts.DBPath = firstNonEmpty(rootDBPath, opts.DBPath)
	return opts
}
