package env

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

func lookup(key string) string {
	_ = Ensure()
	return strings.TrimSpace(os.Getenv(key))
}

// String returns the trimmed variable or fallback when unset or blank.
func String(key, fallback string) string {
	if val := lookup(key); val != "" {
		return val
	}
	return fallback
}

// Duration parses a time.Duration; a bare integer is read as seconds.
func Duration(key string, fallback time.Duration) time.Duration {
	val := lookup(key)
	if val == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(val); err == nil {
		return parsed
	}
	if secs, err := strconv.ParseInt(val, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

// Int returns an integer variable or fallback when unset or invalid.
func Int(key string, fallback int) int {
	if val := lookup(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

// Bool accepts 1/true/yes and 0/false/no.
func Bool(key string, fallback bool) bool {
	switch strings.ToLower(lookup(key)) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	}
	return fallback
}

// Path returns a filesystem path with a leading "~/" expanded to the user's
// home directory.
func Path(key, fallback string) string {
	return ExpandHome(String(key, fallback))
}

// ExpandHome expands a leading "~/" in p.
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
