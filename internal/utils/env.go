package utils

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// SafeEnv returns the environment variable value for key, or fallback if empty.
func SafeEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// EnvInt parses key as an int; unset or malformed values yield fallback.
func EnvInt(key string, fallback int) int {
	if n, err := strconv.Atoi(SafeEnv(key, "")); err == nil {
		return n
	}
	return fallback
}

// EnvDuration accepts Go durations ("90s", "5m").
func EnvDuration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(SafeEnv(key, "")); err == nil {
		return d
	}
	return fallback
}
