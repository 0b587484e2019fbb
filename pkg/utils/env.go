package utils

import "os"

// ParseWithFallback returns the value of envName, or fallback when it is unset or empty.
func ParseWithFallback(envName, fallback string) string {
	if v, ok := os.LookupEnv(envName); ok && v != "" {
		return v
	}
	return fallback
}
