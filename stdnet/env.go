package stdnet

import (
	"os"
	"strings"
)

// Configuration surface for interface and address filtering. Values are
// optional; list values are ';' separated.
const (
	EnvAllowedInterfaces = "ALLOWED_INTERFACES"
	EnvBlockedInterfaces = "BLOCKED_INTERFACES"
	EnvAllowedAddresses  = "ALLOWED_ADDRESSES"
	EnvBlockedAddresses  = "BLOCKED_ADDRESSES"
	EnvDisableIPv6       = "DISABLE_IPV6"
	EnvDisableLinkLocal  = "DISABLE_LINK_LOCAL_ADDRESSES"
)

// listEnv returns the ';' separated entries of an environment variable with
// whitespace trimmed and empty entries dropped. Returns nil when the
// variable is unset or contains nothing.
func listEnv(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func boolEnv(key string) bool {
	return strings.EqualFold(os.Getenv(key), "true")
}
