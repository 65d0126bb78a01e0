package keys

import (
	"fmt"
	"strings"
)

// EnvVars are consulted in order after the flag and config file.
var EnvVars = []string{"GEMINI_API_KEY", "API_KEY"}

// MaskKey returns a masked version of the key for display
func MaskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}

// GetAPIKey retrieves the API key using the priority order:
// 1. Explicit key passed as argument (if non-empty)
// 2. Key from the config file or TRYON_GEMINI_API_KEY
// 3. GEMINI_API_KEY, then API_KEY
//
// A missing key is not an error here. The service rejects the first request
// instead, and that rejection is shown to the user like any other failure.
func GetAPIKey(explicitKey, configKey string, getenv func(string) string) (key, source string) {
	if k := strings.TrimSpace(explicitKey); k != "" {
		return k, "command-line flag"
	}

	if k := strings.TrimSpace(configKey); k != "" {
		return k, "config"
	}

	if getenv != nil {
		for _, name := range EnvVars {
			if k := strings.TrimSpace(getenv(name)); k != "" {
				return k, fmt.Sprintf("environment variable (%s)", name)
			}
		}
	}

	return "", ""
}
