package config

import (
	"os"
	"regexp"
	"strings"
)

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// ExpandEnvWithDefaults replaces ${VAR} and ${VAR:-default} references with
// environment values. Unset variables without a default expand to "".
func ExpandEnvWithDefaults(s string) string {
	return envRefPattern.ReplaceAllStringFunc(s, func(ref string) string {
		m := envRefPattern.FindStringSubmatch(ref)
		name, def := m[1], m[3]
		if v, ok := os.LookupEnv(name); ok && strings.TrimSpace(v) != "" {
			return v
		}
		return def
	})
}
