// package env reads service configuration from the environment.
package env

import (
	"log"
	"os"
	"strconv"
	"strings"
)

// Default returns the value of the environment variable name or defaultValue when unset.
func Default(name, defaultValue string) string {
	name = strings.TrimSpace(name)
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		log.Println("# ", name, "=", v)
		return v
	}
	return defaultValue
}

// Int is Default parsed as an integer. Unparsable values fall back to defaultValue.
func Int(name string, defaultValue int) int {
	v := Default(name, "")
	if v == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		log.Println("# ", name, "is not a number, using", defaultValue)
		return defaultValue
	}
	return i
}

// Bool is Default parsed as a boolean flag (on/off, true/false, 1/0).
func Bool(name string, defaultValue bool) bool {
	switch strings.ToLower(Default(name, "")) {
	case "on", "true", "yes", "1":
		return true
	case "off", "false", "no", "0":
		return false
	default:
		return defaultValue
	}
}

type secret string

func (s secret) String() string {
	if s == "" {
		return "(nil)"
	}
	return "***"
}
func (s secret) Secret() string {
	return string(s)
}

// Secret is like Default but the value is never logged.
func Secret(name, defaultValue string) secret {
	name = strings.TrimSpace(name)
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		log.Println("# ", name, "=", secret(v))
		return secret(v)
	}
	return secret(defaultValue)
}
