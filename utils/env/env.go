// Package env reads typed overrides from environment variables. A variable that
// is set but cannot be parsed is fatal.
package env

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

var logFatalf = log.Fatalf

func HasEnv(name string) bool {
	_, ok := os.LookupEnv(name)
	return ok
}

func optional[T any](name string, defaultValue T, kind string, parse func(string) (T, error)) T {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return defaultValue
	}
	value, err := parse(strings.TrimSpace(raw))
	if err != nil {
		logFatalf("Environment variable (%s) is not a valid %s.", name, kind)
		return defaultValue
	}
	return value
}

func OptionalStringVariable(name string, defaultValue string) string {
	if !HasEnv(name) {
		return defaultValue
	}
	return os.Getenv(name)
}

func OptionalIntVariable(name string, defaultValue int) int {
	return optional(name, defaultValue, "int", strconv.Atoi)
}

func OptionalBoolVariable(name string, defaultValue bool) bool {
	return optional(name, defaultValue, "bool", strconv.ParseBool)
}

func OptionalFloatVariable(name string, defaultValue float64) float64 {
	return optional(name, defaultValue, "float", func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	})
}

func OptionalDurationVariable(name string, defaultValue time.Duration) time.Duration {
	return optional(name, defaultValue, "duration", time.ParseDuration)
}

// OptionalListVariable splits a comma separated variable, dropping blank items.
func OptionalListVariable(name string, defaultValue []string) []string {
	if !HasEnv(name) {
		return defaultValue
	}
	var items []string
	for _, item := range strings.Split(os.Getenv(name), ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
