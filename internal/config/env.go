package config

import (
	"os"
	"strconv"
	"strings"
)

func normalize(s string) string {
	return strings.TrimSpace(s)
}

// EnvString returns the trimmed value of name, or def when unset.
func EnvString(name, def string) string {
	v := normalize(os.Getenv(name))
	if v == "" {
		return def
	}
	return v
}

// envParse returns parse(value of name), or def when the variable is unset
// or does not parse.
func envParse[T any](name string, def T, parse func(string) (T, error)) T {
	v := normalize(os.Getenv(name))
	if v == "" {
		return def
	}
	n, err := parse(v)
	if err != nil {
		return def
	}
	return n
}

func EnvInt(name string, def int) int {
	return envParse(name, def, strconv.Atoi)
}

func EnvFloat(name string, def float64) float64 {
	return envParse(name, def, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

func EnvBool(name string, def bool) bool {
	v := strings.ToLower(normalize(os.Getenv(name)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}
