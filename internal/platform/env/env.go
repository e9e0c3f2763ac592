// Package env reads typed settings from the process environment. Values that
// are set but empty count as unset, so a blank line in a .env file falls back
// to the default.
package env

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func String(key string, def string) string {
	if v, ok := lookup(key); ok {
		return v
	}
	return def
}

func Duration(key string, def time.Duration) (time.Duration, error) {
	if v, ok := lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", key, err)
		}
		return d, nil
	}
	return def, nil
}

func Bool(key string, def bool) (bool, error) {
	if v, ok := lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("parse %s: %w", key, err)
		}
		return b, nil
	}
	return def, nil
}

func Int(key string, def int) (int, error) {
	if v, ok := lookup(key); ok {
		i, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", key, err)
		}
		return i, nil
	}
	return def, nil
}

// Fields splits a whitespace-separated value, e.g. an argument template.
func Fields(key string, def []string) []string {
	if v, ok := lookup(key); ok {
		return strings.Fields(v)
	}
	out := make([]string, len(def))
	copy(out, def)
	return out
}

// OneOf returns the value of key lower-cased, rejecting anything outside allowed.
func OneOf(key string, def string, allowed ...string) (string, error) {
	v := strings.ToLower(String(key, def))
	for _, a := range allowed {
		if v == a {
			return v, nil
		}
	}
	return "", fmt.Errorf("parse %s: %q is not one of %s", key, v, strings.Join(allowed, ", "))
}
