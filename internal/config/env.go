package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// env reads typed variables and collects parse failures instead of
// silently falling back to defaults.
type env struct {
	errs []error
}

func (e *env) lookup(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return "", false
	}
	return strings.TrimSpace(value), true
}

func (e *env) fail(key, value string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%s=%q: %w", key, value, err))
}

// GetEnvString returns key or defaultValue when unset.
func (e *env) GetEnvString(key, defaultValue string) string {
	if value, ok := e.lookup(key); ok {
		return value
	}
	return defaultValue
}

// GetEnvInt returns key parsed as an int or defaultValue when unset.
func (e *env) GetEnvInt(key string, defaultValue int) int {
	value, ok := e.lookup(key)
	if !ok {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		e.fail(key, value, err)
		return defaultValue
	}
	return n
}

// GetEnvFloat returns key parsed as a float64 or defaultValue when unset.
func (e *env) GetEnvFloat(key string, defaultValue float64) float64 {
	value, ok := e.lookup(key)
	if !ok {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		e.fail(key, value, err)
		return defaultValue
	}
	return f
}

// GetEnvDuration returns key parsed with time.ParseDuration or defaultValue
// when unset.
func (e *env) GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value, ok := e.lookup(key)
	if !ok {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		e.fail(key, value, err)
		return defaultValue
	}
	return d
}

// GetEnvList splits a comma separated key, dropping empty elements.
func (e *env) GetEnvList(key string, defaultValue []string) []string {
	value, ok := e.lookup(key)
	if !ok {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// GetEnvMap parses "key:value,key:value" pairs.
func (e *env) GetEnvMap(key string) map[string]string {
	out := make(map[string]string)
	for _, pair := range e.GetEnvList(key, nil) {
		k, v, found := strings.Cut(pair, ":")
		if !found || strings.TrimSpace(k) == "" {
			e.fail(key, pair, errors.New("expected key:value"))
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}
