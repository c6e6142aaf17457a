// Package envconfig reads STABLELM_* environment variables.
package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Var returns an environment variable stripped of whitespace and quotes.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return defaultValue
	}
}

func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

var (
	// NoFuse keeps the separate q/k/v and gate/up projections after load.
	NoFuse = Bool("STABLELM_NO_FUSE")
	// UseCache overrides the config's use_cache default.
	UseCache = BoolWithDefault("STABLELM_USE_CACHE")
	// KVBlock is the key/value cache growth step in tokens.
	KVBlock = Uint("STABLELM_KV_BLOCK", 256)
)

// NumThreads is the worker pool size. It defaults to GOMAXPROCS.
func NumThreads() int {
	n := Uint("STABLELM_NUM_THREADS", 0)()
	if n == 0 {
		return runtime.GOMAXPROCS(0)
	}
	return int(n)
}

// LogLevel maps STABLELM_DEBUG to a level: unset is INFO, 1/true is DEBUG
// and 2 is TRACE.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("STABLELM_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}
	return level
}

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"STABLELM_DEBUG":       {"STABLELM_DEBUG", LogLevel(), "Show additional debug information (e.g. STABLELM_DEBUG=1, 2 for trace)"},
		"STABLELM_KV_BLOCK":    {"STABLELM_KV_BLOCK", KVBlock(), "Key/value cache growth step in tokens (default 256)"},
		"STABLELM_NO_FUSE":     {"STABLELM_NO_FUSE", NoFuse(), "Skip q/k/v and gate/up weight fusion after load"},
		"STABLELM_NUM_THREADS": {"STABLELM_NUM_THREADS", NumThreads(), "Worker threads for attention and layer loading (default GOMAXPROCS)"},
		"STABLELM_USE_CACHE":   {"STABLELM_USE_CACHE", Var("STABLELM_USE_CACHE"), "Override the model's use_cache setting"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
