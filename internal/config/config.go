// Package config manages convomirror configuration: a viper singleton backed
// by <root>/config.yaml with CVM_-prefixed environment overrides, plus direct
// yaml reads for the pre-initialization path.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var v *viper.Viper

// Defaults for timing and concurrency knobs. All of them can be overridden in
// config.yaml or via environment (CVM_SYNC_INTERVAL etc.).
const (
	DefaultSyncInterval     = 5 * time.Minute
	DefaultStandbyPoll      = 10 * time.Second
	DefaultFetchConcurrency = 3
	DefaultPageSize         = 20
	DefaultRetryAttempts    = 2
	DefaultRetryBase        = 500 * time.Millisecond
	DefaultLockTimeout      = 30 * time.Second
)

// Root returns the mirror root directory. Resolution order:
// CVM_ROOT env var, then the "root" key from an already-initialized viper,
// then ~/ConvoMirror.
func Root() string {
	if root := os.Getenv("CVM_ROOT"); root != "" {
		return root
	}
	if v != nil {
		if root := v.GetString("root"); root != "" {
			return root
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "ConvoMirror"
	}
	return filepath.Join(home, "ConvoMirror")
}

// Initialize sets up the viper singleton. A missing config.yaml is normal
// (first run); any other read error is surfaced.
func Initialize() error {
	nv := viper.New()
	nv.SetConfigName("config")
	nv.SetConfigType("yaml")
	nv.AddConfigPath(Root())

	nv.SetEnvPrefix("CVM")
	nv.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	nv.AutomaticEnv()

	nv.SetDefault("sync-interval", DefaultSyncInterval)
	nv.SetDefault("standby-poll-interval", DefaultStandbyPoll)
	nv.SetDefault("fetch-concurrency", DefaultFetchConcurrency)
	nv.SetDefault("page-size", DefaultPageSize)
	nv.SetDefault("retry-attempts", DefaultRetryAttempts)
	nv.SetDefault("retry-base", DefaultRetryBase)
	nv.SetDefault("lock-timeout", DefaultLockTimeout)

	if err := nv.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return fmt.Errorf("reading config: %w", err)
		}
	}

	v = nv
	return nil
}

// ConfigPath returns the path of the active config.yaml.
func ConfigPath() string {
	return filepath.Join(Root(), "config.yaml")
}

// GetString returns a string config value. Nil-safe: returns "" before
// Initialize has run.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool returns a boolean config value. Nil-safe.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt returns an integer config value. Nil-safe.
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetDuration returns a duration config value. Nil-safe.
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// Set overrides a config value in the running process (flag overrides).
func Set(key string, value interface{}) {
	if v == nil {
		return
	}
	v.Set(key, value)
}
