// Package features implements a process-wide feature flagging mechanism for
// the compiler: environment-variable overrides of CompilerConfig knobs that
// a caller did not set explicitly via a functional option, useful for
// toggling experimental opcode coverage (threads/atomics) or diagnostics
// (debug dumps) in a CI matrix without touching call sites.
package features

import (
	"os"
	"strings"
	"sync"
)

const (
	// EnvVarName is the name of the environment variable which contains the
	// comma-separated list of feature flags to enable.
	EnvVarName = "WAZC_FEATURES"
)

var (
	lock sync.RWMutex
	list []string
)

// EnableFromEnvironment extracts the list of features enabled from the
// EnvVarName environment variable. It is idempotent and safe to call more
// than once (e.g. once per CompileModule call).
func EnableFromEnvironment() {
	Enable(strings.Split(os.Getenv(EnvVarName), ",")...)
}

// Enable the list of features passed as arguments.
//
// The function is idempotent and atomic; features that are already present
// are skipped. Unrecognized features are ignored.
func Enable(features ...string) {
	lock.Lock()
	defer lock.Unlock()

	enabled := list
	for _, f := range features {
		if supported(f) && !have(enabled, f) {
			enabled = append(enabled, f)
		}
	}
	list = enabled
}

// List returns the current list of enabled features.
//
// The caller must treat the returned slice as read-only.
func List() []string {
	lock.RLock()
	defer lock.RUnlock()
	return list
}

// Enabled returns true if the given feature is enabled.
func Enabled(feature string) bool {
	lock.RLock()
	features := list
	lock.RUnlock()
	return have(features, feature)
}

func have(list []string, feature string) bool {
	for _, f := range list {
		if f == feature {
			return true
		}
	}
	return false
}

func supported(feature string) bool {
	switch feature {
	case "threads", "debugdump":
		return true
	default:
		return false
	}
}
