// Package testing switches the process into test mode when imported by a
// test binary: binaries skip runtime startup and configuration points at
// embedded stores.
package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

// Defaults applied when the variable is unset.
var testEnv = map[string]string{
	"AUTH_JWT_SECRET":    "test-secret",
	"POLICY_STORE":       "sqlite",
	"POLICY_SQLITE_PATH": ":memory:",
	"LOG_LEVEL":          "warn",
}

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("ODYSSEY_TEST_MODE", "1")
		for key, value := range testEnv {
			if _, ok := os.LookupEnv(key); !ok {
				_ = os.Setenv(key, value)
			}
		}
	})
}

func init() {
	ensureTestMode()
}

// TestMain runs m with the test environment in place.
func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
