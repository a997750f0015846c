package app

import (
	"os"
	"sync"
	"sync/atomic"
)

const testModeEnv = "VOYAGEOS_TEST_MODE"

var (
	testModeFlag atomic.Bool
	testModeOnce sync.Once
)

func detectTestMode() {
	testModeFlag.Store(os.Getenv(testModeEnv) == "1")
}

// InTestMode reports whether VOYAGEOS_TEST_MODE=1. The binaries then exit
// before dialing PostgreSQL or Redis.
func InTestMode() bool {
	testModeOnce.Do(detectTestMode)
	return testModeFlag.Load()
}

// RefreshTestMode re-reads the environment, for tests that toggle it.
func RefreshTestMode() {
	detectTestMode()
}
