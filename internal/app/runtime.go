package app

import (
	"os"
	"strconv"
	"sync"
)

const testModeEnv = "K9OPS_TEST_MODE"

var inTestMode = sync.OnceValue(func() bool {
	on, err := strconv.ParseBool(os.Getenv(testModeEnv))
	return err == nil && on
})

// InTestMode reports whether K9OPS_TEST_MODE is set to a true value. The
// binaries exit early in that mode instead of dialing Postgres and Redis.
func InTestMode() bool {
	return inTestMode()
}
