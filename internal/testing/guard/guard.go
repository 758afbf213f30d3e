// Package guard puts the process into test mode. Test files import it for
// its side effect before anything reads configuration.
package guard

import "os"

const testModeEnv = "K9OPS_TEST_MODE"

func init() {
	if _, ok := os.LookupEnv(testModeEnv); !ok {
		_ = os.Setenv(testModeEnv, "1")
	}
}
