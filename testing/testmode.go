// Package testing prepares the environment shared by handler tests: test
// mode on and the Arabic default locale the fixtures assert against.
package testing

import (
	"os"

	_ "github.com/k9ops/k9ops/internal/testing/guard"
)

func init() {
	if os.Getenv("APP_LOCALE") == "" {
		_ = os.Setenv("APP_LOCALE", "ar")
	}
}
