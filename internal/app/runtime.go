package app

import (
	"os"
	"strconv"
	"sync"
)

// TestModeEnv marks a process started under go test. Binaries return before dialling
// postgres or redis when it is set.
const TestModeEnv = "PORTAL_TEST_MODE"

var testMode = sync.OnceValue(func() bool {
	on, _ := strconv.ParseBool(os.Getenv(TestModeEnv))
	return on
})

// InTestMode reports whether the application should skip runtime side effects.
func InTestMode() bool {
	return testMode()
}
