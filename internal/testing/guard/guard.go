// Package guard forces test mode for binaries imported by tests.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("GATE_TEST_MODE") == "" {
			_ = os.Setenv("GATE_TEST_MODE", "1")
		}
	})
}
