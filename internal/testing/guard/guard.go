// Package guard flips the runtime into test mode when imported, so test
// binaries never boot servers or workers by accident.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("LEDGERLINE_TEST_MODE") == "" {
			_ = os.Setenv("LEDGERLINE_TEST_MODE", "1")
		}
	})
}
