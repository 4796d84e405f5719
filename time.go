package vault

import "time"

// nowFunc is overridable in tests that need deterministic timestamps.
var nowFunc = time.Now

// Now returns the current time. Transaction creation timestamps and the
// stuck-transaction monitor's age checks go through this indirection so
// tests can freeze time.
func Now() time.Time {
	return nowFunc()
}
