//go:build lockdebug

// Package assert provides invariant checks that compile away unless the
// lockdebug build tag is set.
package assert

import "fmt"

// Enabled reports whether invariant checks are compiled in.
const Enabled = true

// That panics when the invariant does not hold.
func That(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("invariant violated: "+format, args...))
	}
}
