//go:build !lockdebug

// Package assert provides invariant checks that compile away unless the
// lockdebug build tag is set.
package assert

// Enabled reports whether invariant checks are compiled in.
const Enabled = false

// That is a no-op in regular builds.
func That(bool, string, ...any) {}
