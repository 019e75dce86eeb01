// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability. Production code injects
// Real(); tests inject Fake() with deterministic time control.
//
// Session rotation decisions and session creation timestamps depend on
// wall-clock time. Every function that would call time.Now accepts a
// Clock (or is a method on a struct with a Clock field) so that tests
// can age sessions without sleeping.
package clock

import "time"

// Clock provides the current time and deadline channels.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time after
	// duration d elapses. Equivalent to time.After. If d <= 0, the
	// channel receives immediately.
	After(d time.Duration) <-chan time.Time
}

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
