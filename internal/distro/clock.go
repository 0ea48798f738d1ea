package distro

import "time"

// Clock abstracts wall-clock time so beat-check and verify scheduling can
// be driven deterministically in tests, per spec §1 ("the core only
// assumes a transport that can send/receive opaque byte blobs to a named
// peer, a clock, and a disk cache primitive").
type Clock interface {
	Now() time.Time
}

// SystemClock is the real wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }
