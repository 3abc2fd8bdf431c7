package application

import "time"

// Clock interface supaya gampang ditest. Scan timestamps come from here.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock, always in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
