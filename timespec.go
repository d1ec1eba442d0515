//go:build linux

package ioengine

import (
	"time"

	"github.com/nyxio/ioengine/internal/sys"
)

// FromSeconds converts a non-negative fractional-seconds interval to a
// kernel timespec: sec is the integer part, nsec the fractional remainder
// scaled to nanoseconds. Negative values are not defined by the contract.
func FromSeconds(seconds float64) sys.Timespec {
	sec := int64(seconds)
	nsec := int64((seconds - float64(sec)) * 1e9)
	return sys.Timespec{Sec: sec, Nsec: nsec}
}

// FromDuration converts a time.Duration to a kernel timespec.
func FromDuration(d time.Duration) sys.Timespec {
	return sys.Timespec{
		Sec:  int64(d / time.Second),
		Nsec: int64(d % time.Second),
	}
}
