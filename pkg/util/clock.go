package util

import "time"

// Clock stamps fills and book updates
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// FixedClock always reports the same instant
type FixedClock time.Time

func (c FixedClock) Now() time.Time { return time.Time(c) }

// UnixMillis is the timestamp unit of fills and book pushes
func UnixMillis(c Clock) int64 { return c.Now().UnixMilli() }
