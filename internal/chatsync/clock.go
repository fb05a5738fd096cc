package chatsync

import "time"

// Clock returns the current time. Tests substitute a controllable one.
type Clock func() time.Time

func (c Clock) nowMillis() int64 {
	if c == nil {
		return time.Now().UnixMilli()
	}

	return c().UnixMilli()
}

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now()
	}

	return c()
}
