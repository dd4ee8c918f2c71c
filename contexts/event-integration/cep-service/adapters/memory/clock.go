package memory

import "time"

// SystemClock implements ports.Clock against the real wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
