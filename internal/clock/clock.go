package clock

import "time"

// Clock abstracts time.Now so dunning schedules can be tested deterministically.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Fixed returns a clock pinned to a single instant.
func Fixed(t time.Time) Clock { return fixedClock{t: t.UTC()} }

type fixedClock struct {
	t time.Time
}

func (c fixedClock) Now() time.Time { return c.t }
