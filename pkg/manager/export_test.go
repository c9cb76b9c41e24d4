package manager

import (
	"time"
)

// SetRetryScheduleForTest shrinks the connect retry schedule so tests do not
// wait out the production 2 s / 4 s delays. Restores on cleanup via the
// returned func.
func SetRetryScheduleForTest(first, second, deadline time.Duration) func() {
	prevFirst, prevSecond, prevDeadline := firstRetryDelay, secondRetryDelay, connectDeadline
	firstRetryDelay, secondRetryDelay, connectDeadline = first, second, deadline
	return func() {
		firstRetryDelay, secondRetryDelay, connectDeadline = prevFirst, prevSecond, prevDeadline
	}
}
