// Package clock abstracts time for components that need to be tested against
// a controllable calendar (quota day rollover, backoff timing).
package clock

import "time"

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}
