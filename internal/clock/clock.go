// Package clock abstracts time so queue aging and estimator math are
// testable with a fake.
package clock

import "time"

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}
