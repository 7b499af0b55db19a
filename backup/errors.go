package backup

import "fmt"

// QuotaExceededError rejects a snapshot creation before any network call
// when the subscription's snapshot quota is already full.
type QuotaExceededError struct {
	Count int
	Limit int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("snapshot quota exceeded: %d of %d used", e.Count, e.Limit)
}
