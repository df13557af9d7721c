package quota

import "fmt"

// ExceededError reports a quota check that would overflow the plan limit.
// It carries the structured payload surfaced on 429 responses.
type ExceededError struct {
	QuotaType string
	Limit     int
	Used      int
	Available int
	ResetDate string
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: %s used %d of %d", e.QuotaType, e.Used, e.Limit)
}

// Detail returns the error envelope payload for HTTP responses.
func (e *ExceededError) Detail() map[string]any {
	detail := map[string]any{
		"error":       "quota_exceeded",
		"quota_type":  e.QuotaType,
		"limit":       e.Limit,
		"used":        e.Used,
		"available":   e.Available,
		"upgrade_url": "/api/v1/plans/list",
	}
	if e.ResetDate != "" {
		detail["reset_date"] = e.ResetDate
	}
	return detail
}
