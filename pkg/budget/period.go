package budget

import "time"

// DailyKey returns the UTC day period key (YYYY-MM-DD). Counters keyed by
// it reset implicitly at UTC midnight because the key itself rolls over.
func DailyKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// MonthlyKey returns the UTC month period key (YYYY-MM), rolling over on
// the first of the calendar month UTC.
func MonthlyKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}
