package forecast

import "time"

// NextBusinessDay returns the next weekday after t. Exchange holidays are
// not modelled.
func NextBusinessDay(t time.Time) time.Time {
	next := t.AddDate(0, 0, 1)
	for next.Weekday() == time.Saturday || next.Weekday() == time.Sunday {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// BusinessDays returns the n weekdays following t.
func BusinessDays(t time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		t = NextBusinessDay(t)
		out = append(out, t)
	}
	return out
}
