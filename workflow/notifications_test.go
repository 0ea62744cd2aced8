package workflow

import (
	"testing"
	"time"
)

func TestWithinNoticeWindow(t *testing.T) {
	asOf := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	day := func(n int) time.Time { return asOf.AddDate(0, 0, n) }

	cases := []struct {
		name     string
		dueAt    time.Time
		interval int
		want     bool
	}{
		{"exact crossing day", day(30), 30, true},
		{"inside window", day(15), 30, true},
		{"due today", day(0), 30, true},
		{"outside window", day(45), 30, false},
		{"one day past window", day(31), 30, false},
		{"already past due", day(-1), 30, false},
		{"catch-up after downtime", day(29), 30, true},
		{"short interval", day(7), 7, true},
		{"short interval outside", day(8), 7, false},
	}
	for _, c := range cases {
		if got := withinNoticeWindow(c.dueAt, asOf, c.interval); got != c.want {
			t.Errorf("%s: withinNoticeWindow(due=%s, interval=%d) = %v, want %v",
				c.name, c.dueAt.Format("2006-01-02"), c.interval, got, c.want)
		}
	}
}
