package workflow

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestApplyEscalation(t *testing.T) {
	cases := []struct {
		amount  string
		percent string
		want    string
	}{
		{"100", "5", "105"},
		{"105", "5", "110.25"},
		{"100", "0", "100"},
		{"99.99", "2.5", "102.4898"},  // 102.48975 rounds half-up at 4 places
		{"0.01", "100", "0.02"},
	}
	for _, c := range cases {
		amount := decimal.RequireFromString(c.amount)
		percent := decimal.RequireFromString(c.percent)
		got := ApplyEscalation(amount, percent)
		if !got.Equal(decimal.RequireFromString(c.want)) {
			t.Errorf("ApplyEscalation(%s, %s%%) = %s, want %s", c.amount, c.percent, got, c.want)
		}
	}
}

func TestApplyEscalationCompounds(t *testing.T) {
	// Year over year at 5%: 100 -> 105 -> 110.25 -> 115.7625.
	amount := decimal.RequireFromString("100")
	percent := decimal.RequireFromString("5")
	for _, want := range []string{"105", "110.25", "115.7625"} {
		amount = ApplyEscalation(amount, percent)
		if !amount.Equal(decimal.RequireFromString(want)) {
			t.Fatalf("compounded amount = %s, want %s", amount, want)
		}
	}
}

func TestRenewalSummaryErrorCap(t *testing.T) {
	s := &RenewalSummary{}
	for i := 0; i < 30; i++ {
		s.recordError(i, errors.New("boom"))
	}
	if s.Failed != 30 {
		t.Errorf("Failed = %d, want 30", s.Failed)
	}
	if len(s.Errors) != maxSummaryErrors {
		t.Errorf("kept %d error strings, want %d", len(s.Errors), maxSummaryErrors)
	}
}

func TestRenewalSummaryFailureRate(t *testing.T) {
	cases := []struct {
		processed int
		failed    int
		want      int
	}{
		{0, 0, 0},
		{100, 0, 0},
		{100, 10, 10},
		{100, 11, 11},
		{9, 1, 11},
		{3, 3, 100},
	}
	for _, c := range cases {
		s := &RenewalSummary{Processed: c.processed, Failed: c.failed}
		if got := s.FailureRatePercent(); got != c.want {
			t.Errorf("FailureRatePercent(%d/%d) = %d, want %d", c.failed, c.processed, got, c.want)
		}
	}
}
