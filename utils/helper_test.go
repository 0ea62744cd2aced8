package utils

import (
	"testing"
	"time"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestAddBillingPeriod(t *testing.T) {
	cases := []struct {
		name string
		from time.Time
		term string
		want time.Time
	}{
		{"daily", date(2024, 1, 1), "D", date(2024, 1, 2)},
		{"weekly", date(2024, 1, 1), "W", date(2024, 1, 8)},
		{"monthly", date(2024, 1, 1), "M", date(2024, 2, 1)},
		{"yearly", date(2024, 1, 1), "Y", date(2025, 1, 1)},
		{"month-end normalizes", date(2024, 1, 31), "M", date(2024, 3, 2)},
		{"leap year", date(2024, 2, 29), "Y", date(2025, 3, 1)},
		{"lowercase term", date(2024, 1, 1), "m", date(2024, 2, 1)},
	}
	for _, c := range cases {
		got, err := AddBillingPeriod(c.from, c.term)
		if err != nil {
			t.Errorf("%s: unexpected error: %v", c.name, err)
			continue
		}
		if !got.Equal(c.want) {
			t.Errorf("%s: AddBillingPeriod(%s, %q) = %s, want %s",
				c.name, c.from.Format(DateLayout), c.term, got.Format(DateLayout), c.want.Format(DateLayout))
		}
	}

	if _, err := AddBillingPeriod(date(2024, 1, 1), "Q"); err == nil {
		t.Error("unknown term should return an error")
	}
}

func TestBillingPeriodKey(t *testing.T) {
	// Key is derived from the UTC date regardless of the wall-clock zone.
	loc := time.FixedZone("UTC+7", 7*3600)
	dueAt := time.Date(2024, 1, 1, 2, 0, 0, 0, loc) // 2023-12-31 19:00 UTC
	if got := BillingPeriodKey(dueAt); got != "2023-12-31" {
		t.Errorf("BillingPeriodKey = %q, want %q", got, "2023-12-31")
	}
	if got := BillingPeriodKey(date(2024, 1, 1)); got != "2024-01-01" {
		t.Errorf("BillingPeriodKey = %q, want %q", got, "2024-01-01")
	}
}

func TestParseDateFlag(t *testing.T) {
	got, err := ParseDateFlag(" 2026-03-01 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(date(2026, 3, 1)) {
		t.Errorf("ParseDateFlag = %s, want 2026-03-01", got)
	}
	if _, err := ParseDateFlag("03/01/2026"); err == nil {
		t.Error("non-ISO date should return an error")
	}
}

func TestParseLeadDaysFlag(t *testing.T) {
	got, err := ParseLeadDaysFlag("90, 60,30,60")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []int{30, 60, 90}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}

	if _, err := ParseLeadDaysFlag("30,-1"); err == nil {
		t.Error("negative lead day should return an error")
	}
	if _, err := ParseLeadDaysFlag(""); err == nil {
		t.Error("empty flag should return an error")
	}
}

func TestValidatePhoneNumber(t *testing.T) {
	valid := []string{"+12025550123", "202-555-0123", "(202) 555-0123"}
	for _, p := range valid {
		if err := ValidatePhoneNumber(p, "US"); err != nil {
			t.Errorf("expected %q to be valid: %v", p, err)
		}
	}

	invalid := []string{"12345", "not-a-phone", "+1202555"}
	for _, p := range invalid {
		if err := ValidatePhoneNumber(p, "US"); err == nil {
			t.Errorf("expected %q to be invalid", p)
		}
	}
}

func TestFormatPhoneNumber(t *testing.T) {
	got, err := FormatPhoneNumber("(202) 555-0123", "US")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "+12025550123" {
		t.Errorf("FormatPhoneNumber = %q, want +12025550123", got)
	}
}

func TestTruncateString(t *testing.T) {
	if got := TruncateString("hello", 10); got != "hello" {
		t.Errorf("short string should be unchanged, got %q", got)
	}
	if got := TruncateString("hello world", 5); got != "hello" {
		t.Errorf("TruncateString = %q, want %q", got, "hello")
	}
}

func TestIsValidEmail(t *testing.T) {
	valid := []string{"ops@example.com", "a.b+c@sub.example.co"}
	invalid := []string{"", "nope", "a@b", "@example.com"}
	for _, e := range valid {
		if !IsValidEmail(e) {
			t.Errorf("expected %q to be valid", e)
		}
	}
	for _, e := range invalid {
		if IsValidEmail(e) {
			t.Errorf("expected %q to be invalid", e)
		}
	}
}
