package utils

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ttacon/libphonenumber"
)

const DateLayout = "2006-01-02"

// CountryCode is the default region for phone numbers given without a
// +country prefix.
var CountryCode = "US"

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

func IsValidEmail(email string) bool {
	return emailRegex.MatchString(email)
}

// ValidatePhoneNumber parses phoneNumber against countryCode (the default
// region for numbers without a + prefix) and rejects invalid numbers.
func ValidatePhoneNumber(phoneNumber, countryCode string) error {
	p, err := libphonenumber.Parse(phoneNumber, countryCode)
	if err != nil {
		return err
	}
	if !libphonenumber.IsValidNumber(p) {
		return fmt.Errorf("phone number is not valid")
	}
	return nil
}

// FormatPhoneNumber normalizes a validated number to E.164 for storage.
func FormatPhoneNumber(phoneNumber, countryCode string) (string, error) {
	p, err := libphonenumber.Parse(phoneNumber, countryCode)
	if err != nil {
		return "", err
	}
	return libphonenumber.Format(p, libphonenumber.E164), nil
}

// AddBillingPeriod advances t by one billing period.
// Terms: 'D' daily, 'W' weekly, 'M' monthly, 'Y' yearly.
// Monthly/yearly use calendar arithmetic (Jan 31 + 1M normalizes per time.AddDate).
func AddBillingPeriod(t time.Time, term string) (time.Time, error) {
	switch strings.ToUpper(strings.TrimSpace(term)) {
	case "D":
		return t.AddDate(0, 0, 1), nil
	case "W":
		return t.AddDate(0, 0, 7), nil
	case "M":
		return t.AddDate(0, 1, 0), nil
	case "Y":
		return t.AddDate(1, 0, 0), nil
	default:
		return t, fmt.Errorf("unknown billing term %q", term)
	}
}

// BillingPeriodKey is the idempotency component derived from the due date
// being billed: one invoice per (obligation, period key).
func BillingPeriodKey(dueAt time.Time) string {
	return dueAt.UTC().Format(DateLayout)
}

// ParseDateFlag parses a --date=YYYY-MM-DD CLI flag as UTC midnight.
func ParseDateFlag(s string) (time.Time, error) {
	d, err := time.ParseInLocation(DateLayout, strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD): %w", s, err)
	}
	return d, nil
}

// ParseLeadDaysFlag parses "--lead-days=90,60,30" into a sorted-unique slice.
func ParseLeadDaysFlag(s string) ([]int, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	var days []int
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid lead day %q", p)
		}
		days = append(days, n)
	}
	days = UniqueSlice(days)
	if len(days) == 0 {
		return nil, fmt.Errorf("no lead days given")
	}
	sort.Ints(days)
	return days, nil
}

// TruncateString bounds s to max bytes; gateway error strings can be long.
func TruncateString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func ConvertToLocalTime(utcTime time.Time, timezone string) time.Time {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return utcTime
	}
	return utcTime.In(loc)
}

func ProcessValidationErrors(err error) map[string]string {
	errs := map[string]string{}
	if ve, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range ve {
			errs[fe.Field()] = fe.Tag()
		}
	}
	return errs
}

func NewTrue() *bool {
	b := true
	return &b
}

func NewFalse() *bool {
	b := false
	return &b
}

func DereferencePtr[T any](ptr *T, defaults ...T) T {
	if ptr != nil {
		return *ptr
	}
	var def T
	if len(defaults) > 0 {
		def = defaults[0]
	}
	return def
}

func UniqueSlice[T comparable](slice []T) []T {
	seen := map[T]bool{}
	var out []T
	for _, v := range slice {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
