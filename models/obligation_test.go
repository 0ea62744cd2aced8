package models

import (
	"testing"
	"time"

	"github.com/nimbusmsp/billing_backend/utils"
)

func TestObligationHasExpired(t *testing.T) {
	asOf := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	past := asOf.AddDate(0, 0, -1)
	future := asOf.AddDate(0, 0, 1)

	cases := []struct {
		name string
		o    Obligation
		want bool
	}{
		{"no end date", Obligation{}, false},
		{"end date in future", Obligation{EndDate: &future}, false},
		{"end date passed", Obligation{EndDate: &past}, true},
		{"end date exactly asOf", Obligation{EndDate: &asOf}, false},
		{"never expired overrides end date", Obligation{EndDate: &past, IsNeverExpired: utils.NewTrue()}, false},
		{"never-expired false behaves normally", Obligation{EndDate: &past, IsNeverExpired: utils.NewFalse()}, true},
	}
	for _, c := range cases {
		if got := c.o.HasExpired(asOf); got != c.want {
			t.Errorf("%s: HasExpired = %v, want %v", c.name, got, c.want)
		}
	}
}
