package matching

import (
	"math"
	"slices"
	"strings"
	"time"
)

// Threshold is the minimum score for a compatible pair to be matched.
const Threshold = 20.0

const (
	bloodTypePoints = 20.0
	organPoints     = 10.0
	maxAgePoints    = 10.0
)

// dateLayouts are tried in order when parsing a date of birth.
var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"01/02/2006",
}

// NormalizeOrgan lower-cases and trims an organ name.
func NormalizeOrgan(organ string) string {
	return strings.ToLower(strings.TrimSpace(organ))
}

// Offers reports whether the donor lists the given organ.
func (d *Donor) Offers(organ string) bool {
	want := NormalizeOrgan(organ)
	if want == "" {
		return false
	}
	return slices.ContainsFunc(d.Organs, func(o string) bool {
		return NormalizeOrgan(o) == want
	})
}

// Compatible is the hard organ pre-filter: the recipient needs an organ the donor offers.
func Compatible(d *Donor, r *Recipient) bool {
	return d.Offers(r.OrganNeeded)
}

// Score computes the additive compatibility score of a pair. It has no side
// effects and never fails; unusable dates simply contribute nothing.
func Score(d *Donor, r *Recipient) float64 {
	var score float64

	if d.BloodType != "" && r.BloodType != "" && d.BloodType == r.BloodType {
		score += bloodTypePoints
	}

	if Compatible(d, r) {
		score += organPoints
	}

	if years, ok := ageGapYears(d.DateOfBirth, r.DateOfBirth); ok {
		score += math.Max(0, maxAgePoints-math.Min(maxAgePoints, years))
	}

	return score
}

// Qualifies returns the pair's score and whether it passes both the organ
// filter and the threshold.
func Qualifies(d *Donor, r *Recipient) (float64, bool) {
	if !Compatible(d, r) {
		return 0, false
	}
	score := Score(d, r)
	return score, score >= Threshold
}

func ageGapYears(a, b string) (float64, bool) {
	t1, ok := parseDate(a)
	if !ok {
		return 0, false
	}
	t2, ok := parseDate(b)
	if !ok {
		return 0, false
	}
	days := math.Abs(t1.Sub(t2).Hours()) / 24
	return days / 365, true
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
