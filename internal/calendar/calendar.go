// Package calendar turns continuous time windows into the discrete hour or day
// buckets that locks are taken on.
package calendar

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/rental-reservations/internal/domain"
)

const (
	dayLayout  = "2006-01-02"
	hourLayout = "2006-01-02T15"
)

// Floor truncates t to the start of its UTC bucket.
func Floor(t time.Time, g domain.Granularity) time.Time {
	t = t.UTC()
	if g == domain.GranularityHour {
		return t.Truncate(time.Hour)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Key is the bucket key containing t.
func Key(t time.Time, g domain.Granularity) string {
	if g == domain.GranularityHour {
		return Floor(t, g).Format(hourLayout)
	}
	return Floor(t, g).Format(dayLayout)
}

// ParseKey returns the start of the bucket named by key and its granularity.
func ParseKey(key string) (time.Time, domain.Granularity, error) {
	if t, err := time.ParseInLocation(hourLayout, key, time.UTC); err == nil {
		return t, domain.GranularityHour, nil
	}
	if t, err := time.ParseInLocation(dayLayout, key, time.UTC); err == nil {
		return t, domain.GranularityDay, nil
	}
	return time.Time{}, "", errors.Newf("calendar: malformed bucket key %q", key)
}

// Next is the start of the bucket following the one that starts at t.
func Next(t time.Time, g domain.Granularity) time.Time {
	if g == domain.GranularityHour {
		return t.Add(time.Hour)
	}
	return t.AddDate(0, 0, 1)
}

// EnumerateBuckets lists the bucket keys touched by [start, end), in order.
// It returns nil when end is not after start.
func EnumerateBuckets(start, end time.Time, g domain.Granularity) []string {
	if !end.After(start) {
		return nil
	}
	var keys []string
	for t := Floor(start, g); t.Before(end); t = Next(t, g) {
		keys = append(keys, Key(t, g))
	}
	return keys
}

// CountBuckets is len(EnumerateBuckets(...)) without building the slice.
func CountBuckets(start, end time.Time, g domain.Granularity) int {
	if !end.After(start) {
		return 0
	}
	n := 0
	for t := Floor(start, g); t.Before(end); t = Next(t, g) {
		n++
	}
	return n
}

// GranularityRule picks hour granularity for a fixed set of categories.
type GranularityRule struct {
	hourly map[string]struct{}
}

func NewGranularityRule(hourlyCategories []string) GranularityRule {
	m := make(map[string]struct{}, len(hourlyCategories))
	for _, c := range hourlyCategories {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" {
			m[c] = struct{}{}
		}
	}
	return GranularityRule{hourly: m}
}

func (r GranularityRule) For(category string) domain.Granularity {
	if _, ok := r.hourly[strings.ToLower(strings.TrimSpace(category))]; ok {
		return domain.GranularityHour
	}
	return domain.GranularityDay
}
