// Package availability answers which buckets of a window are still free.
package availability

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/rental-reservations/internal/calendar"
	"github.com/robertarktes/rental-reservations/internal/clock"
	"github.com/robertarktes/rental-reservations/internal/domain"
)

type Source string

const (
	SourceLock     Source = "lock"
	SourceBlackout Source = "blackout"
)

type Blocked struct {
	Bucket string `json:"bucket"`
	Source Source `json:"source"`
}

type Result struct {
	ResourceID  string             `json:"resource_id"`
	Granularity domain.Granularity `json:"granularity"`
	Buckets     []string           `json:"buckets"`
	Free        []string           `json:"free"`
	Blocked     []Blocked          `json:"blocked"`
}

// Available reports whether nothing in the window is blocked.
func (r Result) Available() bool {
	return len(r.Blocked) == 0
}

// Conflicts splits the blocked buckets by what blocks them.
func (r Result) Conflicts() (locked, blackout []string) {
	for _, b := range r.Blocked {
		if b.Source == SourceLock {
			locked = append(locked, b.Bucket)
		} else {
			blackout = append(blackout, b.Bucket)
		}
	}
	return locked, blackout
}

type Reader struct {
	directory  domain.ResourceDirectory
	locks      domain.LockStore
	rule       calendar.GranularityRule
	clock      clock.Clock
	maxBuckets int
}

func NewReader(directory domain.ResourceDirectory, locks domain.LockStore, rule calendar.GranularityRule, clk clock.Clock, maxBuckets int) *Reader {
	return &Reader{directory: directory, locks: locks, rule: rule, clock: clk, maxBuckets: maxBuckets}
}

// Granularity is the bucket width used for a resource everywhere in the service.
func (r *Reader) Granularity(res domain.Resource) domain.Granularity {
	return r.rule.For(res.Category)
}

// Resource loads an active resource. Missing and inactive resources are NOT_FOUND.
func (r *Reader) Resource(ctx context.Context, id string) (domain.Resource, error) {
	res, err := r.directory.GetResource(ctx, id)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && !res.Active) {
		return domain.Resource{}, domain.NotFound("resource")
	}
	if err != nil {
		return domain.Resource{}, errors.Wrap(err, "load resource")
	}
	return res, nil
}

// Buckets validates the window for res and enumerates it.
func (r *Reader) Buckets(res domain.Resource, start, end time.Time) (domain.Granularity, []string, error) {
	if start.IsZero() || end.IsZero() || !end.After(start) {
		return "", nil, domain.InvalidWindow("window must end after it starts")
	}
	g := r.Granularity(res)
	if r.maxBuckets > 0 && calendar.CountBuckets(start, end, g) > r.maxBuckets {
		return "", nil, domain.InvalidWindow("window is too long")
	}
	return g, calendar.EnumerateBuckets(start, end, g), nil
}

func (r *Reader) Check(ctx context.Context, resourceID string, start, end time.Time) (Result, error) {
	res, err := r.Resource(ctx, resourceID)
	if err != nil {
		return Result{}, err
	}
	return r.CheckResource(ctx, res, start, end)
}

// CheckResource merges the live locks and blackout ranges covering the window.
func (r *Reader) CheckResource(ctx context.Context, res domain.Resource, start, end time.Time) (Result, error) {
	g, buckets, err := r.Buckets(res, start, end)
	if err != nil {
		return Result{}, err
	}

	locks, err := r.locks.ListActive(ctx, res.ID, buckets, r.clock.Now())
	if err != nil {
		return Result{}, errors.Wrap(err, "list active locks")
	}
	blackouts := blackoutBuckets(res.Blackouts, buckets)

	locked := make(map[string]struct{}, len(locks))
	for _, l := range locks {
		locked[l.Bucket] = struct{}{}
	}

	out := Result{ResourceID: res.ID, Granularity: g, Buckets: buckets}
	for _, b := range buckets {
		switch {
		case has(locked, b):
			out.Blocked = append(out.Blocked, Blocked{Bucket: b, Source: SourceLock})
		case has(blackouts, b):
			out.Blocked = append(out.Blocked, Blocked{Bucket: b, Source: SourceBlackout})
		default:
			out.Free = append(out.Free, b)
		}
	}
	return out, nil
}

func has(set map[string]struct{}, key string) bool {
	_, ok := set[key]
	return ok
}

// blackoutBuckets returns the window buckets that overlap any blackout range.
func blackoutBuckets(ranges []domain.BlackoutRange, window []string) map[string]struct{} {
	out := map[string]struct{}{}
	if len(ranges) == 0 {
		return out
	}
	for _, b := range window {
		from, g, err := calendar.ParseKey(b)
		if err != nil {
			continue
		}
		to := calendar.Next(from, g)
		for _, br := range ranges {
			if br.Start.Before(to) && br.End.After(from) {
				out[b] = struct{}{}
				break
			}
		}
	}
	return out
}
