// Package reconcile computes the mutation set that merges extracted deal
// candidates into a merchant's live catalog. The planner is pure: it decides
// every insert, update, and expiry up front, and the datastore applies the
// whole plan in one transaction.
package reconcile

import (
	"time"

	"sjsage522/dealingester/internal/catalog"
	"sjsage522/dealingester/logger"
)

// Policy controls when an absent deal is allowed to expire.
type Policy struct {
	// MissThreshold is how many consecutive runs a deal may be absent from
	// before it expires regardless of its validity window.
	MissThreshold int
}

// Update is one planned field-level update. Columns lists the comparable
// content columns that actually differ; identity and creation metadata are
// never touched.
type Update struct {
	Deal    catalog.Deal
	Columns []string
}

// Plan is the complete mutation set for one merchant's candidate batch.
type Plan struct {
	Inserts   []catalog.Deal
	Updates   []Update
	ExpireIDs []int64
	// MissIDs are live deals absent this run but not yet eligible to expire;
	// their miss counters are incremented.
	MissIDs []int64
	Counts  catalog.RunCounts
}

// Empty reports whether the plan mutates nothing.
func (p *Plan) Empty() bool {
	return len(p.Inserts) == 0 && len(p.Updates) == 0 && len(p.ExpireIDs) == 0 && len(p.MissIDs) == 0
}

// Compute performs the three-way diff between candidates and the merchant's
// live deals. Duplicate natural keys within one candidate batch are counted
// as conflicts and logged; the first occurrence wins.
func Compute(candidates []catalog.DealCandidate, live []catalog.Deal, now time.Time, policy Policy) *Plan {
	plan := &Plan{}
	plan.Counts.Candidates = len(candidates)

	byKey := make(map[string]*catalog.Deal, len(live))
	for i := range live {
		byKey[live[i].NaturalKey()] = &live[i]
	}

	seen := make(map[string]bool, len(candidates))
	for _, cand := range candidates {
		key := catalog.NaturalKey(cand.MerchantID, cand.LandingURL)
		if seen[key] {
			plan.Counts.Conflicts++
			logger.ForOrchestrator().Warn().
				Str("merchant", cand.MerchantID).
				Str("landing_url", cand.LandingURL).
				Msg("Duplicate natural key in candidate batch, first occurrence wins")
			continue
		}
		seen[key] = true

		existing, ok := byKey[key]
		if !ok {
			plan.Inserts = append(plan.Inserts, newDeal(cand, now))
			plan.Counts.Inserted++
			continue
		}

		update := diffDeal(existing, cand, now)
		if update == nil {
			plan.Counts.SkippedNoop++
			continue
		}
		plan.Updates = append(plan.Updates, *update)
		plan.Counts.Updated++
	}

	for i := range live {
		d := &live[i]
		if seen[d.NaturalKey()] || d.Status == catalog.StatusExpired {
			continue
		}
		if eligibleToExpire(d, now, policy) {
			plan.ExpireIDs = append(plan.ExpireIDs, d.ID)
			plan.Counts.Expired++
		} else {
			plan.MissIDs = append(plan.MissIDs, d.ID)
		}
	}

	return plan
}

// newDeal builds the insert row for a first-sighted candidate.
func newDeal(cand catalog.DealCandidate, now time.Time) catalog.Deal {
	return catalog.Deal{
		MerchantID:   cand.MerchantID,
		LandingURL:   cand.LandingURL,
		Title:        cand.Title,
		Summary:      cand.Summary,
		ThumbnailURL: cand.ImageURL,
		StartsAt:     cand.StartsAt,
		EndsAt:       cand.EndsAt,
		Status:       catalog.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// diffDeal compares the comparable content fields of a live deal against a
// candidate sighting and returns the planned update, or nil when nothing
// differs. A sighting always resets the miss counter and revives an expired
// deal to active.
func diffDeal(existing *catalog.Deal, cand catalog.DealCandidate, now time.Time) *Update {
	updated := *existing
	var cols []string

	if cand.Title != existing.Title {
		updated.Title = cand.Title
		cols = append(cols, "title")
	}
	if cand.Summary != "" && cand.Summary != existing.Summary {
		updated.Summary = cand.Summary
		cols = append(cols, "summary")
	}
	if cand.ImageURL != "" && cand.ImageURL != existing.ThumbnailURL {
		updated.ThumbnailURL = cand.ImageURL
		cols = append(cols, "thumbnail_url")
	}
	if !timeEqual(cand.StartsAt, existing.StartsAt) && cand.StartsAt != nil {
		updated.StartsAt = cand.StartsAt
		cols = append(cols, "starts_at")
	}
	if !timeEqual(cand.EndsAt, existing.EndsAt) && cand.EndsAt != nil {
		updated.EndsAt = cand.EndsAt
		cols = append(cols, "ends_at")
	}
	if existing.Status == catalog.StatusExpired {
		updated.Status = catalog.StatusActive
		cols = append(cols, "status")
	}
	if existing.MissCount != 0 {
		updated.MissCount = 0
		cols = append(cols, "miss_count")
	}

	if len(cols) == 0 {
		return nil
	}
	updated.UpdatedAt = now
	return &Update{Deal: updated, Columns: cols}
}

// eligibleToExpire applies the expiry policy to a deal absent from this run:
// past its validity end-date, or absent for the configured number of
// consecutive runs counting this one. A single failed extraction therefore
// never expires a deal on its own.
func eligibleToExpire(d *catalog.Deal, now time.Time, policy Policy) bool {
	if d.EndsAt != nil && d.EndsAt.Before(now) {
		return true
	}
	return d.MissCount+1 >= policy.MissThreshold
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
