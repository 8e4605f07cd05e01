// Package retention decides which backup generations to keep and removes
// the rest from a remote.
package retention

import (
	"sort"
	"time"

	"github.com/imedwei/docker-backup/internal/storage"
)

// Policy is the retention configuration. Zero counts disable a bucket and a
// zero MaxStorageBytes disables the quota.
type Policy struct {
	KeepDaily   int
	KeepWeekly  int
	KeepMonthly int

	MaxStorageBytes  int64
	WarningThreshold float64
	CleanupThreshold float64

	// WeekStart is the first day of a weekly bucket. Monday gives ISO weeks.
	WeekStart time.Weekday
}

// Reason explains why a generation is kept.
type Reason string

// Keep reasons.
const (
	ReasonDaily   Reason = "daily"
	ReasonWeekly  Reason = "weekly"
	ReasonMonthly Reason = "monthly"
	// ReasonLatest marks the newest complete generation, which is never
	// deleted.
	ReasonLatest Reason = "latest"
	// ReasonChain marks a generation that a kept generation links against.
	ReasonChain Reason = "chain"
)

// Plan is the outcome of PlanRetention.
type Plan struct {
	// Keep lists kept generations in ascending ID order, including those
	// kept only to preserve an incremental chain.
	Keep []string
	// Delete lists deletion candidates in ascending ID order.
	Delete  []string
	Reasons map[string][]Reason

	UsedBytes int64
	// RetainedBytes is the usage once Delete has been carried out.
	RetainedBytes int64
	Quota         QuotaStatus
	// OverQuota is set when RetainedBytes still exceeds the cleanup
	// threshold after every deletion candidate is removed.
	OverQuota bool
}

// Kept reports whether id is in the keep set.
func (p *Plan) Kept(id string) bool {
	_, ok := p.Reasons[id]
	return ok
}

// PlanRetention partitions generations into keep and delete sets as of now.
// It performs no I/O.
//
// A generation is kept when it is the newest of its calendar day within the
// last KeepDaily days that hold a generation, the newest of its week within
// the last KeepWeekly such weeks, or the first of its month within the last
// KeepMonthly such months. The newest complete generation is always kept.
// Any generation that a kept generation references,
// directly or transitively, is kept as well. The quota never removes a kept
// generation; when deleting every candidate still leaves usage above the
// cleanup threshold the plan is marked OverQuota.
func PlanRetention(gens []storage.GenerationInfo, policy Policy, now time.Time) Plan {
	sorted := append([]storage.GenerationInfo(nil), gens...)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})

	byID := make(map[string]storage.GenerationInfo, len(sorted))
	var used int64
	for _, g := range sorted {
		byID[g.ID] = g
		used += g.SizeBytes
	}

	buckets := make(map[string][]Reason)
	var eligible []storage.GenerationInfo
	for _, g := range sorted {
		// interrupted uploads and future-dated generations never fill a bucket
		if g.Complete && !g.CreatedAt.After(now) {
			eligible = append(eligible, g)
		}
	}

	newestPer := func(key func(time.Time) string, limit int, reason Reason) {
		if limit <= 0 {
			return
		}
		seen := make(map[string]bool)
		for i := len(eligible) - 1; i >= 0 && len(seen) < limit; i-- {
			k := key(eligible[i].CreatedAt)
			if seen[k] {
				continue
			}
			seen[k] = true
			buckets[eligible[i].ID] = append(buckets[eligible[i].ID], reason)
		}
	}
	newestPer(dayKey, policy.KeepDaily, ReasonDaily)
	newestPer(func(t time.Time) string { return weekKey(t, policy.WeekStart) }, policy.KeepWeekly, ReasonWeekly)

	if policy.KeepMonthly > 0 {
		first := make(map[string]string)
		var months []string
		for _, g := range eligible {
			k := monthKey(g.CreatedAt)
			if _, ok := first[k]; !ok {
				first[k] = g.ID
				months = append(months, k)
			}
		}
		for i := len(months) - 1; i >= 0 && i >= len(months)-policy.KeepMonthly; i-- {
			id := first[months[i]]
			buckets[id] = append(buckets[id], ReasonMonthly)
		}
	}

	var newest string
	if len(eligible) > 0 {
		newest = eligible[len(eligible)-1].ID
		buckets[newest] = append(buckets[newest], ReasonLatest)
	}

	plan := Plan{UsedBytes: used}
	keep := closure(buckets, byID)
	retained := sizeOf(keep, byID)

	// only deletion candidates may go, so an overage the candidates cannot
	// cover is reported rather than cut into the buckets
	if limit := quotaLimit(policy); limit > 0 && retained > limit {
		plan.OverQuota = true
	}

	plan.Reasons = keep
	plan.RetainedBytes = retained
	for _, g := range sorted {
		if _, ok := keep[g.ID]; ok {
			plan.Keep = append(plan.Keep, g.ID)
		} else {
			plan.Delete = append(plan.Delete, g.ID)
		}
	}
	sort.Strings(plan.Keep)
	sort.Strings(plan.Delete)
	plan.Quota = CheckQuota(used, policy)
	return plan
}

// closure adds every generation referenced by a kept generation.
func closure(buckets map[string][]Reason, byID map[string]storage.GenerationInfo) map[string][]Reason {
	keep := make(map[string][]Reason, len(buckets))
	var queue []string
	for id, reasons := range buckets {
		keep[id] = append([]Reason(nil), reasons...)
		queue = append(queue, id)
	}
	sort.Strings(queue)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, ref := range byID[id].References {
			if _, exists := byID[ref]; !exists {
				continue
			}
			if _, ok := keep[ref]; ok {
				if !hasReason(keep[ref], ReasonChain) {
					keep[ref] = append(keep[ref], ReasonChain)
				}
				continue
			}
			keep[ref] = []Reason{ReasonChain}
			queue = append(queue, ref)
		}
	}
	return keep
}

func hasReason(reasons []Reason, r Reason) bool {
	for _, x := range reasons {
		if x == r {
			return true
		}
	}
	return false
}

func sizeOf(keep map[string][]Reason, byID map[string]storage.GenerationInfo) int64 {
	var total int64
	for id := range keep {
		total += byID[id].SizeBytes
	}
	return total
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func monthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// weekKey names the week containing t by the date of its first day.
func weekKey(t time.Time, start time.Weekday) string {
	t = t.UTC()
	offset := (int(t.Weekday()) - int(start) + 7) % 7
	return t.AddDate(0, 0, -offset).Format("2006-01-02")
}

func quotaLimit(p Policy) int64 {
	if p.MaxStorageBytes <= 0 {
		return 0
	}
	threshold := p.CleanupThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = 1
	}
	return int64(float64(p.MaxStorageBytes) * threshold)
}

// QuotaStatus reports storage usage against the quota.
type QuotaStatus struct {
	Enabled       bool    `json:"enabled"`
	UsedBytes     int64   `json:"used_bytes"`
	MaxBytes      int64   `json:"max_bytes"`
	Percent       float64 `json:"percent"`
	Warning       bool    `json:"warning"`
	CleanupNeeded bool    `json:"cleanup_needed"`
}

// CheckQuota compares used against the policy's quota.
func CheckQuota(used int64, p Policy) QuotaStatus {
	if p.MaxStorageBytes <= 0 {
		return QuotaStatus{UsedBytes: used}
	}
	fraction := float64(used) / float64(p.MaxStorageBytes)
	return QuotaStatus{
		Enabled:       true,
		UsedBytes:     used,
		MaxBytes:      p.MaxStorageBytes,
		Percent:       fraction * 100,
		Warning:       p.WarningThreshold > 0 && fraction >= p.WarningThreshold,
		CleanupNeeded: fraction > quotaFraction(p),
	}
}

func quotaFraction(p Policy) float64 {
	if p.CleanupThreshold <= 0 || p.CleanupThreshold > 1 {
		return 1
	}
	return p.CleanupThreshold
}
