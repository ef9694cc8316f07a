// Package retention decides which backup records fall outside a retention
// policy. It is pure: it never touches the catalog or any destination.
package retention

import (
	"fmt"
	"sort"
	"time"

	"github.com/bizflycloud/backup-orchestrator/pkg/backup"
	"github.com/bizflycloud/backup-orchestrator/pkg/config"
)

const day = 24 * time.Hour

// Buckets a record can fall into.
const (
	BucketDaily   = "daily"
	BucketWeekly  = "weekly"
	BucketMonthly = "monthly"
	BucketNone    = "none"
)

// Decision is the verdict on one record.
type Decision struct {
	RecordID    string    `json:"record_id"`
	Pair        string    `json:"pair"`
	CompletedAt time.Time `json:"completed_at"`
	Success     bool      `json:"success"`
	Bucket      string    `json:"bucket"`
	Reason      string    `json:"reason"`
}

// Plan lists the records kept and the records selected for deletion. Delete
// is ordered oldest first.
type Plan struct {
	Keep   []Decision `json:"keep"`
	Delete []Decision `json:"delete"`
}

// DeleteIDs returns the ids selected for deletion, oldest first.
func (p Plan) DeleteIDs() []string {
	ids := make([]string, len(p.Delete))
	for i, d := range p.Delete {
		ids[i] = d.RecordID
	}
	return ids
}

// SelectForDeletion returns the ids of records eligible for deletion under
// policy at now, oldest first. The most recent successful record of every
// storage type and backup type pair is never selected.
func SelectForDeletion(records []backup.Record, policy config.RetentionPolicy, now time.Time) []string {
	return Evaluate(records, policy, now).DeleteIDs()
}

type windows struct {
	daily, weekly, monthly time.Duration
}

func newWindows(policy config.RetentionPolicy, now time.Time) windows {
	w := windows{daily: time.Duration(policy.DailyRetentionDays) * day}
	w.weekly = time.Duration(policy.WeeklyRetentionWeeks) * 7 * day
	if w.weekly < w.daily {
		w.weekly = w.daily
	}
	w.monthly = now.Sub(now.AddDate(0, -policy.MonthlyRetentionMonths, 0))
	if w.monthly < w.weekly {
		w.monthly = w.weekly
	}
	return w
}

func (w windows) bucket(age time.Duration) string {
	switch {
	case age < w.daily:
		return BucketDaily
	case age < w.weekly:
		return BucketWeekly
	case age < w.monthly:
		return BucketMonthly
	}
	return BucketNone
}

func periodKey(bucket string, t time.Time) string {
	t = t.UTC()
	switch bucket {
	case BucketDaily:
		return t.Format("2006-01-02")
	case BucketWeekly:
		y, wk := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", y, wk)
	case BucketMonthly:
		return t.Format("2006-01")
	}
	return ""
}

func completion(r *backup.Record) time.Time {
	if r.CompletedAt.IsZero() {
		return r.StartedAt
	}
	return r.CompletedAt
}

// Evaluate applies policy to records at now and explains every decision.
func Evaluate(records []backup.Record, policy config.RetentionPolicy, now time.Time) Plan {
	w := newWindows(policy, now)
	limits := map[string]int{
		BucketDaily:   policy.DailyRetentionDays,
		BucketWeekly:  policy.WeeklyRetentionWeeks,
		BucketMonthly: policy.MonthlyRetentionMonths,
	}

	groups := map[string][]*backup.Record{}
	var pairs []string
	seen := map[string]bool{}
	for i := range records {
		r := &records[i]
		if seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		key := r.PairKey()
		if _, ok := groups[key]; !ok {
			pairs = append(pairs, key)
		}
		groups[key] = append(groups[key], r)
	}
	sort.Strings(pairs)

	decisions := map[string]*Decision{}
	keep := map[string]bool{}
	protected := map[string]bool{}

	for _, pair := range pairs {
		group := groups[pair]
		sort.SliceStable(group, func(i, j int) bool {
			return completion(group[i]).After(completion(group[j]))
		})

		periods := map[string]map[string]bool{
			BucketDaily:   {},
			BucketWeekly:  {},
			BucketMonthly: {},
		}
		latestSuccess := ""
		for _, r := range group {
			at := completion(r)
			b := w.bucket(now.Sub(at))
			d := &Decision{RecordID: r.ID, Pair: pair, CompletedAt: at, Success: r.Success, Bucket: b}
			decisions[r.ID] = d

			if !r.Success {
				if b == BucketDaily {
					keep[r.ID] = true
					d.Reason = "failed run within the daily window"
				} else {
					d.Reason = "failed run outside the daily window"
				}
				continue
			}
			if latestSuccess == "" {
				latestSuccess = r.ID
			}
			if b == BucketNone {
				d.Reason = "outside every retention window"
				continue
			}

			key := periodKey(b, at)
			used := periods[b]
			switch {
			case used[key]:
				d.Reason = fmt.Sprintf("superseded by a newer %s backup in %s", b, key)
			case len(used) >= limits[b]:
				d.Reason = fmt.Sprintf("beyond the %d %s periods retained", limits[b], b)
			default:
				used[key] = true
				keep[r.ID] = true
				d.Reason = fmt.Sprintf("newest %s backup in %s", b, key)
			}
		}
		if latestSuccess != "" {
			protected[latestSuccess] = true
		}
	}

	if policy.MaxBackups > 0 {
		var survivors []*Decision
		for id := range keep {
			survivors = append(survivors, decisions[id])
		}
		sortOldestFirst(survivors)
		// protected records are kept regardless and take part of the cap
		excess := len(survivors) - policy.MaxBackups
		for id := range protected {
			if !keep[id] {
				excess++
			}
		}
		for _, d := range survivors {
			if excess <= 0 {
				break
			}
			if protected[d.RecordID] {
				continue
			}
			delete(keep, d.RecordID)
			d.Reason = fmt.Sprintf("exceeds the maximum of %d backups", policy.MaxBackups)
			excess--
		}
	}

	var plan Plan
	for id, d := range decisions {
		switch {
		case keep[id]:
			plan.Keep = append(plan.Keep, *d)
		case protected[id]:
			d.Reason = "latest successful backup of " + d.Pair + " (" + d.Reason + ")"
			plan.Keep = append(plan.Keep, *d)
		default:
			plan.Delete = append(plan.Delete, *d)
		}
	}
	sortDecisions(plan.Keep)
	sortDecisions(plan.Delete)
	return plan
}

func sortOldestFirst(ds []*Decision) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].CompletedAt.Equal(ds[j].CompletedAt) {
			return ds[i].RecordID < ds[j].RecordID
		}
		return ds[i].CompletedAt.Before(ds[j].CompletedAt)
	})
}

func sortDecisions(ds []Decision) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].CompletedAt.Equal(ds[j].CompletedAt) {
			return ds[i].RecordID < ds[j].RecordID
		}
		return ds[i].CompletedAt.Before(ds[j].CompletedAt)
	})
}
