package profile

import (
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/samber/lo/mutable"
)

func NewRecord(id string, now time.Time) *Record {
	return &Record{
		ID:           id,
		FirstSeenAt:  now,
		LastActiveAt: now,
	}
}

// Touch refreshes the inactivity clock.
func (r *Record) Touch(now time.Time) {
	if r.FirstSeenAt.IsZero() {
		r.FirstSeenAt = now
	}
	r.LastActiveAt = now
}

// AppendHistory adds a turn and keeps only the most recent limit entries.
func (r *Record) AppendHistory(role Role, content string, at time.Time, limit int) {
	r.History = append(r.History, Message{Role: role, Content: content, At: at})
	r.TrimHistory(limit)
}

func (r *Record) TrimHistory(limit int) {
	if limit < MinHistoryLimit {
		limit = MinHistoryLimit
	}
	if len(r.History) > limit {
		kept := make([]Message, limit)
		copy(kept, r.History[len(r.History)-limit:])
		r.History = kept
	}
}

func (r *Record) AddPreferences(items ...string) {
	r.Profile.Preferences = MergeList(r.Profile.Preferences, items, HealthListCap)
}

func (r *Record) AddConditions(items ...string) {
	r.Health.Conditions = MergeList(r.Health.Conditions, items, HealthListCap)
}

func (r *Record) AddMedications(items ...string) {
	r.Health.Medications = MergeList(r.Health.Medications, items, HealthListCap)
}

// PhotosUsed returns the number of photo analyses recorded for day.
func (r *Record) PhotosUsed(day string) int {
	if r.Photos.Day != day {
		return 0
	}
	return r.Photos.Count
}

// CountPhoto records one analysis on day, resetting the counter when the
// calendar day changed.
func (r *Record) CountPhoto(day string) {
	if r.Photos.Day != day {
		r.Photos = PhotoUsage{Day: day}
	}
	r.Photos.Count++
}

// Empty reports whether no profile, health or format fact is known.
func (r *Record) Empty() bool {
	p := r.Profile
	return p.HeightCm == nil && p.WeightKg == nil && p.Age == nil && p.Sex == "" &&
		p.Goal == "" && p.TargetWeightKg == nil && len(p.Preferences) == 0 &&
		len(r.Health.Conditions) == 0 && len(r.Health.Medications) == 0 &&
		r.Format == (FoodFormat{})
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Profile.HeightCm = clonePtr(r.Profile.HeightCm)
	c.Profile.WeightKg = clonePtr(r.Profile.WeightKg)
	c.Profile.Age = clonePtr(r.Profile.Age)
	c.Profile.TargetWeightKg = clonePtr(r.Profile.TargetWeightKg)
	c.Profile.Preferences = cloneSlice(r.Profile.Preferences)
	c.Health.Conditions = cloneSlice(r.Health.Conditions)
	c.Health.Medications = cloneSlice(r.Health.Medications)
	c.History = cloneSlice(r.History)
	return &c
}

// MergeList appends items to list, drops blanks and keeps only the last
// limit entries. A restated entry moves to the newest end.
func MergeList(list, items []string, limit int) []string {
	trimmed := lo.Map(items, func(item string, _ int) string { return strings.TrimSpace(item) })
	merged := lo.Compact(append(cloneSlice(list), trimmed...))
	mutable.Reverse(merged)
	merged = lo.Uniq(merged)
	mutable.Reverse(merged)
	if limit > 0 && len(merged) > limit {
		merged = lo.Subset(merged, -limit, uint(limit))
	}
	if len(merged) == 0 {
		return nil
	}
	return merged
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	out := make([]T, len(s))
	copy(out, s)
	return out
}
