// Package extract pulls profile facts out of free text, either locally with
// patterns or through a rate-limited model call.
package extract

import "github.com/vnorme/vnorme-bot/internal/profile"

// Update is a partial set of facts. Nil pointers and empty values mean "not
// found" and never overwrite what the record already knows.
type Update struct {
	HeightCm       *float64
	WeightKg       *float64
	TargetWeightKg *float64
	Age            *int
	Sex            profile.Sex
	Goal           profile.Goal

	Preferences []string
	Conditions  []string
	Medications []string

	CaloriesMode profile.CaloriesMode
	PortionsMode profile.PortionsMode
	MealsPerDay  *int
}

// Merge layers next over u: scalar fields from next win, lists concatenate.
func (u Update) Merge(next Update) Update {
	if next.HeightCm != nil {
		u.HeightCm = next.HeightCm
	}
	if next.WeightKg != nil {
		u.WeightKg = next.WeightKg
	}
	if next.TargetWeightKg != nil {
		u.TargetWeightKg = next.TargetWeightKg
	}
	if next.Age != nil {
		u.Age = next.Age
	}
	if next.Sex != "" {
		u.Sex = next.Sex
	}
	if next.Goal != "" {
		u.Goal = next.Goal
	}
	if next.CaloriesMode != "" {
		u.CaloriesMode = next.CaloriesMode
	}
	if next.PortionsMode != "" {
		u.PortionsMode = next.PortionsMode
	}
	if next.MealsPerDay != nil {
		u.MealsPerDay = next.MealsPerDay
	}
	u.Preferences = append(u.Preferences, next.Preferences...)
	u.Conditions = append(u.Conditions, next.Conditions...)
	u.Medications = append(u.Medications, next.Medications...)
	return u
}

func (u Update) IsEmpty() bool {
	return u.HeightCm == nil && u.WeightKg == nil && u.TargetWeightKg == nil && u.Age == nil &&
		u.Sex == "" && u.Goal == "" && u.CaloriesMode == "" && u.PortionsMode == "" &&
		u.MealsPerDay == nil && len(u.Preferences) == 0 && len(u.Conditions) == 0 && len(u.Medications) == 0
}

// Apply writes u into r with last-write-wins semantics. Known values are only
// ever replaced by other known values.
func Apply(r *profile.Record, u Update) {
	if r == nil {
		return
	}
	if u.HeightCm != nil {
		v := *u.HeightCm
		r.Profile.HeightCm = &v
	}
	if u.WeightKg != nil {
		v := *u.WeightKg
		r.Profile.WeightKg = &v
	}
	if u.TargetWeightKg != nil {
		v := *u.TargetWeightKg
		r.Profile.TargetWeightKg = &v
	}
	if u.Age != nil {
		v := *u.Age
		r.Profile.Age = &v
	}
	if u.Sex != "" {
		r.Profile.Sex = u.Sex
	}
	if u.Goal != "" {
		r.Profile.Goal = u.Goal
	}
	if u.CaloriesMode != "" {
		r.Format.CaloriesMode = u.CaloriesMode
	}
	if u.PortionsMode != "" {
		r.Format.PortionsMode = u.PortionsMode
	}
	if u.MealsPerDay != nil {
		r.Format.MealsPerDay = *u.MealsPerDay
	}
	if len(u.Preferences) > 0 {
		r.AddPreferences(u.Preferences...)
	}
	if len(u.Conditions) > 0 {
		r.AddConditions(u.Conditions...)
	}
	if len(u.Medications) > 0 {
		r.AddMedications(u.Medications...)
	}
}
