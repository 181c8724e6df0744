// Package profile holds the per-conversation record and the key-value store
// it lives in.
package profile

import "time"

const (
	// HealthListCap bounds conditions, medications and preferences.
	HealthListCap = 10
	// DefaultHistoryLimit is the sliding history window used when none is configured.
	DefaultHistoryLimit = 12
	// MinHistoryLimit keeps at least one user/assistant exchange.
	MinHistoryLimit = 2
)

type Sex string

const (
	SexFemale Sex = "female"
	SexMale   Sex = "male"
)

// Label returns the Russian form used in summaries.
func (s Sex) Label() string {
	switch s {
	case SexFemale:
		return "женский"
	case SexMale:
		return "мужской"
	}
	return ""
}

type Goal string

const (
	GoalReduce   Goal = "reduce"
	GoalGain     Goal = "gain"
	GoalMaintain Goal = "maintain"
)

func (g Goal) Label() string {
	switch g {
	case GoalReduce:
		return "снижение"
	case GoalGain:
		return "набор"
	case GoalMaintain:
		return "поддержание"
	}
	return ""
}

// Valid reports whether g is one of the known goals.
func (g Goal) Valid() bool { return g.Label() != "" }

type CaloriesMode string

const (
	CaloriesExact       CaloriesMode = "exact"
	CaloriesApproximate CaloriesMode = "approximate"
)

type PortionsMode string

const (
	PortionsGrams     PortionsMode = "grams"
	PortionsEyeballed PortionsMode = "eyeballed"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Profile holds anthropometrics and goals. Nil / empty means unknown.
type Profile struct {
	HeightCm       *float64 `json:"height_cm,omitempty"`
	WeightKg       *float64 `json:"weight_kg,omitempty"`
	Age            *int     `json:"age,omitempty"`
	Sex            Sex      `json:"sex,omitempty"`
	Goal           Goal     `json:"goal,omitempty"`
	TargetWeightKg *float64 `json:"target_weight_kg,omitempty"`
	Preferences    []string `json:"preferences,omitempty"`
}

type Health struct {
	Conditions  []string `json:"conditions,omitempty"`
	Medications []string `json:"medications,omitempty"`
}

type FoodFormat struct {
	CaloriesMode CaloriesMode `json:"calories_mode,omitempty"`
	PortionsMode PortionsMode `json:"portions_mode,omitempty"`
	MealsPerDay  int          `json:"meals_per_day,omitempty"`
}

type Message struct {
	Role    Role      `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// PhotoUsage counts photo analyses for one calendar day.
type PhotoUsage struct {
	Day   string `json:"day,omitempty"`
	Count int    `json:"count,omitempty"`
}

// Record is everything the bot remembers about one conversation identity.
type Record struct {
	ID            string     `json:"id"`
	Profile       Profile    `json:"profile"`
	Health        Health     `json:"health"`
	Format        FoodFormat `json:"food_format"`
	History       []Message  `json:"history,omitempty"`
	FirstSeenAt   time.Time  `json:"first_seen_at"`
	LastActiveAt  time.Time  `json:"last_active_at"`
	LastExtractAt time.Time  `json:"last_extract_at,omitempty"`
	Photos        PhotoUsage `json:"photo_usage"`
}
