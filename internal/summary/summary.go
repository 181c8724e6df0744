// Package summary projects a record into the short memory digest that is
// sent to the model on every turn.
package summary

import (
	"strconv"
	"strings"

	"github.com/samber/lo"
	"github.com/vnorme/vnorme-bot/internal/profile"
)

const (
	PreferencesShown = 3
	HealthShown      = 6
)

// Build is pure: the same record always yields the same text. Each segment
// goes on its own line and is left out when it has nothing to say.
func Build(r *profile.Record) string {
	if r == nil {
		return ""
	}
	segments := []string{
		profileLine(r.Profile),
		listLine("Предпочтения и ограничения: ", r.Profile.Preferences, PreferencesShown, "; "),
		listLine("Здоровье: ", r.Health.Conditions, HealthShown, " | "),
		listLine("Лекарства: ", r.Health.Medications, HealthShown, " | "),
		formatLine(r.Format),
	}
	return strings.Join(lo.Compact(segments), "\n")
}

// OrPlaceholder substitutes placeholder for an empty digest.
func OrPlaceholder(s, placeholder string) string {
	if strings.TrimSpace(s) == "" {
		return placeholder
	}
	return s
}

func profileLine(p profile.Profile) string {
	var parts []string
	if label := p.Sex.Label(); label != "" {
		parts = append(parts, "пол "+label)
	}
	if p.Age != nil {
		parts = append(parts, "возраст "+strconv.Itoa(*p.Age))
	}
	if p.HeightCm != nil {
		parts = append(parts, "рост "+number(*p.HeightCm)+" см")
	}
	if p.WeightKg != nil {
		parts = append(parts, "вес "+number(*p.WeightKg)+" кг")
	}
	if p.TargetWeightKg != nil {
		parts = append(parts, "целевой вес "+number(*p.TargetWeightKg)+" кг")
	}
	if label := p.Goal.Label(); label != "" {
		parts = append(parts, "цель "+label)
	}
	if len(parts) == 0 {
		return ""
	}
	return "Профиль: " + strings.Join(parts, ", ")
}

func listLine(prefix string, items []string, n int, sep string) string {
	if len(items) == 0 {
		return ""
	}
	return prefix + strings.Join(lo.Subset(items, -n, uint(n)), sep)
}

func formatLine(f profile.FoodFormat) string {
	var parts []string
	switch f.CaloriesMode {
	case profile.CaloriesExact:
		parts = append(parts, "калории считать точно")
	case profile.CaloriesApproximate:
		parts = append(parts, "калории примерно")
	}
	switch f.PortionsMode {
	case profile.PortionsGrams:
		parts = append(parts, "порции в граммах")
	case profile.PortionsEyeballed:
		parts = append(parts, "порции на глаз")
	}
	if f.MealsPerDay > 0 {
		parts = append(parts, "приёмов пищи в день: "+strconv.Itoa(f.MealsPerDay))
	}
	if len(parts) == 0 {
		return ""
	}
	return "Формат питания: " + strings.Join(parts, ", ")
}

func number(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
