package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/vnorme/vnorme-bot/internal/profile"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Extractor turns one message into a partial update. Extractors are pure and
// independent of each other.
type Extractor func(text string) Update

// Pipeline applies extractors in order, later results overriding earlier ones.
type Pipeline []Extractor

// DefaultPipeline is the always-on local extraction tier.
func DefaultPipeline() Pipeline {
	return Pipeline{
		TargetWeight,
		Height,
		Weight,
		Age,
		SexKeywords,
		GoalKeywords,
		DietaryRestrictions,
		Medications,
		Conditions,
		FoodFormat,
	}
}

func (p Pipeline) Run(text string) Update {
	var u Update
	if strings.TrimSpace(text) == "" {
		return u
	}
	for _, ex := range p {
		u = u.Merge(ex(text))
	}
	return u
}

// Apply runs the pipeline over text and writes the result into r.
func (p Pipeline) Apply(r *profile.Record, text string) Update {
	u := p.Run(text)
	Apply(r, u)
	return u
}

var lowerRU = cases.Lower(language.Russian)

var spaceRe = regexp.MustCompile(`\s+`)

// Normalize lower-cases text with Russian casing rules, folds ё into е and
// collapses whitespace.
func Normalize(text string) string {
	s := lowerRU.String(text)
	s = strings.ReplaceAll(s, "ё", "е")
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

const num = `(\d{2,3}(?:[.,]\d{1,2})?)`

var (
	targetPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?:похудеть|сбросить|скинуть|снизить вес|снизиться|опуститься|дойти|прийти)\s+до\s+` + num),
		regexp.MustCompile(`(?:^|[^\p{L}])до\s+` + num + `\s*(?:кг|kg|килограмм)`),
		regexp.MustCompile(`(?:целевой вес|желаемый вес|хочу весить|цель\s*[-:—]?)\s*:?\s*` + num),
	}
	heightPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?:^|[^\p{L}])рост(?:ом)?\s*[-:—]?\s*(\d{3})(?:[.,]\d)?(?:\D|$)`),
		regexp.MustCompile(`(?:^|[\D])(\d{3})(?:[.,]\d)?\s*(?:см|cm|сантиметр)(?:[^\p{L}]|$|ов|а)`),
	}
	weightPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?:^|[^\p{L}])вес(?:ом|у|а)?\s*[-:—]?\s*` + num + `(?:[^\d]|$)`),
		regexp.MustCompile(`(?:^|[^\d.,])` + num + `\s*(?:кг|kg|килограмм)`),
	}
	ageYearsRe = regexp.MustCompile(`(?:^|\D)(\d{1,3})\s*(?:лет|год|года)(?:[^\p{L}]|$)`)
	ageLeadRe  = regexp.MustCompile(`(?:^|[^\p{L}])(?:мне|возраст)\s*[-:—]?\s*(\d{2,3})(?:[^\d.,]|[.,](?:\D|$)|$)`)
	mealsRe    = regexp.MustCompile(`(\d{1,2})\s*(?:-?х\s*)?(?:раз(?:а)?\s*в\s*день|при[е]м\S*\s*(?:пищи|еды)|трапез\S*)`)

	caloriesExactRe  = regexp.MustCompile(`точн\S*\s+(?:подсчет\S*\s+)?калори|калори\S*\s+(?:считать\s+)?точн|считать калории точно`)
	caloriesApproxRe = regexp.MustCompile(`(?:примерн|приблизительн)\S*\s+(?:считать\s+)?калори|калори\S*\s+(?:считать\s+)?(?:примерн|приблизительн)`)
)

var (
	femaleKeywords = []string{"женщин", "девушк", "женского пола"}
	maleKeywords   = []string{"мужчин", "парень", "мужского пола"}

	goalKeywords = map[profile.Goal][]string{
		profile.GoalReduce:   {"похуд", "сбросить", "скинуть", "снизить вес", "уменьшить вес", "снижение веса"},
		profile.GoalGain:     {"набрать", "набор массы", "набор веса", "поправиться", "набрать вес"},
		profile.GoalMaintain: {"поддерживать вес", "поддержание веса", "поддержать вес", "сохранить вес", "удержать вес", "держать вес"},
	}

	restrictionTriggers = []string{"не ем", "не употребля", "аллерги", "непереносим", "не переношу", "веган", "вегетариан", "без глютен", "без лактоз", "без сахар", "халяль", "кошер"}
	medicationTriggers  = []string{"принимаю", "пью таблет", "таблетк", "препарат", "лекарств", "назначил", "инсулин", "витамин"}
	conditionTriggers   = []string{"диагноз", "диабет", "гипертони", "давлени", "гастрит", "щитовид", "гипотиреоз", "панкреатит", "болезн", "болит", "анеми", "холестерин", "подагр", "язв", "спкя"}

	targetQualifiers = []string{"до", "целевой", "желаемый", "целевой вес", "желаемый вес", "весить", "сбросить", "скинуть", "минус", "на"}

	portionsEyeballed = []string{"на глаз", "без весов", "без взвешивания"}
	portionsGrams     = []string{"в граммах", "граммовк", "взвешива", "по граммам"}
)

func TargetWeight(text string) Update {
	norm := Normalize(text)
	for _, re := range targetPatterns {
		if m := re.FindStringSubmatch(norm); m != nil {
			if v, ok := parseDecimal(m[1], 30, 300); ok {
				return Update{TargetWeightKg: &v}
			}
		}
	}
	return Update{}
}

func Height(text string) Update {
	norm := Normalize(text)
	for _, re := range heightPatterns {
		if m := re.FindStringSubmatch(norm); m != nil {
			if v, ok := parseDecimal(m[1], 100, 250); ok {
				return Update{HeightCm: &v}
			}
		}
	}
	return Update{}
}

// Weight reads the current weight. Numbers that belong to a target ("до 60
// кг", "целевой вес 60") are skipped.
func Weight(text string) Update {
	norm := Normalize(text)
	for _, re := range weightPatterns {
		for _, loc := range re.FindAllStringSubmatchIndex(norm, -1) {
			if precededBy(norm[:loc[0]], targetQualifiers...) {
				continue
			}
			if v, ok := parseDecimal(norm[loc[2]:loc[3]], 30, 300); ok {
				return Update{WeightKg: &v}
			}
		}
	}
	return Update{}
}

func Age(text string) Update {
	norm := Normalize(text)
	if m := ageYearsRe.FindStringSubmatch(norm); m != nil {
		if v, ok := parseInt(m[1], 10, 120); ok {
			return Update{Age: &v}
		}
	}
	for _, loc := range ageLeadRe.FindAllStringSubmatchIndex(norm, -1) {
		rest := strings.TrimSpace(norm[loc[3]:])
		if hasAnyPrefix(rest, "кг", "kg", "см", "cm", "килограмм", "сантиметр", "раз") {
			continue
		}
		if v, ok := parseInt(norm[loc[2]:loc[3]], 10, 120); ok {
			return Update{Age: &v}
		}
	}
	return Update{}
}

func SexKeywords(text string) Update {
	norm := Normalize(text)
	if containsAny(norm, femaleKeywords) {
		return Update{Sex: profile.SexFemale}
	}
	if containsAny(norm, maleKeywords) {
		return Update{Sex: profile.SexMale}
	}
	return Update{}
}

// GoalKeywords picks the goal whose keyword appears first in the message.
func GoalKeywords(text string) Update {
	norm := Normalize(text)
	best, bestIdx := profile.Goal(""), -1
	for _, goal := range []profile.Goal{profile.GoalReduce, profile.GoalGain, profile.GoalMaintain} {
		for _, kw := range goalKeywords[goal] {
			if idx := strings.Index(norm, kw); idx >= 0 && (bestIdx < 0 || idx < bestIdx) {
				best, bestIdx = goal, idx
			}
		}
	}
	return Update{Goal: best}
}

// DietaryRestrictions stores the whole message when it mentions a restriction.
func DietaryRestrictions(text string) Update {
	if containsAny(Normalize(text), restrictionTriggers) {
		return Update{Preferences: []string{strings.TrimSpace(text)}}
	}
	return Update{}
}

func Medications(text string) Update {
	if containsAny(Normalize(text), medicationTriggers) {
		return Update{Medications: []string{strings.TrimSpace(text)}}
	}
	return Update{}
}

func Conditions(text string) Update {
	if containsAny(Normalize(text), conditionTriggers) {
		return Update{Conditions: []string{strings.TrimSpace(text)}}
	}
	return Update{}
}

func FoodFormat(text string) Update {
	norm := Normalize(text)
	var u Update
	switch {
	case caloriesExactRe.MatchString(norm):
		u.CaloriesMode = profile.CaloriesExact
	case caloriesApproxRe.MatchString(norm):
		u.CaloriesMode = profile.CaloriesApproximate
	}
	switch {
	case containsAny(norm, portionsEyeballed):
		u.PortionsMode = profile.PortionsEyeballed
	case containsAny(norm, portionsGrams):
		u.PortionsMode = profile.PortionsGrams
	}
	if m := mealsRe.FindStringSubmatch(norm); m != nil {
		if v, ok := parseInt(m[1], 1, 10); ok {
			u.MealsPerDay = &v
		}
	}
	return u
}

func parseDecimal(s string, min, max float64) (float64, bool) {
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
	if err != nil || v < min || v > max {
		return 0, false
	}
	return v, true
}

func parseInt(s string, min, max int) (int, bool) {
	v, err := strconv.Atoi(s)
	if err != nil || v < min || v > max {
		return 0, false
	}
	return v, true
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// precededBy reports whether the text right before a match ends with one of
// the given words.
func precededBy(before string, words ...string) bool {
	before = strings.TrimRight(before, " :-—")
	for _, w := range words {
		if before == w || strings.HasSuffix(before, " "+w) {
			return true
		}
	}
	return false
}
