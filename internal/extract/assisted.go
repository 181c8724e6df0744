package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/vnorme/vnorme-bot/internal/llm"
	"github.com/vnorme/vnorme-bot/internal/logging"
	"github.com/vnorme/vnorme-bot/internal/profile"
)

const (
	DefaultCooldown  = 10 * time.Minute
	DefaultMinRunes  = 40
	defaultMaxTokens = 300
)

const extractionInstruction = `Ты извлекаешь факты о пользователе из одного сообщения для дневника питания.
Верни ТОЛЬКО JSON-объект без пояснений. Допустимые поля (любое можно пропустить):
{"height_cm": число, "weight_kg": число, "target_weight_kg": число, "age": целое,
 "sex": "female"|"male", "goal": "reduce"|"gain"|"maintain",
 "conditions": [строки], "medications": [строки], "preferences": [строки],
 "food_format": {"calories": "exact"|"approximate", "portions": "grams"|"eyeballed", "meals_per_day": целое}}
Если JSON вернуть нельзя, используй строки вида "поле: значение", например:
age: 49
medications: метформин, эутирокс
food_format: calories=exact, portions=grams, meals=3
Не выдумывай: указывай только то, что прямо сказано в сообщении.`

const extractionSchema = `{
  "type": "object",
  "properties": {
    "height_cm": {"type": ["number", "string", "null"]},
    "weight_kg": {"type": ["number", "string", "null"]},
    "target_weight_kg": {"type": ["number", "string", "null"]},
    "age": {"type": ["number", "string", "null"]},
    "sex": {"type": ["string", "null"]},
    "goal": {"type": ["string", "null"]},
    "conditions": {"type": ["array", "null"], "items": {"type": "string"}},
    "medications": {"type": ["array", "null"], "items": {"type": "string"}},
    "preferences": {"type": ["array", "null"], "items": {"type": "string"}},
    "food_format": {
      "type": ["object", "null"],
      "properties": {
        "calories": {"type": ["string", "null"]},
        "portions": {"type": ["string", "null"]},
        "meals_per_day": {"type": ["number", "string", "null"]}
      }
    }
  }
}`

var schema = jsonschema.MustCompileString("extraction.json", extractionSchema)

var assistedTriggers = []string{
	"диагноз", "диабет", "гипертони", "давлени", "гастрит", "щитовид", "гипотиреоз", "панкреатит",
	"болезн", "болит", "анеми", "холестерин", "подагр", "язв", "спкя", "анализ", "врач", "эндокринолог",
	"принимаю", "таблет", "препарат", "лекарств", "назначил", "инсулин", "аллерги", "непереносим",
}

// Assisted is the model-backed extraction tier. It is throttled per record
// through Record.LastExtractAt.
type Assisted struct {
	gen       llm.Generator
	cooldown  time.Duration
	minRunes  int
	maxTokens int
	logger    *log.Logger
}

func NewAssisted(gen llm.Generator) *Assisted {
	return &Assisted{
		gen:       gen,
		cooldown:  DefaultCooldown,
		minRunes:  DefaultMinRunes,
		maxTokens: defaultMaxTokens,
		logger:    logging.For("extract"),
	}
}

// Eligible reports whether a model call is allowed for this message now.
func (a *Assisted) Eligible(r *profile.Record, text string, now time.Time) bool {
	if a == nil || a.gen == nil || r == nil {
		return false
	}
	if utf8.RuneCountInString(strings.TrimSpace(text)) < a.minRunes {
		return false
	}
	if !containsAny(Normalize(text), assistedTriggers) {
		return false
	}
	return r.LastExtractAt.IsZero() || now.Sub(r.LastExtractAt) >= a.cooldown
}

// Run stamps the cooldown, asks the model and applies whatever it could
// parse. The stamp stays even when the call fails.
func (a *Assisted) Run(ctx context.Context, r *profile.Record, text string, now time.Time) (Update, error) {
	r.LastExtractAt = now

	raw, err := a.gen.Generate(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: extractionInstruction},
			{Role: llm.RoleUser, Content: text},
		},
		MaxTokens:   a.maxTokens,
		Temperature: 0,
	})
	if err != nil {
		return Update{}, fmt.Errorf("assisted extraction: %w", err)
	}

	u, err := ParseResponse(raw)
	if err != nil {
		a.logger.Warn("discarding structured response", "err", err)
	}
	Apply(r, u)
	return u, nil
}

var fenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// ParseResponse reads a model extraction reply. A JSON object is checked
// against the schema and then field by field; anything else goes through the
// "field: value" line format. Bad fields are skipped. The returned error
// only describes a rejected JSON document; the update is still usable.
func ParseResponse(raw string) (Update, error) {
	body := strings.TrimSpace(raw)
	if m := fenceRe.FindStringSubmatch(body); m != nil {
		body = strings.TrimSpace(m[1])
	}
	if start, end := strings.Index(body, "{"), strings.LastIndex(body, "}"); start >= 0 && end > start {
		var doc any
		if err := json.Unmarshal([]byte(body[start:end+1]), &doc); err == nil {
			if err := schema.Validate(doc); err != nil {
				return parseLines(raw), fmt.Errorf("schema: %w", err)
			}
			if obj, ok := doc.(map[string]any); ok {
				return fromJSON(obj), nil
			}
		}
	}
	return parseLines(raw), nil
}

func fromJSON(obj map[string]any) Update {
	var u Update
	u.HeightCm = numberField(obj["height_cm"], 100, 250)
	u.WeightKg = numberField(obj["weight_kg"], 30, 300)
	u.TargetWeightKg = numberField(obj["target_weight_kg"], 30, 300)
	u.Age = intField(obj["age"], 10, 120)
	u.Sex = parseSex(stringField(obj["sex"]))
	u.Goal = parseGoal(stringField(obj["goal"]))
	u.Conditions = listField(obj["conditions"])
	u.Medications = listField(obj["medications"])
	u.Preferences = listField(obj["preferences"])
	if ff, ok := obj["food_format"].(map[string]any); ok {
		u.CaloriesMode = parseCalories(stringField(ff["calories"]))
		u.PortionsMode = parsePortions(stringField(ff["portions"]))
		u.MealsPerDay = intField(ff["meals_per_day"], 1, 10)
	}
	return u
}

var (
	lineRe    = regexp.MustCompile(`^\s*[-*]?\s*([a-z_]+)\s*:\s*(.*?)\s*$`)
	decimalRe = regexp.MustCompile(`^\d{2,3}(?:[.,]\d{1,2})?$`)
	digitsRe  = regexp.MustCompile(`^\d{1,3}$`)
	kvRe      = regexp.MustCompile(`([a-z_]+)\s*=\s*([^,;\s]+)`)
)

func parseLines(raw string) Update {
	var u Update
	for _, line := range strings.Split(raw, "\n") {
		m := lineRe.FindStringSubmatch(line)
		if m == nil || m[2] == "" {
			continue
		}
		field, value := m[1], strings.Trim(m[2], `"'`)
		switch field {
		case "height_cm":
			u.HeightCm = decimalString(value, 100, 250)
		case "weight_kg":
			u.WeightKg = decimalString(value, 30, 300)
		case "target_weight_kg":
			u.TargetWeightKg = decimalString(value, 30, 300)
		case "age":
			u.Age = digitsString(value, 10, 120)
		case "sex":
			u.Sex = parseSex(value)
		case "goal":
			u.Goal = parseGoal(value)
		case "conditions":
			u.Conditions = splitItems(value)
		case "medications":
			u.Medications = splitItems(value)
		case "preferences":
			u.Preferences = splitItems(value)
		case "food_format":
			for _, kv := range kvRe.FindAllStringSubmatch(strings.ToLower(value), -1) {
				switch kv[1] {
				case "calories", "calories_mode":
					u.CaloriesMode = parseCalories(kv[2])
				case "portions", "portions_mode":
					u.PortionsMode = parsePortions(kv[2])
				case "meals", "meals_per_day":
					u.MealsPerDay = digitsString(kv[2], 1, 10)
				}
			}
		}
	}
	return u
}

func numberField(v any, min, max float64) *float64 {
	switch t := v.(type) {
	case float64:
		if t >= min && t <= max {
			return &t
		}
	case string:
		return decimalString(strings.TrimSpace(t), min, max)
	}
	return nil
}

func intField(v any, min, max int) *int {
	switch t := v.(type) {
	case float64:
		if n := int(t); float64(n) == t && n >= min && n <= max {
			return &n
		}
	case string:
		return digitsString(strings.TrimSpace(t), min, max)
	}
	return nil
}

func stringField(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func listField(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, it := range items {
		if s := stringField(it); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func decimalString(s string, min, max float64) *float64 {
	if !decimalRe.MatchString(s) {
		return nil
	}
	if v, ok := parseDecimal(s, min, max); ok {
		return &v
	}
	return nil
}

func digitsString(s string, min, max int) *int {
	if !digitsRe.MatchString(s) {
		return nil
	}
	if v, ok := parseInt(s, min, max); ok {
		return &v
	}
	return nil
}

func splitItems(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" && !isNone(p) {
			out = append(out, p)
		}
	}
	return out
}

func isNone(s string) bool {
	switch strings.ToLower(s) {
	case "-", "нет", "none", "null", "n/a":
		return true
	}
	return false
}

func parseSex(s string) profile.Sex {
	switch Normalize(s) {
	case "female", "f", "женский", "женщина", "ж":
		return profile.SexFemale
	case "male", "m", "мужской", "мужчина", "м":
		return profile.SexMale
	}
	return ""
}

func parseGoal(s string) profile.Goal {
	switch Normalize(s) {
	case "reduce", "lose", "снижение", "похудеть":
		return profile.GoalReduce
	case "gain", "набор", "набрать":
		return profile.GoalGain
	case "maintain", "поддержание", "поддерживать":
		return profile.GoalMaintain
	}
	return ""
}

func parseCalories(s string) profile.CaloriesMode {
	switch Normalize(s) {
	case "exact", "точно":
		return profile.CaloriesExact
	case "approximate", "approx", "примерно":
		return profile.CaloriesApproximate
	}
	return ""
}

func parsePortions(s string) profile.PortionsMode {
	switch Normalize(s) {
	case "grams", "г", "граммы":
		return profile.PortionsGrams
	case "eyeballed", "на глаз":
		return profile.PortionsEyeballed
	}
	return ""
}
