// Package prompts holds the persona instructions and every fixed text the
// bot sends, with optional overrides from a YAML file.
package prompts

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultPersona = `Ты — «В норме», дружелюбный ассистент по питанию и здоровому весу. Отвечай по-русски, коротко и по делу.
Помогай составлять рацион, оценивать калорийность блюд и держать курс на цель пользователя.
Учитывай данные из блока памяти: рост, вес, возраст, цель, ограничения, болезни и лекарства.
Если чего-то важного не хватает, задай один уточняющий вопрос.
Ты не врач: при тревожных симптомах советуй обратиться к специалисту и не меняй назначенное лечение.
Соблюдай формат питания пользователя: точные калории или примерные, граммы или «на глаз», число приёмов пищи.`

// Pack is the full set of texts. Empty fields in an override file keep the
// built-in value.
type Pack struct {
	Persona          string `yaml:"persona"`
	MemoryHeader     string `yaml:"memory_header"`
	NoData           string `yaml:"no_data"`
	PhotoNote        string `yaml:"photo_note"`
	PhotoTurnPrefix  string `yaml:"photo_turn_prefix"`
	Apology          string `yaml:"apology"`
	VoiceFailed      string `yaml:"voice_failed"`
	PhotoFailed      string `yaml:"photo_failed"`
	PhotoLimit       string `yaml:"photo_limit"`
	ResetDone        string `yaml:"reset_done"`
	Greeting         string `yaml:"greeting"`
	UnsupportedInput string `yaml:"unsupported_input"`
}

func Default() Pack {
	return Pack{
		Persona:          defaultPersona,
		MemoryHeader:     "Память о пользователе:",
		NoData:           "пока нет данных",
		PhotoNote:        "Пользователь прислал фото. Выше его описание; опирайся на него, оцени состав и калорийность и дай совет с учётом цели пользователя.",
		PhotoTurnPrefix:  "[Фото]",
		Apology:          "Извините, сейчас не получается ответить. Попробуйте ещё раз чуть позже.",
		VoiceFailed:      "Не удалось распознать голосовое сообщение. Попробуйте ещё раз или напишите текстом.",
		PhotoFailed:      "Не удалось разобрать фото. Попробуйте отправить его ещё раз или опишите блюдо словами.",
		PhotoLimit:       "На сегодня лимит анализа фото исчерпан (%d в день). Опишите блюдо текстом, и я помогу посчитать.",
		ResetDone:        "Готово, я всё забыл. Начнём заново: расскажите о себе и своей цели.",
		Greeting:         "Привет! Я «В норме», помогаю с питанием и весом. Расскажите рост, вес, возраст и цель, или пришлите фото еды.",
		UnsupportedInput: "Пока я понимаю только текст, голосовые и фото.",
	}
}

// Load returns the default pack overlaid with the YAML file at path. An
// empty path returns the defaults.
func Load(path string) (Pack, error) {
	pack := Default()
	if strings.TrimSpace(path) == "" {
		return pack, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return pack, fmt.Errorf("read prompts: %w", err)
	}
	var override Pack
	if err := yaml.Unmarshal(data, &override); err != nil {
		return pack, fmt.Errorf("parse prompts %s: %w", path, err)
	}
	pack.overlay(override)
	return pack, nil
}

func (p *Pack) overlay(o Pack) {
	set := func(dst *string, v string) {
		if strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(&p.Persona, o.Persona)
	set(&p.MemoryHeader, o.MemoryHeader)
	set(&p.NoData, o.NoData)
	set(&p.PhotoNote, o.PhotoNote)
	set(&p.PhotoTurnPrefix, o.PhotoTurnPrefix)
	set(&p.Apology, o.Apology)
	set(&p.VoiceFailed, o.VoiceFailed)
	set(&p.PhotoFailed, o.PhotoFailed)
	set(&p.PhotoLimit, o.PhotoLimit)
	set(&p.ResetDone, o.ResetDone)
	set(&p.Greeting, o.Greeting)
	set(&p.UnsupportedInput, o.UnsupportedInput)
}

// MemoryBlock renders the system message carrying the digest.
func (p Pack) MemoryBlock(digest string) string {
	if strings.TrimSpace(digest) == "" {
		digest = p.NoData
	}
	return p.MemoryHeader + "\n" + digest
}

// PhotoLimitText fills the daily cap into the limit message if it has a %d verb.
func (p Pack) PhotoLimitText(limit int) string {
	if strings.Contains(p.PhotoLimit, "%d") {
		return fmt.Sprintf(p.PhotoLimit, limit)
	}
	return p.PhotoLimit
}
