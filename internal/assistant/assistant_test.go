package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vnorme/vnorme-bot/internal/bus"
	"github.com/vnorme/vnorme-bot/internal/clock"
	"github.com/vnorme/vnorme-bot/internal/extract"
	"github.com/vnorme/vnorme-bot/internal/llm"
	"github.com/vnorme/vnorme-bot/internal/profile"
	"github.com/vnorme/vnorme-bot/internal/prompts"
)

var t0 = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

type mockGenerator struct {
	mu    sync.Mutex
	fn    func(req llm.Request) (string, error)
	calls []llm.Request
}

func (m *mockGenerator) Generate(_ context.Context, req llm.Request) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	fn := m.fn
	m.mu.Unlock()
	if fn == nil {
		return "Отличный план!", nil
	}
	return fn(req)
}

func (m *mockGenerator) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockGenerator) last() llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[len(m.calls)-1]
}

type mockTranscriber struct {
	text  string
	err   error
	calls int
}

func (m *mockTranscriber) Transcribe(_ context.Context, audio []byte, filename, mime string) (string, error) {
	m.calls++
	return m.text, m.err
}

type mockVision struct {
	text     string
	err      error
	calls    int
	lastMIME string
}

func (m *mockVision) Describe(_ context.Context, image []byte, mime, caption string) (string, error) {
	m.calls++
	m.lastMIME = mime
	return m.text, m.err
}

type mockRetention struct {
	store    profile.Store
	resets   []string
	persists int
}

func (m *mockRetention) Reset(id string) bool {
	m.resets = append(m.resets, id)
	return m.store.Delete(id)
}

func (m *mockRetention) Persist() { m.persists++ }

type fixture struct {
	a     *Assistant
	store *profile.MemoryStore
	ret   *mockRetention
	gen   *mockGenerator
	tr    *mockTranscriber
	vis   *mockVision
	clk   *clock.Fake
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		store: profile.NewMemoryStore(),
		gen:   &mockGenerator{},
		tr:    &mockTranscriber{text: "Сегодня съела салат"},
		vis:   &mockVision{text: "Тарелка гречки с курицей, около 350 ккал"},
		clk:   clock.NewFake(t0),
	}
	f.ret = &mockRetention{store: f.store}
	opts := Options{
		Store:           f.store,
		Retention:       f.ret,
		Generator:       f.gen,
		Transcriber:     f.tr,
		Vision:          f.vis,
		Clock:           f.clk,
		Location:        time.UTC,
		HistoryLimit:    12,
		MaxTokens:       700,
		Temperature:     0.7,
		PhotoDailyLimit: 5,
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.a = New(opts)
	return f
}

func textMsg(text string) bus.InboundMessage {
	return bus.InboundMessage{Channel: "telegram", ChatID: "1", SenderID: "1", Content: text, Kind: bus.KindText}
}

type fetchCounter struct{ n int }

func (c *fetchCounter) attachment(data []byte) *bus.Attachment {
	return &bus.Attachment{
		FileID: "file",
		Fetch: func(context.Context) ([]byte, error) {
			c.n++
			return data, nil
		},
	}
}

func photoMsg(caption string, att *bus.Attachment) bus.InboundMessage {
	return bus.InboundMessage{Channel: "telegram", ChatID: "1", Content: caption, Kind: bus.KindPhoto, Photo: att}
}

func TestHandle_EndToEndScenario(t *testing.T) {
	f := newFixture(t, nil)

	res := f.a.Handle(context.Background(), textMsg("Мне 49 лет, рост 170 см, вес 64.5 кг, хочу похудеть"))
	if res.State != StatePersisted || res.Err != nil {
		t.Fatalf("result = %+v", res)
	}
	if res.Reply != "Отличный план!" || res.TurnID == "" {
		t.Errorf("reply = %q turn = %q", res.Reply, res.TurnID)
	}

	rec, ok := f.store.Get("telegram:1")
	if !ok {
		t.Fatal("record not stored")
	}
	p := rec.Profile
	if p.Age == nil || *p.Age != 49 || p.HeightCm == nil || *p.HeightCm != 170 || p.WeightKg == nil || *p.WeightKg != 64.5 || p.Goal != profile.GoalReduce {
		t.Errorf("profile = %+v", p)
	}
	if len(rec.History) != 2 || rec.History[0].Role != profile.RoleUser || rec.History[1].Role != profile.RoleAssistant {
		t.Errorf("history = %+v", rec.History)
	}
	if f.ret.persists != 1 {
		t.Errorf("persists = %d, want 1", f.ret.persists)
	}

	req := f.gen.last()
	if len(req.Messages) != 3 {
		t.Fatalf("messages = %+v", req.Messages)
	}
	if req.Messages[0].Role != llm.RoleSystem || req.Messages[0].Content != prompts.Default().Persona {
		t.Error("first message should be the persona")
	}
	memory := req.Messages[1].Content
	for _, want := range []string{"возраст 49", "рост 170 см", "вес 64.5 кг", "цель снижение"} {
		if !strings.Contains(memory, want) {
			t.Errorf("memory block %q missing %q", memory, want)
		}
	}
	if req.Messages[2].Role != llm.RoleUser {
		t.Errorf("last message role = %q", req.Messages[2].Role)
	}
	if req.MaxTokens != 700 || req.Temperature != 0.7 {
		t.Errorf("request params = %d / %v", req.MaxTokens, req.Temperature)
	}
}

func TestHandle_PlaceholderForEmptyMemory(t *testing.T) {
	f := newFixture(t, nil)
	f.a.Handle(context.Background(), textMsg("привет"))
	memory := f.gen.last().Messages[1].Content
	if !strings.Contains(memory, prompts.Default().NoData) {
		t.Errorf("memory block = %q, want placeholder", memory)
	}
}

func TestHandle_GeneratorFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.gen.fn = func(llm.Request) (string, error) { return "", errors.New("status 500") }

	res := f.a.Handle(context.Background(), textMsg("вес 80 кг"))
	if res.State != StateFailed || res.Err == nil {
		t.Fatalf("result = %+v", res)
	}
	if res.Reply != prompts.Default().Apology {
		t.Errorf("reply = %q", res.Reply)
	}
	if f.gen.count() != 1 {
		t.Errorf("generator calls = %d, want exactly 1", f.gen.count())
	}
	rec, _ := f.store.Get("telegram:1")
	if len(rec.History) != 1 || rec.History[0].Role != profile.RoleUser {
		t.Errorf("history = %+v, want only the user turn", rec.History)
	}
	if rec.Profile.WeightKg == nil || *rec.Profile.WeightKg != 80 {
		t.Error("cheap extraction should survive a failed reply")
	}
}

func TestHandle_EmptyReplyIsFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.gen.fn = func(llm.Request) (string, error) { return "   ", nil }

	res := f.a.Handle(context.Background(), textMsg("привет"))
	if res.State != StateFailed || !errors.Is(res.Err, llm.ErrEmptyCompletion) {
		t.Errorf("result = %+v", res)
	}
}

func TestHandle_ResetStartsFresh(t *testing.T) {
	f := newFixture(t, nil)
	f.a.Handle(context.Background(), textMsg("Мне 49 лет, у меня диагноз гастрит"))

	for _, phrase := range []string{"/reset", "  СБРОС ", "Начать   заново", "забудь меня", "/reset@vnorme_bot"} {
		f.a.Handle(context.Background(), textMsg("рост 170"))
		res := f.a.Handle(context.Background(), textMsg(phrase))
		if res.Reply != prompts.Default().ResetDone || res.State != StatePersisted {
			t.Errorf("%q: result = %+v", phrase, res)
		}
		if _, ok := f.store.Get("telegram:1"); ok {
			t.Errorf("%q: record survived reset", phrase)
		}
	}

	calls := f.gen.count()
	f.a.Handle(context.Background(), textMsg("привет"))
	rec, _ := f.store.Get("telegram:1")
	if rec.Profile.Age != nil || rec.Profile.HeightCm != nil || len(rec.Health.Conditions) != 0 {
		t.Errorf("record after reset = %+v", rec)
	}
	if len(rec.History) != 2 {
		t.Errorf("history = %d entries, want only the new exchange", len(rec.History))
	}
	if f.gen.count() != calls+1 {
		t.Error("reset phrases must not reach the generator")
	}
	if len(f.ret.resets) != 5 {
		t.Errorf("resets = %v", f.ret.resets)
	}
}

func TestHandle_ResetPhraseInsideSentenceIsNotReset(t *testing.T) {
	f := newFixture(t, nil)
	f.a.Handle(context.Background(), textMsg("как сделать сброс веса?"))
	if len(f.ret.resets) != 0 {
		t.Error("reset triggered by a sentence")
	}
}

func TestHandle_ResetWithArgumentsIsNotReset(t *testing.T) {
	f := newFixture(t, nil)
	f.a.Handle(context.Background(), textMsg("мне 40 лет"))
	f.a.Handle(context.Background(), textMsg("/reset что-нибудь"))
	if len(f.ret.resets) != 0 {
		t.Error("reset triggered by a command with arguments")
	}
	if _, ok := f.store.Get("telegram:1"); !ok {
		t.Error("record was deleted")
	}
}

func TestHandle_StartWithPayload(t *testing.T) {
	f := newFixture(t, nil)
	res := f.a.Handle(context.Background(), textMsg("/start promo"))
	if res.Reply != prompts.Default().Greeting || f.gen.count() != 0 {
		t.Errorf("reply = %q, generator calls = %d", res.Reply, f.gen.count())
	}
}

func TestHandle_Start(t *testing.T) {
	f := newFixture(t, nil)
	res := f.a.Handle(context.Background(), textMsg("/start"))
	if res.Reply != prompts.Default().Greeting {
		t.Errorf("reply = %q", res.Reply)
	}
	if f.gen.count() != 0 {
		t.Error("/start must not call the generator")
	}
	if _, ok := f.store.Get("telegram:1"); !ok {
		t.Error("/start should create the record")
	}
}

func TestHandle_EmptyText(t *testing.T) {
	f := newFixture(t, nil)
	res := f.a.Handle(context.Background(), textMsg("   "))
	if res.State != StateFailed || res.Reply == "" {
		t.Errorf("result = %+v", res)
	}
	if f.store.Len() != 0 {
		t.Error("empty message should not create a record")
	}
}

func TestHandle_Voice(t *testing.T) {
	f := newFixture(t, nil)
	var fc fetchCounter
	msg := bus.InboundMessage{Channel: "telegram", ChatID: "1", Kind: bus.KindVoice, Voice: fc.attachment([]byte("OggS"))}

	res := f.a.Handle(context.Background(), msg)
	if res.State != StatePersisted {
		t.Fatalf("result = %+v", res)
	}
	rec, _ := f.store.Get("telegram:1")
	if rec.History[0].Content != "Сегодня съела салат" {
		t.Errorf("user turn = %q, want transcript", rec.History[0].Content)
	}
	if fc.n != 1 || f.tr.calls != 1 {
		t.Errorf("fetch = %d transcribe = %d", fc.n, f.tr.calls)
	}
}

func TestHandle_VoiceFailures(t *testing.T) {
	tests := []struct {
		name string
		text string
		err  error
	}{
		{"error", "", errors.New("whisper down")},
		{"empty transcript", "  ", nil},
	}
	for _, tt := range tests {
		f := newFixture(t, nil)
		f.tr.text, f.tr.err = tt.text, tt.err
		var fc fetchCounter
		msg := bus.InboundMessage{Channel: "telegram", ChatID: "1", Kind: bus.KindVoice, Voice: fc.attachment([]byte("OggS"))}

		res := f.a.Handle(context.Background(), msg)
		if res.State != StateFailed || res.Reply != prompts.Default().VoiceFailed {
			t.Errorf("%s: result = %+v", tt.name, res)
		}
		if f.gen.count() != 0 {
			t.Errorf("%s: generator should not be called", tt.name)
		}
		rec, _ := f.store.Get("telegram:1")
		if len(rec.History) != 0 {
			t.Errorf("%s: history = %+v", tt.name, rec.History)
		}
	}
}

func TestHandle_PhotoTurn(t *testing.T) {
	f := newFixture(t, nil)
	var fc fetchCounter
	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0, 0x10, 'J', 'F', 'I', 'F'}

	res := f.a.Handle(context.Background(), photoMsg("мой обед", fc.attachment(jpeg)))
	if res.State != StatePersisted {
		t.Fatalf("result = %+v", res)
	}
	if f.vis.lastMIME != "image/jpeg" {
		t.Errorf("mime = %q", f.vis.lastMIME)
	}

	rec, _ := f.store.Get("telegram:1")
	if !strings.HasPrefix(rec.History[0].Content, "[Фото] мой обед") || !strings.Contains(rec.History[0].Content, "гречки") {
		t.Errorf("user turn = %q", rec.History[0].Content)
	}
	if rec.Photos.Day != "2026-05-10" || rec.Photos.Count != 1 {
		t.Errorf("photos = %+v", rec.Photos)
	}

	msgs := f.gen.last().Messages
	lastMsg := msgs[len(msgs)-1]
	if lastMsg.Role != llm.RoleSystem || lastMsg.Content != prompts.Default().PhotoNote {
		t.Errorf("last message = %+v, want photo note", lastMsg)
	}
}

func TestHandle_PhotoFailureKeepsCounter(t *testing.T) {
	f := newFixture(t, nil)
	f.vis.err = errors.New("vision 400")
	var fc fetchCounter

	res := f.a.Handle(context.Background(), photoMsg("", fc.attachment([]byte("img"))))
	if res.State != StateFailed || res.Reply != prompts.Default().PhotoFailed {
		t.Fatalf("result = %+v", res)
	}
	rec, _ := f.store.Get("telegram:1")
	if rec.Photos.Count != 0 {
		t.Errorf("photo counted despite failure: %+v", rec.Photos)
	}
}

func TestHandle_PhotoDailyCap(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.PhotoDailyLimit = 2 })
	var fc fetchCounter
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if res := f.a.Handle(ctx, photoMsg("", fc.attachment([]byte("img")))); res.State != StatePersisted {
			t.Fatalf("photo %d: %+v", i, res)
		}
		f.clk.Advance(time.Hour)
	}

	res := f.a.Handle(ctx, photoMsg("", fc.attachment([]byte("img"))))
	if res.Reply != prompts.Default().PhotoLimitText(2) {
		t.Errorf("reply = %q, want limit text", res.Reply)
	}
	if fc.n != 2 || f.vis.calls != 2 {
		t.Errorf("fetch = %d vision = %d, want no work past the cap", fc.n, f.vis.calls)
	}
	if f.gen.count() != 2 {
		t.Errorf("generator calls = %d", f.gen.count())
	}

	f.clk.Set(time.Date(2026, 5, 11, 0, 5, 0, 0, time.UTC))
	if res := f.a.Handle(ctx, photoMsg("", fc.attachment([]byte("img")))); res.State != StatePersisted {
		t.Errorf("new day should reset the cap: %+v", res)
	}
	rec, _ := f.store.Get("telegram:1")
	if rec.Photos.Day != "2026-05-11" || rec.Photos.Count != 1 {
		t.Errorf("photos = %+v", rec.Photos)
	}
}

func TestHandle_PhotoDayUsesConfiguredZone(t *testing.T) {
	msk := time.FixedZone("MSK", 3*60*60)
	f := newFixture(t, func(o *Options) { o.Location = msk })
	f.clk.Set(time.Date(2026, 5, 10, 22, 30, 0, 0, time.UTC))
	var fc fetchCounter

	f.a.Handle(context.Background(), photoMsg("", fc.attachment([]byte("img"))))
	rec, _ := f.store.Get("telegram:1")
	if rec.Photos.Day != "2026-05-11" {
		t.Errorf("day = %q, want the local calendar day", rec.Photos.Day)
	}
}

func TestHandle_HistoryBounded(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.HistoryLimit = 4 })
	for i := 0; i < 10; i++ {
		f.a.Handle(context.Background(), textMsg(fmt.Sprintf("сообщение %d", i)))
		rec, _ := f.store.Get("telegram:1")
		if len(rec.History) > 4 {
			t.Fatalf("history = %d after turn %d", len(rec.History), i)
		}
	}
	req := f.gen.last()
	if len(req.Messages) != 2+4 {
		t.Errorf("context = %d messages, want persona + memory + 4 history", len(req.Messages))
	}
}

func TestHandle_AssistedExtractionRateLimited(t *testing.T) {
	gen := &mockGenerator{}
	gen.fn = func(req llm.Request) (string, error) {
		if req.Temperature == 0 {
			return `{"medications": ["эутирокс"], "conditions": ["гипотиреоз"]}`, nil
		}
		return "Понял.", nil
	}
	f := newFixture(t, func(o *Options) {
		o.Generator = gen
		o.Assisted = extract.NewAssisted(gen)
	})
	msg := "Эндокринолог поставил диагноз гипотиреоз, теперь принимаю гормоны каждое утро"

	f.a.Handle(context.Background(), textMsg(msg))
	if gen.count() != 2 {
		t.Fatalf("generator calls = %d, want extraction + reply", gen.count())
	}
	rec, _ := f.store.Get("telegram:1")
	if !contains(rec.Health.Medications, "эутирокс") || !contains(rec.Health.Conditions, "гипотиреоз") {
		t.Errorf("health = %+v", rec.Health)
	}
	if !strings.Contains(gen.last().Messages[1].Content, "эутирокс") {
		t.Error("assisted facts should reach this turn's memory block")
	}

	f.clk.Advance(5 * time.Minute)
	f.a.Handle(context.Background(), textMsg(msg))
	if gen.count() != 3 {
		t.Errorf("generator calls = %d, want no extraction inside cooldown", gen.count())
	}

	f.clk.Advance(6 * time.Minute)
	f.a.Handle(context.Background(), textMsg(msg))
	if gen.count() != 5 {
		t.Errorf("generator calls = %d, want extraction after cooldown", gen.count())
	}
}

func TestHandle_AssistedFailureDoesNotFailTurn(t *testing.T) {
	gen := &mockGenerator{}
	gen.fn = func(req llm.Request) (string, error) {
		if req.Temperature == 0 {
			return "", errors.New("timeout")
		}
		return "Ок", nil
	}
	f := newFixture(t, func(o *Options) {
		o.Generator = gen
		o.Assisted = extract.NewAssisted(gen)
	})

	res := f.a.Handle(context.Background(), textMsg("У меня диабет второго типа, принимаю метформин два раза в день"))
	if res.State != StatePersisted || res.Reply != "Ок" {
		t.Fatalf("result = %+v", res)
	}
	rec, _ := f.store.Get("telegram:1")
	if len(rec.Health.Conditions) == 0 || len(rec.Health.Medications) == 0 {
		t.Errorf("cheap tier results lost: %+v", rec.Health)
	}
	if rec.LastExtractAt.IsZero() {
		t.Error("cooldown should be stamped even on failure")
	}
}

func TestHandle_SeparateIdentities(t *testing.T) {
	f := newFixture(t, nil)
	f.a.Handle(context.Background(), textMsg("вес 80 кг"))
	other := textMsg("вес 55 кг")
	other.ChatID = "2"
	f.a.Handle(context.Background(), other)

	a, _ := f.store.Get("telegram:1")
	b, _ := f.store.Get("telegram:2")
	if *a.Profile.WeightKg != 80 || *b.Profile.WeightKg != 55 {
		t.Errorf("weights = %v / %v", *a.Profile.WeightKg, *b.Profile.WeightKg)
	}
}

func TestNew_Defaults(t *testing.T) {
	a := New(Options{Generator: &mockGenerator{}})
	if a.historyLimit != profile.DefaultHistoryLimit || a.maxTokens != DefaultMaxTokens {
		t.Errorf("defaults = %d / %d", a.historyLimit, a.maxTokens)
	}
	a = New(Options{HistoryLimit: 1})
	if a.historyLimit != profile.MinHistoryLimit {
		t.Errorf("historyLimit = %d, want clamped", a.historyLimit)
	}
	res := a.Handle(context.Background(), textMsg("привет"))
	if !errors.Is(res.Err, ErrNoGenerator) || res.Reply == "" {
		t.Errorf("result without generator = %+v", res)
	}
}

func TestCommandOf(t *testing.T) {
	tests := map[string]string{
		"/reset":                "/reset",
		"/Reset@VNormeBot":      "/reset",
		"/start promo":          "/start promo",
		"/reset@vnorme_bot всё": "/reset всё",
		"  Забудь   МЕНЯ  ":     "забудь меня",
		"начать заново":         "начать заново",
		"сброс веса за неделю?": "сброс веса за неделю?",
	}
	for in, want := range tests {
		if got := commandOf(in); got != want {
			t.Errorf("commandOf(%q) = %q, want %q", in, got, want)
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
