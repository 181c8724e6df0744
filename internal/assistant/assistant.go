// Package assistant runs one inbound message through the conversation
// pipeline: resolve media, extract facts, build context, reply, persist.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/vnorme/vnorme-bot/internal/bus"
	"github.com/vnorme/vnorme-bot/internal/clock"
	"github.com/vnorme/vnorme-bot/internal/extract"
	"github.com/vnorme/vnorme-bot/internal/llm"
	"github.com/vnorme/vnorme-bot/internal/logging"
	"github.com/vnorme/vnorme-bot/internal/profile"
	"github.com/vnorme/vnorme-bot/internal/prompts"
	"github.com/vnorme/vnorme-bot/internal/summary"
)

type State string

const (
	StateReceived     State = "RECEIVED"
	StateEnriched     State = "ENRICHED"
	StateContextBuilt State = "CONTEXT_BUILT"
	StateReplied      State = "REPLIED"
	StatePersisted    State = "PERSISTED"
	StateFailed       State = "FAILED"
)

const (
	DefaultMaxTokens = 700
	dayLayout        = "2006-01-02"
)

var (
	ErrNoTranscriber = errors.New("transcription not configured")
	ErrNoVision      = errors.New("image description not configured")
	ErrEmptyMessage  = errors.New("empty message")
	ErrEmptyMedia    = errors.New("empty transcript")
	ErrNoGenerator   = errors.New("reply generator not configured")
)

var resetPhrases = map[string]bool{
	"/reset":        true,
	"сброс":         true,
	"начать заново": true,
	"забудь меня":   true,
}

// Result is the outcome of one turn. Reply is always user-presentable, also
// when State is FAILED.
type Result struct {
	TurnID string
	Reply  string
	State  State
	Err    error
}

// Retention is the part of the retention manager the pipeline needs.
type Retention interface {
	Reset(id string) bool
	Persist()
}

type Options struct {
	Store       profile.Store
	Retention   Retention
	Generator   llm.Generator
	Transcriber llm.Transcriber
	Vision      llm.Vision
	Prompts     prompts.Pack
	Pipeline    extract.Pipeline
	Assisted    *extract.Assisted
	Clock       clock.Clock
	Location    *time.Location

	HistoryLimit    int
	MaxTokens       int
	Temperature     float64
	PhotoDailyLimit int
}

type Assistant struct {
	store       profile.Store
	retention   Retention
	gen         llm.Generator
	transcriber llm.Transcriber
	vision      llm.Vision
	prompts     prompts.Pack
	pipeline    extract.Pipeline
	assisted    *extract.Assisted
	clock       clock.Clock
	loc         *time.Location

	historyLimit int
	maxTokens    int
	temperature  float64
	photoLimit   int

	logger *log.Logger
}

func New(opts Options) *Assistant {
	a := &Assistant{
		store:        opts.Store,
		retention:    opts.Retention,
		gen:          opts.Generator,
		transcriber:  opts.Transcriber,
		vision:       opts.Vision,
		prompts:      opts.Prompts,
		pipeline:     opts.Pipeline,
		assisted:     opts.Assisted,
		clock:        opts.Clock,
		loc:          opts.Location,
		historyLimit: opts.HistoryLimit,
		maxTokens:    opts.MaxTokens,
		temperature:  opts.Temperature,
		photoLimit:   opts.PhotoDailyLimit,
		logger:       logging.For("assistant"),
	}
	if a.store == nil {
		a.store = profile.NewMemoryStore()
	}
	if a.retention == nil {
		a.retention = storeOnly{a.store}
	}
	if a.prompts.Persona == "" {
		a.prompts = prompts.Default()
	}
	if a.pipeline == nil {
		a.pipeline = extract.DefaultPipeline()
	}
	if a.clock == nil {
		a.clock = clock.Real()
	}
	if a.loc == nil {
		a.loc = time.Local
	}
	if a.historyLimit <= 0 {
		a.historyLimit = profile.DefaultHistoryLimit
	}
	if a.historyLimit < profile.MinHistoryLimit {
		a.historyLimit = profile.MinHistoryLimit
	}
	if a.maxTokens <= 0 {
		a.maxTokens = DefaultMaxTokens
	}
	if a.photoLimit < 0 {
		a.photoLimit = 0
	}
	return a
}

// turn carries the state of one message through the pipeline.
type turn struct {
	id        string
	msg       bus.InboundMessage
	rec       *profile.Record
	now       time.Time
	userTurn  string
	extractOn string
	photo     bool
	state     State
	logger    *log.Logger
}

// Handle processes one message start to finish. It never returns an empty
// reply and never retries a collaborator.
func (a *Assistant) Handle(ctx context.Context, msg bus.InboundMessage) Result {
	t := &turn{
		id:    uuid.NewString(),
		msg:   msg,
		now:   a.clock.Now(),
		state: StateReceived,
	}
	key := msg.SessionKey()
	t.logger = a.logger.With("turn", t.id, "id", key)
	started := time.Now()

	res := a.run(ctx, t, key)
	res.TurnID = t.id
	if res.Err != nil {
		t.logger.Warn("turn failed", "state", res.State, "err", res.Err, "took", time.Since(started))
	} else {
		t.logger.Info("turn done", "kind", msg.MessageKind(), "state", res.State, "took", time.Since(started))
	}
	return res
}

func (a *Assistant) run(ctx context.Context, t *turn, key string) Result {
	kind := t.msg.MessageKind()
	text := strings.TrimSpace(t.msg.Content)

	if kind == bus.KindText {
		if text == "" {
			return Result{Reply: a.prompts.UnsupportedInput, State: StateFailed, Err: ErrEmptyMessage}
		}
		cmd := commandOf(text)
		if resetPhrases[cmd] {
			a.retention.Reset(key)
			return Result{Reply: a.prompts.ResetDone, State: StatePersisted}
		}
		if isStart(cmd) {
			t.rec = a.load(key, t.now)
			a.persist(t)
			return Result{Reply: a.prompts.Greeting, State: StatePersisted}
		}
	}

	t.rec = a.load(key, t.now)

	if res, ok := a.enrich(ctx, t, kind, text); !ok {
		a.persist(t)
		return res
	}
	a.advance(t, StateEnriched)

	msgs := a.buildContext(t)
	a.advance(t, StateContextBuilt)

	reply, err := a.generate(ctx, msgs)
	if err != nil {
		a.persist(t)
		return Result{Reply: a.prompts.Apology, State: StateFailed, Err: fmt.Errorf("generate reply: %w", err)}
	}
	t.rec.AppendHistory(profile.RoleAssistant, reply, a.clock.Now(), a.historyLimit)
	a.advance(t, StateReplied)

	a.persist(t)
	a.advance(t, StatePersisted)
	return Result{Reply: reply, State: StatePersisted}
}

func (a *Assistant) generate(ctx context.Context, msgs []llm.Message) (string, error) {
	if a.gen == nil {
		return "", ErrNoGenerator
	}
	reply, err := a.gen.Generate(ctx, llm.Request{
		Messages:    msgs,
		MaxTokens:   a.maxTokens,
		Temperature: a.temperature,
	})
	if err != nil {
		return "", err
	}
	if reply = strings.TrimSpace(reply); reply == "" {
		return "", llm.ErrEmptyCompletion
	}
	return reply, nil
}

// load returns a working copy of the record, creating it on first contact.
func (a *Assistant) load(key string, now time.Time) *profile.Record {
	rec, ok := a.store.Get(key)
	if !ok {
		rec = profile.NewRecord(key, now)
	}
	rec.Touch(now)
	return rec
}

func (a *Assistant) persist(t *turn) {
	a.store.Put(t.rec)
	a.retention.Persist()
}

func (a *Assistant) advance(t *turn, s State) {
	t.logger.Debug("state", "from", t.state, "to", s)
	t.state = s
}

// enrich resolves the message to text and runs extraction. ok is false when
// the turn ends here with a fixed reply.
func (a *Assistant) enrich(ctx context.Context, t *turn, kind bus.Kind, text string) (Result, bool) {
	switch kind {
	case bus.KindVoice:
		transcript, err := a.transcribe(ctx, t.msg.Voice)
		if err != nil {
			return Result{Reply: a.prompts.VoiceFailed, State: StateFailed, Err: fmt.Errorf("transcribe: %w", err)}, false
		}
		t.userTurn = transcript
		t.extractOn = transcript

	case bus.KindPhoto:
		day := t.now.In(a.loc).Format(dayLayout)
		if t.rec.PhotosUsed(day) >= a.photoLimit {
			t.logger.Info("photo cap reached", "day", day, "limit", a.photoLimit)
			return Result{Reply: a.prompts.PhotoLimitText(a.photoLimit), State: StatePersisted}, false
		}
		description, err := a.describe(ctx, t.msg.Photo, text)
		if err != nil {
			return Result{Reply: a.prompts.PhotoFailed, State: StateFailed, Err: fmt.Errorf("describe photo: %w", err)}, false
		}
		t.rec.CountPhoto(day)
		t.photo = true
		t.userTurn = photoTurn(a.prompts.PhotoTurnPrefix, text, description)
		t.extractOn = strings.TrimSpace(text + "\n" + description)

	default:
		t.userTurn = text
		t.extractOn = text
	}

	a.pipeline.Apply(t.rec, t.extractOn)
	if a.assisted.Eligible(t.rec, t.extractOn, t.now) {
		if _, err := a.assisted.Run(ctx, t.rec, t.extractOn, t.now); err != nil {
			t.logger.Warn("assisted extraction failed", "err", err)
		}
	}
	return Result{}, true
}

func (a *Assistant) transcribe(ctx context.Context, att *bus.Attachment) (string, error) {
	if a.transcriber == nil {
		return "", ErrNoTranscriber
	}
	audio, err := fetch(ctx, att)
	if err != nil {
		return "", err
	}
	name, mime := "voice.ogg", "audio/ogg"
	if att.FileName != "" {
		name = att.FileName
	}
	if att.MimeType != "" {
		mime = att.MimeType
	}
	transcript, err := a.transcriber.Transcribe(ctx, audio, name, mime)
	if err != nil {
		return "", err
	}
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return "", ErrEmptyMedia
	}
	return transcript, nil
}

func (a *Assistant) describe(ctx context.Context, att *bus.Attachment, caption string) (string, error) {
	if a.vision == nil {
		return "", ErrNoVision
	}
	image, err := fetch(ctx, att)
	if err != nil {
		return "", err
	}
	description, err := a.vision.Describe(ctx, image, llm.ImageMIME(image, att.MimeType), caption)
	if err != nil {
		return "", err
	}
	description = strings.TrimSpace(description)
	if description == "" {
		return "", llm.ErrEmptyCompletion
	}
	return description, nil
}

func fetch(ctx context.Context, att *bus.Attachment) ([]byte, error) {
	if att == nil || att.Fetch == nil {
		return nil, errors.New("attachment missing")
	}
	data, err := att.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("download: empty file")
	}
	return data, nil
}

// buildContext appends the user turn and assembles the model input: persona,
// memory digest, history, and the photo note when relevant.
func (a *Assistant) buildContext(t *turn) []llm.Message {
	t.rec.AppendHistory(profile.RoleUser, t.userTurn, t.now, a.historyLimit)

	digest := summary.OrPlaceholder(summary.Build(t.rec), a.prompts.NoData)
	msgs := make([]llm.Message, 0, len(t.rec.History)+3)
	msgs = append(msgs,
		llm.Message{Role: llm.RoleSystem, Content: a.prompts.Persona},
		llm.Message{Role: llm.RoleSystem, Content: a.prompts.MemoryBlock(digest)},
	)
	for _, m := range t.rec.History {
		msgs = append(msgs, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	if t.photo {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: a.prompts.PhotoNote})
	}
	return msgs
}

func photoTurn(prefix, caption, description string) string {
	var sb strings.Builder
	sb.WriteString(prefix)
	if caption != "" {
		sb.WriteString(" ")
		sb.WriteString(caption)
	}
	sb.WriteString("\nОписание фото: ")
	sb.WriteString(description)
	return sb.String()
}

// commandOf normalizes a text for command matching: case, ё, whitespace and
// a "@botname" suffix on a leading slash command. Arguments are kept, so
// matching stays exact.
func commandOf(text string) string {
	cmd := extract.Normalize(text)
	if !strings.HasPrefix(cmd, "/") {
		return cmd
	}
	head, rest, _ := strings.Cut(cmd, " ")
	if at := strings.Index(head, "@"); at > 0 {
		head = head[:at]
	}
	if rest == "" {
		return head
	}
	return head + " " + rest
}

// isStart accepts "/start" with or without a deep-link payload.
func isStart(cmd string) bool {
	return cmd == "/start" || strings.HasPrefix(cmd, "/start ")
}

// storeOnly stands in for the retention manager when none is wired.
type storeOnly struct {
	store profile.Store
}

func (s storeOnly) Reset(id string) bool { return s.store.Delete(id) }

func (storeOnly) Persist() {}
