package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/vnorme/vnorme-bot/internal/bus"
	"github.com/vnorme/vnorme-bot/internal/channel"
	"github.com/vnorme/vnorme-bot/internal/config"
	"github.com/vnorme/vnorme-bot/internal/llm"
	"github.com/vnorme/vnorme-bot/internal/profile"
	"github.com/vnorme/vnorme-bot/internal/retention"
)

type mockGenerator struct {
	reply string
	err   error
}

func (m *mockGenerator) Generate(ctx context.Context, req llm.Request) (string, error) {
	return m.reply, m.err
}

type mockMedia struct{}

func (mockMedia) Transcribe(ctx context.Context, audio []byte, filename, mimeType string) (string, error) {
	return "голосовое сообщение", nil
}

func (mockMedia) Describe(ctx context.Context, image []byte, mimeType, caption string) (string, error) {
	return "салат", nil
}

func mockGeneratorFactory(gen llm.Generator) GeneratorFactory {
	return func(cfg *config.Config) (llm.Generator, error) { return gen, nil }
}

func mockMediaFactory(cfg *config.Config) (llm.Transcriber, llm.Vision, error) {
	return mockMedia{}, mockMedia{}, nil
}

type mockChannel struct {
	name     string
	startErr error
	sent     chan bus.OutboundMessage
}

func newMockChannel() *mockChannel {
	return &mockChannel{name: "telegram", sent: make(chan bus.OutboundMessage, 10)}
}

func (m *mockChannel) Name() string                    { return m.name }
func (m *mockChannel) Start(ctx context.Context) error { return m.startErr }
func (m *mockChannel) Stop() error                     { return nil }
func (m *mockChannel) Send(msg bus.OutboundMessage) error {
	m.sent <- msg
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Provider.APIKey = "sk-test"
	cfg.Telegram.Token = "fake-token"
	cfg.Telegram.PublicURL = "https://bot.example.com"
	cfg.Gateway.Host = "127.0.0.1"
	cfg.Gateway.Port = 0
	cfg.Retention.DataDir = t.TempDir()
	cfg.Retention.PersistDebounce = "10ms"
	return cfg
}

func newTestGateway(t *testing.T, cfg *config.Config, gen llm.Generator, ch channel.Channel) *Gateway {
	t.Helper()
	opts := Options{
		GeneratorFactory: mockGeneratorFactory(gen),
		MediaFactory:     mockMediaFactory,
	}
	if ch != nil {
		opts.Channels = []channel.Channel{ch}
	}
	g, err := NewWithOptions(context.Background(), cfg, opts)
	if err != nil {
		t.Fatalf("NewWithOptions: %v", err)
	}
	return g
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		input string
		n     int
		want  string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is a long message", 10, "this is a ..."},
		{"привет, мир", 6, "привет..."},
		{"", 5, ""},
	}

	for _, tt := range tests {
		if got := truncate(tt.input, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.n, got, tt.want)
		}
	}
}

func TestGateway_Router(t *testing.T) {
	cfg := testConfig(t)
	g := newTestGateway(t, cfg, &mockGenerator{reply: "ok"}, nil)
	defer g.Shutdown()

	srv := httptest.NewServer(g.Router())
	defer srv.Close()

	for path, want := range map[string]string{"/": aliveText, "/healthz": "ok"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || string(body) != want {
			t.Errorf("GET %s = %d %q", path, resp.StatusCode, body)
		}
	}

	update := `{"update_id": 1, "message": {"message_id": 3, "date": 1700000000,
		"from": {"id": 77, "first_name": "Оля"}, "chat": {"id": 77, "type": "private"}, "text": "рост 165"}}`
	resp, err := http.Post(srv.URL+cfg.Telegram.WebhookRoute(), "application/json", strings.NewReader(update))
	if err != nil {
		t.Fatalf("POST webhook: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("webhook status = %d", resp.StatusCode)
	}
	select {
	case msg := <-g.bus.Inbound:
		if msg.SessionKey() != "telegram:77" || msg.Content != "рост 165" {
			t.Errorf("inbound = %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("webhook update did not reach the bus")
	}

	resp, err = http.Get(srv.URL + cfg.Telegram.WebhookRoute())
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET webhook = %d, want 405", resp.StatusCode)
	}
}

func TestGateway_ProcessLoop(t *testing.T) {
	cfg := testConfig(t)
	g := newTestGateway(t, cfg, &mockGenerator{reply: "Отлично, записал!"}, newMockChannel())
	defer g.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.processLoop(ctx)

	g.bus.Inbound <- bus.InboundMessage{Channel: "telegram", ChatID: "5", SenderID: "5", Content: "вес 70 кг"}

	select {
	case out := <-g.bus.Outbound:
		if out.Channel != "telegram" || out.ChatID != "5" || out.Content != "Отлично, записал!" {
			t.Errorf("outbound = %+v", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for reply")
	}

	rec, ok := g.rt.Store.Get("telegram:5")
	if !ok || rec.Profile.WeightKg == nil || *rec.Profile.WeightKg != 70 {
		t.Errorf("record = %+v", rec)
	}
}

func TestGateway_ProcessLoop_GeneratorError(t *testing.T) {
	cfg := testConfig(t)
	g := newTestGateway(t, cfg, &mockGenerator{err: errors.New("upstream 500")}, newMockChannel())
	defer g.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.processLoop(ctx)

	g.bus.Inbound <- bus.InboundMessage{Channel: "telegram", ChatID: "5", Content: "привет"}

	select {
	case out := <-g.bus.Outbound:
		if out.Content != g.rt.Prompts.Apology {
			t.Errorf("content = %q, want apology", out.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for apology")
	}
}

func TestGateway_ProcessLoop_ContextCancelled(t *testing.T) {
	cfg := testConfig(t)
	g := newTestGateway(t, cfg, &mockGenerator{reply: "ok"}, newMockChannel())
	defer g.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.processLoop(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("processLoop did not stop")
	}
}

func TestGateway_Run_WithSignalChan(t *testing.T) {
	cfg := testConfig(t)
	ch := newMockChannel()
	sigCh := make(chan os.Signal, 1)
	g, err := NewWithOptions(context.Background(), cfg, Options{
		GeneratorFactory: mockGeneratorFactory(&mockGenerator{reply: "Привет!"}),
		MediaFactory:     mockMediaFactory,
		Channels:         []channel.Channel{ch},
		SignalChan:       sigCh,
	})
	if err != nil {
		t.Fatal(err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- g.Run(context.Background()) }()

	g.bus.Inbound <- bus.InboundMessage{Channel: "telegram", ChatID: "9", Content: "Мне 30 лет"}
	select {
	case out := <-ch.sent:
		if out.Content != "Привет!" || out.ChatID != "9" {
			t.Errorf("sent = %+v", out)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reply was not delivered to the channel")
	}

	sigCh <- syscall.SIGTERM
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after signal")
	}

	snap := retention.NewFileSnapshot(filepath.Join(cfg.Retention.DataDir, retention.SnapshotFileName))
	records, err := snap.Load(context.Background())
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	rec, ok := records["telegram:9"]
	if !ok || rec.Profile.Age == nil || *rec.Profile.Age != 30 {
		t.Errorf("snapshot = %+v", records)
	}
}

func TestGateway_Run_ChannelStartError(t *testing.T) {
	cfg := testConfig(t)
	ch := newMockChannel()
	ch.startErr = errors.New("webhook rejected")
	g := newTestGateway(t, cfg, &mockGenerator{reply: "ok"}, ch)

	if err := g.Run(context.Background()); err == nil {
		t.Error("expected error from channel start")
	}
}

func TestNewWithOptions_Hydrates(t *testing.T) {
	cfg := testConfig(t)
	now := time.Now()
	snap := retention.NewFileSnapshot(filepath.Join(cfg.Retention.DataDir, retention.SnapshotFileName))
	if err := snap.Save(context.Background(), map[string]*profile.Record{
		"telegram:1": profile.NewRecord("telegram:1", now),
	}); err != nil {
		t.Fatal(err)
	}

	g := newTestGateway(t, cfg, &mockGenerator{reply: "ok"}, newMockChannel())
	defer g.Shutdown()
	if g.rt.Hydrated != 1 || g.rt.Store.Len() != 1 {
		t.Errorf("hydrated = %d, store = %d", g.rt.Hydrated, g.rt.Store.Len())
	}
}

func TestNewWithOptions_SchedulesSweep(t *testing.T) {
	cfg := testConfig(t)
	g := newTestGateway(t, cfg, &mockGenerator{reply: "ok"}, newMockChannel())
	defer g.Shutdown()

	jobs := g.cron.Jobs()
	if len(jobs) != 1 || jobs[0].Name != retention.SweepJobName || jobs[0].Schedule != config.DefaultSweepSchedule {
		t.Errorf("jobs = %+v", jobs)
	}
	if err := g.cron.RunNow(retention.SweepJobName); err != nil {
		t.Errorf("RunNow: %v", err)
	}
}

func TestNewWithOptions_Errors(t *testing.T) {
	cfg := testConfig(t)
	_, err := NewWithOptions(context.Background(), cfg, Options{
		GeneratorFactory: func(*config.Config) (llm.Generator, error) { return nil, errors.New("no key") },
		MediaFactory:     mockMediaFactory,
	})
	if err == nil {
		t.Error("expected generator factory error")
	}

	cfg = testConfig(t)
	cfg.Retention.SweepSchedule = "not a schedule"
	if _, err := NewWithOptions(context.Background(), cfg, Options{
		GeneratorFactory: mockGeneratorFactory(&mockGenerator{}),
		MediaFactory:     mockMediaFactory,
	}); err == nil {
		t.Error("expected bad schedule error")
	}

	cfg = testConfig(t)
	cfg.Telegram.Token = ""
	if _, err := NewWithOptions(context.Background(), cfg, Options{
		GeneratorFactory: mockGeneratorFactory(&mockGenerator{}),
		MediaFactory:     mockMediaFactory,
	}); err == nil {
		t.Error("expected channel error without token")
	}
}

func TestNewRuntime_SQLite(t *testing.T) {
	cfg := testConfig(t)
	cfg.Retention.Backend = config.BackendSQLite
	rt, err := NewRuntime(context.Background(), cfg, RuntimeOptions{
		GeneratorFactory: mockGeneratorFactory(&mockGenerator{reply: "ok"}),
		MediaFactory:     mockMediaFactory,
	})
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	if !strings.HasSuffix(rt.Backend.Location(), retention.SnapshotDBName) {
		t.Errorf("location = %q", rt.Backend.Location())
	}
	if err := rt.Close(context.Background()); err != nil {
		t.Errorf("Close: %v", err)
	}
}
