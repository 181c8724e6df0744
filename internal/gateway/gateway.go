package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/vnorme/vnorme-bot/internal/bus"
	"github.com/vnorme/vnorme-bot/internal/channel"
	"github.com/vnorme/vnorme-bot/internal/clock"
	"github.com/vnorme/vnorme-bot/internal/config"
	"github.com/vnorme/vnorme-bot/internal/cron"
	"github.com/vnorme/vnorme-bot/internal/logging"
	"github.com/vnorme/vnorme-bot/internal/retention"
)

const (
	aliveText       = "v-norme-bot is alive"
	shutdownTimeout = 10 * time.Second
)

// Options for creating a Gateway
type Options struct {
	GeneratorFactory GeneratorFactory
	MediaFactory     MediaFactory
	Clock            clock.Clock
	// Channels replaces the Telegram channel when set.
	Channels   []channel.Channel
	SignalChan chan os.Signal // for testing signal handling
}

type Gateway struct {
	cfg        *config.Config
	bus        *bus.MessageBus
	rt         *Runtime
	channels   *channel.ChannelManager
	cron       *cron.Service
	server     *http.Server
	signalChan chan os.Signal
	loopDone   chan struct{}
	logger     *log.Logger
}

// New creates a Gateway with default options
func New(ctx context.Context, cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(ctx, cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(ctx context.Context, cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{
		cfg:        cfg,
		bus:        bus.NewMessageBus(config.DefaultBufSize),
		signalChan: opts.SignalChan,
		logger:     logging.For("gateway"),
	}

	rt, err := NewRuntime(ctx, cfg, RuntimeOptions{
		GeneratorFactory: opts.GeneratorFactory,
		MediaFactory:     opts.MediaFactory,
		Clock:            opts.Clock,
	})
	if err != nil {
		return nil, err
	}
	g.rt = rt

	g.cron = cron.NewService()
	if err := g.cron.AddFunc(retention.SweepJobName, cfg.Retention.SweepSchedule, rt.Retention.SweepJob); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("schedule retention sweep: %w", err)
	}

	if len(opts.Channels) > 0 {
		g.channels = channel.NewManager(g.bus)
		for _, ch := range opts.Channels {
			g.channels.Register(ch)
		}
	} else {
		chMgr, err := channel.NewChannelManager(cfg, g.bus)
		if err != nil {
			_ = rt.Close(ctx)
			return nil, fmt.Errorf("create channel manager: %w", err)
		}
		g.channels = chMgr
	}

	g.server = &http.Server{
		Addr:              net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port)),
		Handler:           g.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g, nil
}

// Router serves the liveness endpoints and every channel webhook.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, aliveText)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})
	for route, h := range g.channels.Webhooks() {
		r.Method(http.MethodPost, route, h)
	}
	return r
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ln, err := net.Listen("tcp", g.server.Addr)
	if err != nil {
		_ = g.Shutdown()
		return fmt.Errorf("listen %s: %w", g.server.Addr, err)
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		_ = g.Shutdown()
		return fmt.Errorf("start channels: %w", err)
	}
	g.logger.Info("channels started", "channels", g.channels.EnabledChannels())

	if err := g.cron.Start(ctx); err != nil {
		g.logger.Warn("cron start failed", "err", err)
	}

	g.loopDone = make(chan struct{})
	go func() {
		defer close(g.loopDone)
		g.processLoop(ctx)
	}()

	g.logger.Info("running", "addr", ln.Addr().String(), "records", g.rt.Hydrated)

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	var runErr error
	select {
	case <-sigCh:
	case <-ctx.Done():
	case runErr = <-serveErr:
		g.logger.Error("http server failed", "err", runErr)
	}

	g.logger.Info("shutting down...")
	cancel()
	<-g.loopDone
	return errors.Join(runErr, g.Shutdown())
}

// processLoop handles one inbound message at a time, start to finish.
func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			g.logger.Debug("inbound", "channel", msg.Channel, "sender", msg.SenderID,
				"kind", msg.MessageKind(), "text", truncate(msg.Content, 80))

			res := g.rt.Assistant.Handle(ctx, msg)
			reply := res.Reply
			if strings.TrimSpace(reply) == "" {
				reply = g.rt.Prompts.Apology
			}

			select {
			case g.bus.Outbound <- bus.OutboundMessage{
				Channel: msg.Channel,
				ChatID:  msg.ChatID,
				Content: reply,
			}:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown stops intake first and flushes the snapshot last.
func (g *Gateway) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := g.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	_ = g.channels.StopAll()
	g.cron.Stop()
	if err := g.rt.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush snapshot: %w", err))
	}
	g.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
