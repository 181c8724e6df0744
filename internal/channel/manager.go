package channel

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/vnorme/vnorme-bot/internal/bus"
	"github.com/vnorme/vnorme-bot/internal/config"
	"github.com/vnorme/vnorme-bot/internal/logging"
)

// Webhook is a channel that receives updates over HTTP.
type Webhook interface {
	Channel
	http.Handler
	Route() string
}

type ChannelManager struct {
	channels map[string]Channel
	bus      *bus.MessageBus
	logger   *log.Logger
}

// NewChannelManager creates the Telegram channel and wires its outbound
// sender into the bus.
func NewChannelManager(cfg *config.Config, b *bus.MessageBus) (*ChannelManager, error) {
	m := NewManager(b)
	ch, err := NewTelegramChannel(cfg.Telegram, b)
	if err != nil {
		return nil, fmt.Errorf("init telegram channel: %w", err)
	}
	m.Register(ch)
	return m, nil
}

// NewManager returns a manager with no channels registered.
func NewManager(b *bus.MessageBus) *ChannelManager {
	return &ChannelManager{
		channels: make(map[string]Channel),
		bus:      b,
		logger:   logging.For("channel-mgr"),
	}
}

// Register adds a channel and subscribes it to outbound messages addressed
// to its name.
func (m *ChannelManager) Register(ch Channel) {
	m.channels[ch.Name()] = ch
	m.bus.SubscribeOutbound(ch.Name(), ch.Send)
}

// Webhooks returns the HTTP handlers to mount, keyed by route.
func (m *ChannelManager) Webhooks() map[string]http.Handler {
	hooks := make(map[string]http.Handler)
	for _, ch := range m.channels {
		if wh, ok := ch.(Webhook); ok {
			hooks[wh.Route()] = wh
		}
	}
	return hooks
}

func (m *ChannelManager) StartAll(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(m.channels))

	for name, ch := range m.channels {
		wg.Add(1)
		go func(name string, ch Channel) {
			defer wg.Done()
			m.logger.Info("starting", "channel", name)
			if err := ch.Start(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}(name, ch)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		return err
	}
	return nil
}

func (m *ChannelManager) StopAll() error {
	for name, ch := range m.channels {
		m.logger.Info("stopping", "channel", name)
		if err := ch.Stop(); err != nil {
			m.logger.Warn("stop failed", "channel", name, "err", err)
		}
	}
	return nil
}

func (m *ChannelManager) EnabledChannels() []string {
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
