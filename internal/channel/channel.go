package channel

import (
	"context"
	"strings"

	"github.com/samber/lo"
	"github.com/vnorme/vnorme-bot/internal/bus"
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(msg bus.OutboundMessage) error
}

// BaseChannel holds what every platform channel shares: its name, the bus
// it publishes to and the sender allow-list.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom map[string]struct{}
}

func NewBaseChannel(name string, b *bus.MessageBus, allowFrom []string) BaseChannel {
	ids := lo.Compact(lo.Map(allowFrom, func(s string, _ int) string { return strings.TrimSpace(s) }))
	return BaseChannel{
		name:      name,
		bus:       b,
		allowFrom: lo.SliceToMap(ids, func(id string) (string, struct{}) { return id, struct{}{} }),
	}
}

func (c *BaseChannel) Name() string { return c.name }

// IsAllowed reports whether senderID may talk to the bot. An empty list
// allows everyone.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	_, ok := c.allowFrom[senderID]
	return ok
}
