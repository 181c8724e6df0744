// Package bus decouples channels from the conversation loop: channels push
// inbound messages, the gateway consumes them one at a time, and replies are
// routed back to the channel they came from.
package bus

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/vnorme/vnorme-bot/internal/logging"
)

// Handler delivers an outbound message on one channel.
type Handler func(msg OutboundMessage) error

type MessageBus struct {
	Inbound  chan InboundMessage
	Outbound chan OutboundMessage

	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *log.Logger
}

func NewMessageBus(bufSize int) *MessageBus {
	return &MessageBus{
		Inbound:  make(chan InboundMessage, bufSize),
		Outbound: make(chan OutboundMessage, bufSize),
		handlers: make(map[string]Handler),
		logger:   logging.For("bus"),
	}
}

// PublishInbound blocks until the message is queued or ctx is done.
func (b *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) error {
	select {
	case b.Inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubscribeOutbound registers the sender for a channel, replacing any
// previous one.
func (b *MessageBus) SubscribeOutbound(channel string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[channel] = h
}

// DispatchOutbound routes queued replies until ctx is done. Replies are sent
// in order; a failed send is logged and the next one proceeds.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case msg := <-b.Outbound:
			b.deliver(msg)
		case <-ctx.Done():
			return
		}
	}
}

func (b *MessageBus) deliver(msg OutboundMessage) {
	b.mu.RLock()
	h, ok := b.handlers[msg.Channel]
	b.mu.RUnlock()
	if !ok {
		b.logger.Warn("no sender for channel", "channel", msg.Channel, "chat", msg.ChatID)
		return
	}
	if err := h(msg); err != nil {
		b.logger.Error("send failed", "channel", msg.Channel, "chat", msg.ChatID, "err", err)
	}
}
