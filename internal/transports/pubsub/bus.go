package pubsub

import (
	"context"
	"fmt"

	"github.com/valkey-io/valkey-go"
)

// Message описывает сообщение из канала.
type Message struct {
	Channel string
	Payload string
}

// Bus описывает минимальный pub/sub-клиент.
// Subscribe блокируется, пока подписка жива; ошибка означает обрыв соединения.
type Bus interface {
	Subscribe(ctx context.Context, channel string, fn func(Message)) error
	Publish(ctx context.Context, channel, payload string) error
	Close()
}

type valkeyBus struct {
	client valkey.Client
}

// NewValkeyBus подключается к Valkey/Redis по адресу host:port.
func NewValkeyBus(addr string, opt valkey.ClientOption) (Bus, error) {
	if len(opt.InitAddress) == 0 {
		opt.InitAddress = []string{addr}
	}
	client, err := valkey.NewClient(opt)
	if err != nil {
		return nil, fmt.Errorf("valkey connect %s: %w", addr, err)
	}
	return &valkeyBus{client: client}, nil
}

func (b *valkeyBus) Subscribe(ctx context.Context, channel string, fn func(Message)) error {
	cmd := b.client.B().Subscribe().Channel(channel).Build()
	return b.client.Receive(ctx, cmd, func(msg valkey.PubSubMessage) {
		fn(Message{Channel: msg.Channel, Payload: msg.Message})
	})
}

func (b *valkeyBus) Publish(ctx context.Context, channel, payload string) error {
	cmd := b.client.B().Publish().Channel(channel).Message(payload).Build()
	return b.client.Do(ctx, cmd).Error()
}

func (b *valkeyBus) Close() { b.client.Close() }
