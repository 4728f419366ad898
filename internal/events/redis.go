package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// RedisBus — шина событий поверх Redis pub/sub.
//
// Publish доставляет событие локальным подписчикам сразу и публикует его
// в канал Redis. Фоновая горутина принимает события других экземпляров
// и передаёт их в LocalBus. Собственные события (по Origin) пропускаются.
type RedisBus struct {
	client  goredis.UniversalClient
	channel string
	local   *LocalBus
	origin  string
	logger  *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisBus создаёт шину, пересылающую события через канал channel.
func NewRedisBus(client goredis.UniversalClient, channel string, local *LocalBus, logger *slog.Logger) *RedisBus {
	return &RedisBus{
		client:  client,
		channel: channel,
		local:   local,
		origin:  uuid.NewString(),
		logger:  logger.With(slog.String("component", "redis_bus")),
	}
}

// Publish отправляет событие локальным подписчикам и в Redis.
// Ошибка Redis возвращается, но локальная доставка уже выполнена.
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	ev.Origin = b.origin
	if err := b.local.Publish(ctx, ev); err != nil {
		return err
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("сериализация события: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("публикация события в Redis: %w", err)
	}
	return nil
}

// Subscribe делегирует подписку LocalBus.
func (b *RedisBus) Subscribe(buffer int) (<-chan Event, func()) {
	return b.local.Subscribe(buffer)
}

// Start подписывается на канал Redis и запускает приём событий.
// Возвращает ошибку, если подписка не подтверждена.
func (b *RedisBus) Start(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("подписка на канал Redis %s: %w", b.channel, err)
	}

	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})

	go func() {
		defer close(b.done)
		defer sub.Close()

		b.logger.Info("Приём событий из Redis запущен", slog.String("channel", b.channel))

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				b.logger.Info("Приём событий из Redis остановлен")
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Warn("Некорректное событие в канале Redis",
						slog.String("error", err.Error()),
					)
					continue
				}
				if ev.Origin == b.origin {
					continue
				}
				b.local.dispatch(ev)
			}
		}
	}()
	return nil
}

// Stop останавливает приём событий и ждёт завершения горутины.
func (b *RedisBus) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.done != nil {
		<-b.done
	}
}

// CheckReady проверяет доступность Redis через ping.
// Возвращает статус ("ok", "fail") и сообщение.
func (b *RedisBus) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := b.client.Ping(ctx).Err(); err != nil {
		return "fail", fmt.Sprintf("Redis недоступен: %v", err)
	}
	return "ok", "подключение активно"
}
