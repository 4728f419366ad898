// Пакет events — push-канал событий Reach Module.
//
// LocalBus раздаёт события подписчикам внутри процесса (SSE-клиенты),
// RedisBus дополнительно пересылает их через Redis pub/sub,
// чтобы клиенты каждого экземпляра видели переходы, выполненные на других.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/reach-module/internal/domain/model"
)

// Type — тип события.
type Type string

const (
	// TypeTierTransition — публикация перешла на следующий уровень
	TypeTierTransition Type = "tier.transition"
	// TypePostExpired — публикация истекла (TTL или принудительно)
	TypePostExpired Type = "post.expired"
	// TypeTrendingUpdated — изменился состав trending
	TypeTrendingUpdated Type = "trending.updated"
)

// DefaultBufferSize — размер буфера канала подписчика по умолчанию.
const DefaultBufferSize = 64

// Prometheus-метрики шины событий.
var (
	eventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reach_module_events_published_total",
		Help: "Количество опубликованных событий",
	}, []string{"type"})

	eventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reach_module_events_dropped_total",
		Help: "Количество событий, отброшенных из-за переполнения буфера подписчика",
	})

	subscribersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reach_module_events_subscribers",
		Help: "Текущее количество подписчиков на события",
	})
)

// Event — событие, доставляемое подписчикам.
type Event struct {
	// ID — UUID события
	ID string `json:"id"`
	// Type — тип события
	Type Type `json:"type"`
	// PostID — публикация (пусто для trending.updated)
	PostID string `json:"post_id,omitempty"`
	// FromTier — исходный уровень
	FromTier model.Tier `json:"from_tier,omitempty"`
	// ToTier — целевой уровень
	ToTier model.Tier `json:"to_tier,omitempty"`
	// At — время события
	At time.Time `json:"at"`
	// Payload — дополнительные данные (причина истечения, состав trending)
	Payload map[string]any `json:"payload,omitempty"`
	// Origin — идентификатор экземпляра-источника (для подавления эха Redis)
	Origin string `json:"origin,omitempty"`
}

// NewEvent создаёт событие с новым ID.
func NewEvent(t Type, postID string, at time.Time) Event {
	return Event{
		ID:     uuid.NewString(),
		Type:   t,
		PostID: postID,
		At:     at,
	}
}

// Publisher — публикация событий.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Subscriber — подписка на события.
type Subscriber interface {
	// Subscribe возвращает канал событий и функцию отписки.
	Subscribe(buffer int) (<-chan Event, func())
}

// Bus — публикация и подписка. Реализуется LocalBus и RedisBus.
type Bus interface {
	Publisher
	Subscriber
}

// LocalBus — шина событий внутри процесса.
// Медленный подписчик не блокирует публикацию: при полном буфере событие отбрасывается.
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[uint64]chan Event
	nextID uint64
	closed bool
	logger *slog.Logger
}

// NewLocalBus создаёт шину событий.
func NewLocalBus(logger *slog.Logger) *LocalBus {
	return &LocalBus{
		subs:   make(map[uint64]chan Event),
		logger: logger.With(slog.String("component", "event_bus")),
	}
}

// Publish раздаёт событие всем подписчикам. Не блокируется.
func (b *LocalBus) Publish(_ context.Context, ev Event) error {
	eventsPublishedTotal.WithLabelValues(string(ev.Type)).Inc()
	b.dispatch(ev)
	return nil
}

// dispatch доставляет событие подписчикам без учёта метрики публикации.
func (b *LocalBus) dispatch(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			eventsDroppedTotal.Inc()
			b.logger.Debug("Событие отброшено: буфер подписчика заполнен",
				slog.Uint64("subscriber", id),
				slog.String("type", string(ev.Type)),
			)
		}
	}
}

// Subscribe регистрирует подписчика. buffer <= 0 — DefaultBufferSize.
// После Close возвращает закрытый канал.
func (b *LocalBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	subscribersGauge.Inc()

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *LocalBus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
		subscribersGauge.Dec()
	}
}

// SubscriberCount возвращает количество активных подписчиков.
func (b *LocalBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close закрывает каналы всех подписчиков. SSE-обработчики завершаются.
func (b *LocalBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
		subscribersGauge.Dec()
	}
}
