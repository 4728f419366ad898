// Package ingest — приём событий площадки из Kafka.
//
// Consumer читает записи группой потребителей franz-go и передаёт их
// обработчикам по топику. Оффсеты фиксируются вручную и только после
// успешной обработки. Ошибка блокирует партицию: позиция чтения
// возвращается к упавшему сообщению, и оно читается повторно после паузы.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Prometheus-метрики приёма событий.
var (
	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reach_module_ingest_messages_total",
		Help: "Количество обработанных сообщений Kafka",
	}, []string{"topic", "result"}) // result: ok, skipped, error

	commitErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reach_module_ingest_commit_errors_total",
		Help: "Количество ошибок фиксации оффсетов Kafka",
	})
)

// Message — запись Kafka, переданная обработчику.
type Message struct {
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Topic     string
	Partition int32
	Offset    int64
	Timestamp time.Time
}

// Handler обрабатывает одно сообщение. Ошибка означает, что сообщение
// нужно прочитать повторно.
type Handler func(ctx context.Context, msg Message) error

// defaultRetryBackoff — пауза перед повторным чтением партиции после ошибки.
const defaultRetryBackoff = time.Second

// groupClient — операции клиента franz-go, используемые потребителем.
type groupClient interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	SetOffsets(setOffsets map[string]map[int32]kgo.EpochOffset)
	AllowRebalance()
	AddConsumeTopics(topics ...string)
	Ping(ctx context.Context) error
	Close()
}

// Consumer — потребитель Kafka с маршрутизацией по топикам.
type Consumer struct {
	client   groupClient
	groupID  string
	logger   *slog.Logger
	handlers map[string]Handler
	mu       sync.RWMutex

	retryBackoff time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewConsumer создаёт клиента группы потребителей. Топики подписываются
// при регистрации обработчиков.
func NewConsumer(brokers []string, groupID, clientID string, logger *slog.Logger) (*Consumer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ClientID(clientID),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
	)
	if err != nil {
		return nil, fmt.Errorf("создание клиента Kafka: %w", err)
	}

	return &Consumer{
		client:       client,
		groupID:      groupID,
		logger:       logger.With(slog.String("component", "ingest")),
		handlers:     make(map[string]Handler),
		retryBackoff: defaultRetryBackoff,
	}, nil
}

// AddHandler регистрирует обработчик топика и подписывается на него.
func (c *Consumer) AddHandler(topic string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlers[topic] = handler
	if c.client != nil {
		c.client.AddConsumeTopics(topic)
	}
}

// Ping проверяет доступность брокеров.
func (c *Consumer) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx); err != nil {
		return fmt.Errorf("проверка Kafka: %w", err)
	}
	return nil
}

// Start запускает цикл чтения в фоновой горутине.
func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		c.logger.Info("Приём событий Kafka запущен", slog.String("group", c.groupID))
		c.run(ctx)
		c.logger.Info("Приём событий Kafka остановлен")
	}()
}

// Stop останавливает цикл чтения и закрывает клиента.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		<-c.done
	}
	c.client.Close()
}

func (c *Consumer) run(ctx context.Context) {
	for ctx.Err() == nil {
		c.pollOnce(ctx)
	}
}

// pollOnce читает одну порцию записей, фиксирует успешно обработанные
// и возвращает позицию чтения заблокированных партиций к упавшему сообщению.
func (c *Consumer) pollOnce(ctx context.Context) {
	fetches := c.client.PollFetches(ctx)
	if ctx.Err() != nil {
		return
	}

	if errs := fetches.Errors(); len(errs) > 0 {
		for _, fe := range errs {
			c.logger.Error("Ошибка чтения Kafka",
				slog.String("topic", fe.Topic),
				slog.Int("partition", int(fe.Partition)),
				slog.String("error", fe.Err.Error()),
			)
		}
		c.client.AllowRebalance()
		return
	}

	commit, rewind := c.processRecords(ctx, fetches.Records())
	if len(commit) > 0 {
		if err := c.client.CommitRecords(ctx, commit...); err != nil {
			commitErrorsTotal.Inc()
			c.logger.Error("Не удалось зафиксировать оффсеты", slog.String("error", err.Error()))
		}
	}

	// Откат выполняется до AllowRebalance, пока партиции назначены этому экземпляру.
	// Следующее чтение начнётся с упавшего сообщения, фиксация не перешагнёт через него.
	if len(rewind) > 0 {
		c.client.SetOffsets(rewind)
	}
	c.client.AllowRebalance()

	if len(rewind) > 0 && c.retryBackoff > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(c.retryBackoff):
		}
	}
}

// processRecords обрабатывает записи и возвращает последние успешные записи
// каждой партиции для фиксации. После первой ошибки партиция блокируется:
// последующие записи не обрабатываются и не фиксируются, а упавшая запись
// попадает в rewind (topic → partition → оффсет повторного чтения).
func (c *Consumer) processRecords(ctx context.Context, records []*kgo.Record) (commit []*kgo.Record, rewind map[string]map[int32]kgo.EpochOffset) {
	type topicPartition struct {
		topic     string
		partition int32
	}
	blocked := make(map[topicPartition]bool)
	lastSuccess := make(map[topicPartition]*kgo.Record)

	for _, record := range records {
		tp := topicPartition{topic: record.Topic, partition: record.Partition}
		if blocked[tp] {
			continue
		}

		c.mu.RLock()
		handler, ok := c.handlers[record.Topic]
		c.mu.RUnlock()

		if !ok {
			c.logger.Warn("Нет обработчика для топика", slog.String("topic", record.Topic))
			lastSuccess[tp] = record
			continue
		}

		headers := make(map[string]string, len(record.Headers))
		for _, h := range record.Headers {
			headers[h.Key] = string(h.Value)
		}

		msg := Message{
			Key:       record.Key,
			Value:     record.Value,
			Headers:   headers,
			Topic:     record.Topic,
			Partition: record.Partition,
			Offset:    record.Offset,
			Timestamp: record.Timestamp,
		}

		if err := handler(ctx, msg); err != nil {
			messagesTotal.WithLabelValues(record.Topic, "error").Inc()
			c.logger.Error("Ошибка обработки сообщения, партиция будет прочитана повторно",
				slog.String("topic", record.Topic),
				slog.Int("partition", int(record.Partition)),
				slog.Int64("offset", record.Offset),
				slog.String("error", err.Error()),
			)
			blocked[tp] = true
			if rewind == nil {
				rewind = make(map[string]map[int32]kgo.EpochOffset)
			}
			if rewind[record.Topic] == nil {
				rewind[record.Topic] = make(map[int32]kgo.EpochOffset)
			}
			rewind[record.Topic][record.Partition] = kgo.EpochOffset{Epoch: record.LeaderEpoch, Offset: record.Offset}
			continue
		}

		lastSuccess[tp] = record
	}

	if len(lastSuccess) == 0 {
		return nil, rewind
	}
	commit = make([]*kgo.Record, 0, len(lastSuccess))
	for _, record := range lastSuccess {
		commit = append(commit, record)
	}
	return commit, rewind
}
