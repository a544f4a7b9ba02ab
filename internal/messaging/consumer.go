package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"yade-server/internal/chat"
	"yade-server/internal/domain"
)

const settleTimeout = 2 * time.Minute

var eventsProcessed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "chat_session_events_total",
		Help: "Session ended events by processing result.",
	},
	[]string{"result"},
)

// Settler подводит итоги чат-сессии игрока.
type Settler interface {
	Settle(ctx context.Context, playerID uuid.UUID) (*chat.Settlement, error)
}

var _ Settler = (*chat.Orchestrator)(nil)

// Consumer читает события из очереди несколькими воркерами.
type Consumer struct {
	conn      *amqp.Connection
	queue     string
	workers   int
	processor *Processor
	logger    *zap.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewConsumer(conn *amqp.Connection, queue string, workers int, processor *Processor, logger *zap.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{
		conn:      conn,
		queue:     queue,
		workers:   workers,
		processor: processor,
		logger:    logger.Named("SessionConsumer"),
		stop:      make(chan struct{}),
	}
}

// Start блокируется до вызова Stop или закрытия канала доставки.
func (c *Consumer) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open a channel: %w", err)
	}
	defer ch.Close()

	if err := declareQueue(ch, c.queue); err != nil {
		return err
	}
	if err := ch.Qos(c.workers, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	msgs, err := ch.Consume(c.queue, "yade-settle-consumer", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register a consumer: %w", err)
	}
	c.logger.Info("Consumer started", zap.String("queue", c.queue), zap.Int("workers", c.workers))

	c.wg.Add(c.workers)
	for i := 0; i < c.workers; i++ {
		go func(workerID int) {
			defer c.wg.Done()
			log := c.logger.With(zap.Int("worker_id", workerID))
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-msgs:
					if !ok {
						log.Info("Delivery channel closed")
						return
					}
					c.processor.Handle(ctx, d)
				}
			}
		}(i)
	}

	<-c.stop
	cancel()
	c.wg.Wait()
	c.logger.Info("Consumer stopped")
	return nil
}

func (c *Consumer) Stop() {
	close(c.stop)
}

// Processor превращает доставку в вызов Settle и решает судьбу сообщения.
type Processor struct {
	settler Settler
	logger  *zap.Logger
}

func NewProcessor(settler Settler, logger *zap.Logger) *Processor {
	return &Processor{settler: settler, logger: logger.Named("SessionProcessor")}
}

// Handle подтверждает сообщение после успешного подсчета.
// Битые сообщения и удаленные игроки отбрасываются. Прочие ошибки
// возвращаются в очередь один раз: повторная доставка безопасна,
// так как Settle сначала забирает диапазон сообщений.
func (p *Processor) Handle(ctx context.Context, d amqp.Delivery) {
	log := p.logger.With(zap.Uint64("delivery_tag", d.DeliveryTag))

	var ev SessionEndedEvent
	if err := json.Unmarshal(d.Body, &ev); err != nil || ev.PlayerID == uuid.Nil {
		log.Error("Malformed session ended event", zap.Error(err), zap.ByteString("body", d.Body))
		p.nack(log, d, false)
		eventsProcessed.WithLabelValues("malformed").Inc()
		return
	}
	log = log.With(zap.String("player_id", ev.PlayerID.String()))

	settleCtx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()

	res, err := p.settler.Settle(settleCtx, ev.PlayerID)
	switch {
	case errors.Is(err, domain.ErrPlayerNotFound):
		log.Warn("Player gone before settlement, dropping event")
		p.nack(log, d, false)
		eventsProcessed.WithLabelValues("dropped").Inc()
		return
	case err != nil:
		requeue := !d.Redelivered
		log.Error("Settlement failed", zap.Bool("requeue", requeue), zap.Error(err))
		p.nack(log, d, requeue)
		eventsProcessed.WithLabelValues("failed").Inc()
		return
	}

	if ackErr := d.Ack(false); ackErr != nil {
		log.Error("Failed to ack message", zap.Error(ackErr))
	}
	eventsProcessed.WithLabelValues("settled").Inc()
	log.Info("Session ended event processed", zap.Bool("skipped", res.Skipped), zap.Int("delta", res.Delta))
}

func (p *Processor) nack(log *zap.Logger, d amqp.Delivery, requeue bool) {
	if err := d.Nack(false, requeue); err != nil {
		log.Error("Failed to nack message", zap.Error(err))
	}
}

// Dial подключается к брокеру с несколькими попытками.
func Dial(url string, attempts int, delay time.Duration, logger *zap.Logger) (*amqp.Connection, error) {
	var err error
	for i := 1; i <= attempts; i++ {
		var conn *amqp.Connection
		if conn, err = amqp.Dial(url); err == nil {
			logger.Info("Connected to RabbitMQ")
			return conn, nil
		}
		logger.Warn("RabbitMQ not reachable, retrying", zap.Int("attempt", i), zap.Error(err))
		time.Sleep(delay)
	}
	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
}
