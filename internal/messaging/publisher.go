package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"yade-server/internal/chat"
)

var _ chat.SessionPublisher = (*Publisher)(nil)

// Publisher отправляет SessionEndedEvent в durable очередь.
type Publisher struct {
	mu     sync.Mutex
	ch     *amqp.Channel
	queue  string
	logger *zap.Logger
}

// NewPublisher открывает канал и объявляет очередь.
func NewPublisher(conn *amqp.Connection, queue string, logger *zap.Logger) (*Publisher, error) {
	if conn == nil {
		return nil, fmt.Errorf("rabbitmq connection is nil")
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	if err := declareQueue(ch, queue); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return &Publisher{ch: ch, queue: queue, logger: logger.Named("SessionPublisher")}, nil
}

func declareQueue(ch *amqp.Channel, queue string) error {
	_, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue '%s': %w", queue, err)
	}
	return nil
}

func (p *Publisher) PublishSessionEnded(ctx context.Context, playerID uuid.UUID) error {
	body, err := json.Marshal(SessionEndedEvent{PlayerID: playerID, EndedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal session ended event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx,
		"",      // default exchange
		p.queue, // routing key = имя очереди
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		p.logger.Error("Failed to publish session ended event", zap.String("player_id", playerID.String()), zap.Error(err))
		return fmt.Errorf("failed to publish session ended event: %w", err)
	}
	p.logger.Debug("Session ended event published", zap.String("player_id", playerID.String()))
	return nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		return p.ch.Close()
	}
	return nil
}
