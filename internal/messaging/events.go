// Package messaging переносит события завершения чат-сессии через RabbitMQ.
// Подсчет итогов сессии (affinity и факты) выполняется воркерами вне
// HTTP/WebSocket запроса.
package messaging

import (
	"time"

	"github.com/google/uuid"
)

// DefaultSessionEndedQueue - durable очередь событий завершения сессии.
const DefaultSessionEndedQueue = "chat_session_ended"

// SessionEndedEvent публикуется, когда игрок закрыл чат.
type SessionEndedEvent struct {
	PlayerID uuid.UUID `json:"player_id"`
	EndedAt  time.Time `json:"ended_at"`
}
