package domain

import (
	"time"

	"github.com/google/uuid"
)

type ChatRole string

const (
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
)

// ChatMessage - сообщение свободного чата в постоянном хранилище.
type ChatMessage struct {
	ID           int64     `db:"id" json:"id"`
	PlayerID     uuid.UUID `db:"player_id" json:"-"`
	Role         ChatRole  `db:"role" json:"role"`
	Content      string    `db:"content" json:"content"`
	AfterLevelID *string   `db:"after_level_id" json:"after_level_id,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Turn - элемент краткосрочного контекста чата.
// Seq совпадает с ID соответствующего ChatMessage.
type Turn struct {
	Seq     int64     `json:"seq"`
	Role    ChatRole  `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

func TurnFromMessage(m ChatMessage) Turn {
	return Turn{Seq: m.ID, Role: m.Role, Content: m.Content, At: m.CreatedAt}
}

// HasExchange проверяет, есть ли в msgs сообщение пользователя, за которым
// (не обязательно сразу) следует ответ ассистента.
func HasExchange(msgs []ChatMessage) bool {
	userSeen := false
	for _, m := range msgs {
		switch m.Role {
		case RoleUser:
			userSeen = true
		case RoleAssistant:
			if userSeen {
				return true
			}
		}
	}
	return false
}
