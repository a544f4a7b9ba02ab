// Package websocket отдает потоковый чат с персонажем.
//
// Клиент шлет {"type":"message","content":"..."}; сервер отвечает
// событиями chunk (фрагмент ответа), end (полный ответ) или error.
// После закрытия соединения запускается подсчет итогов сессии.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"yade-server/internal/chat"
	"yade-server/internal/domain"
	"yade-server/internal/service"
)

const (
	// Время, разрешенное для записи сообщения клиенту.
	writeWait = 10 * time.Second
	// Время, разрешенное для чтения следующего pong сообщения от клиента.
	pongWait = 60 * time.Second
	// Отправлять пинги клиенту с этим периодом. Должно быть меньше pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Запас на JSON-обертку вокруг сообщения игрока.
	maxFrameSize = chat.MaxMessageLength*4 + 512

	endSessionTimeout = 2 * time.Minute
	pendingTurns      = 8
)

const (
	EventMessage = "message"
	EventChunk   = "chunk"
	EventEnd     = "end"
	EventError   = "error"
)

// Inbound - кадр от клиента.
type Inbound struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// Outbound - кадр клиенту. MessageID заполнен только в end.
type Outbound struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	MessageID int64  `json:"message_id,omitempty"`
}

// ChatService - часть игрового сервиса, нужная чату.
type ChatService interface {
	GetPlayer(ctx context.Context, id uuid.UUID) (*service.PlayerState, error)
	ChatTurn(ctx context.Context, id uuid.UUID, message string, onChunk func(string) error) (*chat.TurnResult, error)
	EndChatSession(ctx context.Context, id uuid.UUID) error
}

var _ ChatService = (service.GameService)(nil)

type ChatHandler struct {
	service  ChatService
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewChatHandler. Пустой allowedOrigins разрешает любой Origin.
func NewChatHandler(s ChatService, allowedOrigins []string, logger *zap.Logger) *ChatHandler {
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = struct{}{}
	}
	return &ChatHandler{
		service: s,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || len(origins) == 0 {
					return true
				}
				_, ok := origins[origin]
				return ok
			},
		},
		logger: logger.Named("ChatWS"),
	}
}

// ServeWS проверяет игрока до апгрейда, чтобы ошибка ушла обычным HTTP ответом.
func (h *ChatHandler) ServeWS(c *gin.Context) {
	playerID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"message": "invalid player id", "code": "validation_failed"})
		return
	}
	if _, err := h.service.GetPlayer(c.Request.Context(), playerID); err != nil {
		if errors.Is(err, domain.ErrPlayerNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"message": "Player not found", "code": "player_not_found"})
			return
		}
		h.logger.Error("Failed to load player", zap.String("player_id", playerID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Internal server error", "code": "internal"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrader уже ответил клиенту
		h.logger.Warn("Failed to upgrade connection", zap.String("player_id", playerID.String()), zap.Error(err))
		return
	}

	log := h.logger.With(zap.String("player_id", playerID.String()))
	log.Info("Chat connection established")

	s := &session{
		playerID: playerID,
		conn:     conn,
		service:  h.service,
		send:     make(chan Outbound, 256),
		turns:    make(chan string, pendingTurns),
		closed:   make(chan struct{}),
		logger:   log,
	}
	s.run(c.Request.Context())

	// соединение уже закрыто, контекст запроса может быть отменен
	endCtx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), endSessionTimeout)
	defer cancel()
	if err := h.service.EndChatSession(endCtx, playerID); err != nil {
		log.Error("Failed to end chat session", zap.Error(err))
	}
	log.Info("Chat connection closed")
}

// session - одно соединение. Ходы обрабатываются строго по очереди.
type session struct {
	playerID uuid.UUID
	conn     *websocket.Conn
	service  ChatService
	send     chan Outbound
	turns    chan string
	// closed закрывается, когда writePump завершился
	closed chan struct{}
	logger *zap.Logger
}

func (s *session) run(parent context.Context) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	defer cancel()

	go s.writePump()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.turnLoop(ctx)
	}()

	s.readPump()

	// клиент ушел: прерываем генерацию и дожидаемся хода
	cancel()
	close(s.turns)
	wg.Wait()
	close(s.send)
	<-s.closed
	_ = s.conn.Close()
}

// readPump читает кадры клиента до ошибки или закрытия.
func (s *session) readPump() {
	s.conn.SetReadLimit(maxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		var in Inbound
		if err := json.Unmarshal(raw, &in); err != nil {
			s.emit(Outbound{Type: EventError, Content: "malformed frame"})
			continue
		}
		if in.Type != EventMessage {
			s.emit(Outbound{Type: EventError, Content: "unsupported frame type"})
			continue
		}
		select {
		case s.turns <- in.Content:
		default:
			s.emit(Outbound{Type: EventError, Content: "too many pending messages"})
		}
	}
}

func (s *session) turnLoop(ctx context.Context) {
	for msg := range s.turns {
		if ctx.Err() != nil {
			continue
		}
		res, err := s.service.ChatTurn(ctx, s.playerID, msg, func(chunk string) error {
			s.emit(Outbound{Type: EventChunk, Content: chunk})
			return nil
		})
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("Chat turn failed", zap.Error(err))
			}
			s.emit(Outbound{Type: EventError, Content: turnErrorText(err)})
			continue
		}
		s.emit(Outbound{Type: EventEnd, Content: res.Reply, MessageID: res.AssistantMessage.ID})
	}
}

func turnErrorText(err error) string {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return err.Error()
	case errors.Is(err, domain.ErrOracle):
		return "Yade cannot answer right now, try again later"
	case errors.Is(err, domain.ErrPlayerNotFound):
		return "player not found"
	default:
		return "internal error"
	}
}

// emit не блокируется после остановки writePump.
func (s *session) emit(out Outbound) {
	select {
	case s.send <- out:
	case <-s.closed:
	}
}

// writePump пишет кадры из send и пингует клиента.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(s.closed)
		// разблокирует readPump, если запись упала первой
		_ = s.conn.Close()
	}()

	for {
		select {
		case out, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteJSON(out); err != nil {
				s.logger.Warn("Failed to write frame", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Warn("Failed to send ping", zap.Error(err))
				return
			}
		}
	}
}
