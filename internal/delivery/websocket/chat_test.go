package websocket

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"yade-server/internal/chat"
	"yade-server/internal/domain"
	"yade-server/internal/service"
)

type fakeChat struct {
	mu       sync.Mutex
	known    uuid.UUID
	failOn   string
	ended    chan uuid.UUID
	messages []string
}

func newFakeChat() *fakeChat {
	return &fakeChat{known: uuid.New(), ended: make(chan uuid.UUID, 1)}
}

func (f *fakeChat) GetPlayer(_ context.Context, id uuid.UUID) (*service.PlayerState, error) {
	if id != f.known {
		return nil, fmt.Errorf("%w: %s", domain.ErrPlayerNotFound, id)
	}
	return &service.PlayerState{Player: &domain.Player{ID: id}}, nil
}

func (f *fakeChat) ChatTurn(_ context.Context, _ uuid.UUID, message string, onChunk func(string) error) (*chat.TurnResult, error) {
	f.mu.Lock()
	f.messages = append(f.messages, message)
	f.mu.Unlock()
	if message == f.failOn {
		return nil, fmt.Errorf("%w: %w", domain.ErrOracle, context.DeadlineExceeded)
	}
	for _, c := range []string{"Hel", "lo"} {
		if err := onChunk(c); err != nil {
			return nil, err
		}
	}
	return &chat.TurnResult{
		AssistantMessage: domain.ChatMessage{ID: 7, Role: domain.RoleAssistant, Content: "Hello"},
		Reply:            "Hello",
	}, nil
}

func (f *fakeChat) EndChatSession(_ context.Context, id uuid.UUID) error {
	f.ended <- id
	return nil
}

func newServer(t *testing.T, f *fakeChat) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws/chat/:id", NewChatHandler(f, nil, zap.NewNop()).ServeWS)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chat/" + id
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Outbound {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var out Outbound
	require.NoError(t, conn.ReadJSON(&out))
	return out
}

func TestChat_StreamsChunksThenEnd(t *testing.T) {
	f := newFakeChat()
	conn := dial(t, newServer(t, f), f.known.String())

	require.NoError(t, conn.WriteJSON(Inbound{Type: EventMessage, Content: "hi"}))
	assert.Equal(t, Outbound{Type: EventChunk, Content: "Hel"}, readFrame(t, conn))
	assert.Equal(t, Outbound{Type: EventChunk, Content: "lo"}, readFrame(t, conn))
	assert.Equal(t, Outbound{Type: EventEnd, Content: "Hello", MessageID: 7}, readFrame(t, conn))

	require.NoError(t, conn.Close())
	select {
	case id := <-f.ended:
		assert.Equal(t, f.known, id)
	case <-time.After(5 * time.Second):
		t.Fatal("session was not ended after disconnect")
	}
}

func TestChat_ErrorFrames(t *testing.T) {
	f := newFakeChat()
	f.failOn = "fail"
	conn := dial(t, newServer(t, f), f.known.String())
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{nope")))
	assert.Equal(t, EventError, readFrame(t, conn).Type)

	require.NoError(t, conn.WriteJSON(Inbound{Type: "typing"}))
	assert.Equal(t, EventError, readFrame(t, conn).Type)

	require.NoError(t, conn.WriteJSON(Inbound{Type: EventMessage, Content: "fail"}))
	out := readFrame(t, conn)
	assert.Equal(t, EventError, out.Type)
	assert.NotEmpty(t, out.Content)

	// соединение живо после ошибки
	require.NoError(t, conn.WriteJSON(Inbound{Type: EventMessage, Content: "again"}))
	assert.Equal(t, EventChunk, readFrame(t, conn).Type)
}

func TestChat_UnknownPlayerRejectedBeforeUpgrade(t *testing.T) {
	f := newFakeChat()
	srv := newServer(t, f)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chat/" + uuid.NewString()

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
