package http

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"yade-server/internal/domain"
	"yade-server/internal/service"
)

// APIError представляет стандартизированный ответ об ошибке.
type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// GameHandler обрабатывает REST запросы игрового API.
type GameHandler struct {
	service      service.GameService
	historyLimit int
	logger       *zap.Logger
}

func NewGameHandler(s service.GameService, historyLimit int, logger *zap.Logger) *GameHandler {
	return &GameHandler{
		service:      s,
		historyLimit: historyLimit,
		logger:       logger.Named("GameHandler"),
	}
}

// RegisterRoutes регистрирует маршруты относительно группы /api.
func (h *GameHandler) RegisterRoutes(api *gin.RouterGroup) {
	players := api.Group("/players")
	{
		players.POST("", h.createPlayer)
		players.GET("/:id", h.getPlayer)
		players.PATCH("/:id", h.updatePlayer)
		players.DELETE("/:id", h.deletePlayer)
		players.POST("/:id/reset", h.resetPlayer)

		players.GET("/:id/levels", h.listLevels)
		players.GET("/:id/levels/session", h.getLevelSession)
		players.DELETE("/:id/levels/session", h.clearLevelSession)
		players.GET("/:id/levels/:level_id", h.getLevel)
		players.POST("/:id/levels/choice", h.submitChoice)
		players.POST("/:id/levels/complete", h.completeLevel)
		players.GET("/:id/progress", h.getProgress)

		players.GET("/:id/affinity", h.getAffinity)
		players.GET("/:id/affinity/history", h.affinityHistory)

		players.GET("/:id/chat/history", h.chatHistory)
	}
}

// playerID разбирает :id. При ошибке ответ уже записан.
func playerID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, APIError{Message: "invalid player id", Code: "validation_failed"})
		return uuid.Nil, false
	}
	return id, true
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusUnprocessableEntity, APIError{Message: fmt.Sprintf("invalid request body: %v", err), Code: "validation_failed"})
		return false
	}
	return true
}

// handleServiceError переводит ошибки сервиса в HTTP ответ.
func (h *GameHandler) handleServiceError(c *gin.Context, err error) {
	status, apiErr := errorResponse(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		_ = c.Error(err)
	}
	c.JSON(status, apiErr)
}

func errorResponse(err error) (int, APIError) {
	switch {
	case errors.Is(err, domain.ErrPlayerNotFound):
		return http.StatusNotFound, APIError{Message: "Player not found", Code: "player_not_found"}
	case errors.Is(err, domain.ErrLevelNotFound):
		return http.StatusNotFound, APIError{Message: "Level not found", Code: "level_not_found"}
	case errors.Is(err, domain.ErrNodeNotFound):
		return http.StatusNotFound, APIError{Message: "Dialogue node not found", Code: "node_not_found"}
	case errors.Is(err, domain.ErrChoiceNotFound):
		return http.StatusNotFound, APIError{Message: "Choice not found", Code: "choice_not_found"}
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, APIError{Message: "Resource not found", Code: "not_found"}
	case errors.Is(err, domain.ErrLevelLocked):
		return http.StatusForbidden, APIError{Message: "Level not unlocked yet", Code: "level_locked"}
	case errors.Is(err, domain.ErrValidation):
		return http.StatusUnprocessableEntity, APIError{Message: err.Error(), Code: "validation_failed"}
	case errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict, APIError{Message: err.Error(), Code: "invalid_state"}
	case errors.Is(err, domain.ErrOracle):
		return http.StatusBadGateway, APIError{Message: "Character is unavailable right now", Code: "oracle_unavailable"}
	default:
		return http.StatusInternalServerError, APIError{Message: "Internal server error", Code: "internal"}
	}
}
