package http

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"yade-server/internal/service"
)

func (h *GameHandler) createPlayer(c *gin.Context) {
	var in service.CreatePlayerInput
	// пустое тело допустимо: все поля необязательны
	if err := c.ShouldBindJSON(&in); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusUnprocessableEntity, APIError{Message: fmt.Sprintf("invalid request body: %v", err), Code: "validation_failed"})
		return
	}
	p, err := h.service.CreatePlayer(c.Request.Context(), in)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *GameHandler) getPlayer(c *gin.Context) {
	id, ok := playerID(c)
	if !ok {
		return
	}
	p, err := h.service.GetPlayer(c.Request.Context(), id)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *GameHandler) updatePlayer(c *gin.Context) {
	id, ok := playerID(c)
	if !ok {
		return
	}
	var in service.UpdatePlayerInput
	if !bindJSON(c, &in) {
		return
	}
	p, err := h.service.UpdatePlayer(c.Request.Context(), id, in)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *GameHandler) deletePlayer(c *gin.Context) {
	id, ok := playerID(c)
	if !ok {
		return
	}
	if err := h.service.DeletePlayer(c.Request.Context(), id); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *GameHandler) resetPlayer(c *gin.Context) {
	id, ok := playerID(c)
	if !ok {
		return
	}
	res, err := h.service.ResetPlayer(c.Request.Context(), id)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
