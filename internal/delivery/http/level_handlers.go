package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"yade-server/internal/service"
)

func (h *GameHandler) listLevels(c *gin.Context) {
	id, ok := playerID(c)
	if !ok {
		return
	}
	levels, err := h.service.ListLevels(c.Request.Context(), id)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, levels)
}

func (h *GameHandler) getLevel(c *gin.Context) {
	id, ok := playerID(c)
	if !ok {
		return
	}
	detail, err := h.service.GetLevel(c.Request.Context(), id, c.Param("level_id"))
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *GameHandler) submitChoice(c *gin.Context) {
	id, ok := playerID(c)
	if !ok {
		return
	}
	var in service.ChoiceInput
	if !bindJSON(c, &in) {
		return
	}
	res, err := h.service.SubmitChoice(c.Request.Context(), id, in)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *GameHandler) completeLevel(c *gin.Context) {
	id, ok := playerID(c)
	if !ok {
		return
	}
	var in service.CompleteInput
	if !bindJSON(c, &in) {
		return
	}
	res, err := h.service.CompleteLevel(c.Request.Context(), id, in)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *GameHandler) getProgress(c *gin.Context) {
	id, ok := playerID(c)
	if !ok {
		return
	}
	res, err := h.service.GetProgress(c.Request.Context(), id)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// getLevelSession отдает {"session": null}, если паузы нет.
func (h *GameHandler) getLevelSession(c *gin.Context) {
	id, ok := playerID(c)
	if !ok {
		return
	}
	sess, err := h.service.GetLevelSession(c.Request.Context(), id)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

func (h *GameHandler) clearLevelSession(c *gin.Context) {
	id, ok := playerID(c)
	if !ok {
		return
	}
	if err := h.service.ClearLevelSession(c.Request.Context(), id); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *GameHandler) getAffinity(c *gin.Context) {
	id, ok := playerID(c)
	if !ok {
		return
	}
	res, err := h.service.GetAffinity(c.Request.Context(), id)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *GameHandler) affinityHistory(c *gin.Context) {
	id, ok := playerID(c)
	if !ok {
		return
	}
	res, err := h.service.AffinityHistory(c.Request.Context(), id)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *GameHandler) chatHistory(c *gin.Context) {
	id, ok := playerID(c)
	if !ok {
		return
	}
	limit := h.historyLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusUnprocessableEntity, APIError{Message: "limit must be a positive integer", Code: "validation_failed"})
			return
		}
		limit = n
	}
	res, err := h.service.ChatHistory(c.Request.Context(), id, limit)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
