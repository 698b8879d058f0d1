package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"ragchat/internal/app"
	"ragchat/internal/transport/http/middleware"
	"ragchat/internal/transport/http/response"
)

type HistoryHandler struct {
	history *app.HistoryService
}

func NewHistoryHandler(history *app.HistoryService) *HistoryHandler {
	return &HistoryHandler{history: history}
}

func (h *HistoryHandler) Get(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	convs, err := h.history.GetHistory(c.Request.Context(), middleware.Owner(c, ""), limit)
	if err != nil {
		writeError(c, err, "fetch history failed")
		return
	}
	response.OK(c, convs)
}

func (h *HistoryHandler) Clear(c *gin.Context) {
	deleted, err := h.history.ClearHistory(c.Request.Context(), middleware.Owner(c, ""))
	if err != nil {
		writeError(c, err, "clear history failed")
		return
	}
	response.OK(c, gin.H{"deleted": deleted})
}
