package handler

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"ragchat/internal/ai"
	"ragchat/internal/app"
	"ragchat/internal/transport/http/middleware"
	"ragchat/internal/transport/http/response"
)

const maxUploadSize = 20 << 20 // 20 MB

type KnowledgeHandler struct {
	knowledge *app.KnowledgeService
}

type AskRequest struct {
	Question string `json:"question"`
	UserID   string `json:"userId"`
}

type CrawlRequest struct {
	URL      string `json:"url"`
	Schedule bool   `json:"schedule"`
	UserID   string `json:"userId"`
}

func NewKnowledgeHandler(knowledge *app.KnowledgeService) *KnowledgeHandler {
	return &KnowledgeHandler{knowledge: knowledge}
}

// Upload stores the multipart field "document" and rebuilds the owner's index.
func (h *KnowledgeHandler) Upload(c *gin.Context) {
	file, err := c.FormFile("document")
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "no file uploaded")
		return
	}
	if file.Size > maxUploadSize {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "file too large (max 20MB)")
		return
	}

	f, err := file.Open()
	if err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "failed to read file")
		return
	}
	defer f.Close()

	result, err := h.knowledge.Upload(c.Request.Context(), middleware.Owner(c, ""), file.Filename, f)
	if err != nil {
		writeError(c, err, "upload failed")
		return
	}
	response.OK(c, result)
}

func (h *KnowledgeHandler) Ask(c *gin.Context) {
	var req AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	answer, err := h.knowledge.Ask(c.Request.Context(), middleware.Owner(c, req.UserID), req.Question)
	if err != nil {
		writeError(c, err, "ask failed")
		return
	}
	response.OK(c, answer)
}

func (h *KnowledgeHandler) ListDocuments(c *gin.Context) {
	docs, err := h.knowledge.List(middleware.Owner(c, ""))
	if err != nil {
		writeError(c, err, "list documents failed")
		return
	}
	response.OK(c, docs)
}

func (h *KnowledgeHandler) DeleteDocument(c *gin.Context) {
	name := c.Param("name")
	report, err := h.knowledge.Delete(c.Request.Context(), middleware.Owner(c, ""), name)
	if err != nil {
		writeError(c, err, "delete document failed")
		return
	}
	response.OK(c, gin.H{"deleted": name, "report": report})
}

func (h *KnowledgeHandler) Crawl(c *gin.Context) {
	var req CrawlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	result, err := h.knowledge.Crawl(c.Request.Context(), middleware.Owner(c, req.UserID), req.URL, req.Schedule)
	if err != nil {
		writeError(c, err, "crawl failed")
		return
	}
	response.OK(c, result)
}

func (h *KnowledgeHandler) Refresh(c *gin.Context) {
	report, err := h.knowledge.Refresh(c.Request.Context(), middleware.Owner(c, ""))
	if err != nil {
		writeError(c, err, "refresh failed")
		return
	}
	response.OK(c, report)
}

func (h *KnowledgeHandler) Schedule(c *gin.Context) {
	entries, err := h.knowledge.Schedule(middleware.Owner(c, ""))
	if err != nil {
		writeError(c, err, "list schedule failed")
		return
	}
	response.OK(c, entries)
}

// writeError maps service errors onto status codes. Anything unknown is a 500
// with a generic message; the detail only goes to the log.
func writeError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, app.ErrInvalidInput):
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
	case errors.Is(err, app.ErrUnsupportedType):
		response.Error(c, http.StatusBadRequest, response.CodeUnsupportedType, err.Error())
	case errors.Is(err, app.ErrDocumentNotFound):
		response.Error(c, http.StatusNotFound, response.CodeDocumentNotFound, err.Error())
	case errors.Is(err, app.ErrSchedulerDisabled):
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
	case errors.Is(err, ai.ErrRateLimited):
		response.Error(c, http.StatusTooManyRequests, response.CodeTooManyRequests, "model provider is rate limiting requests, please try again later")
	case errors.Is(err, app.ErrCrawlFailed):
		response.Error(c, http.StatusBadGateway, response.CodeUpstreamFailed, err.Error())
	default:
		log.Printf("http: %s %s: %s: %v", c.Request.Method, c.FullPath(), fallback, err)
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, fallback)
	}
}
