package api

import (
	"errors"
	"net/http"
	"path/filepath"

	"mediadl/event"
	"mediadl/task"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

type Handler struct {
	taskManager *task.Manager
	bus         *event.Bus
	log         zerolog.Logger

	// origins lists extra host patterns allowed to open the events stream.
	origins []string
}

func NewHandler(tm *task.Manager, bus *event.Bus, log zerolog.Logger) *Handler {
	return &Handler{
		taskManager: tm,
		bus:         bus,
		log:         log,
	}
}

type TaskRequest struct {
	Source  string `json:"source" binding:"required"`
	ID      string `json:"id" binding:"required"`
	Name    string `json:"name"`
	Singer  string `json:"singer"`
	Album   string `json:"album"`
	Quality string `json:"quality"`
}

// handleCreateTask submits a download and returns its identity.
func (h *Handler) handleCreateTask(c *gin.Context) {
	var req TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	item := task.Item{
		Source: req.Source,
		ID:     req.ID,
		Name:   req.Name,
		Singer: req.Singer,
		Album:  req.Album,
	}
	id, err := h.taskManager.Submit(item, task.Quality(req.Quality))
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"identity": id})
	case errors.Is(err, task.ErrDuplicateSubmission):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "identity": item.Identity()})
	case errors.Is(err, task.ErrInvalidItem), errors.Is(err, task.ErrInvalidQuality):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, task.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create task", "details": err.Error()})
	}
}

func (h *Handler) handleListTasks(c *gin.Context) {
	c.JSON(http.StatusOK, h.taskManager.QueryAll())
}

func (h *Handler) handleGetTask(c *gin.Context) {
	t, found := h.taskManager.Get(task.Identity(c.Param("identity")))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *Handler) handleCancelTask(c *gin.Context) {
	ok := h.taskManager.Cancel(task.Identity(c.Param("identity")))
	c.JSON(http.StatusOK, gin.H{"cancelled": ok})
}

func (h *Handler) handleDismissTask(c *gin.Context) {
	ok := h.taskManager.Dismiss(task.Identity(c.Param("identity")))
	c.JSON(http.StatusOK, gin.H{"dismissed": ok})
}

// handleGetFile serves the file of a completed task.
func (h *Handler) handleGetFile(c *gin.Context) {
	t, found := h.taskManager.Get(task.Identity(c.Param("identity")))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}
	if t.Status != task.StatusCompleted {
		c.JSON(http.StatusConflict, gin.H{"error": "Task is not completed", "status": t.Status})
		return
	}
	c.FileAttachment(t.Destination, filepath.Base(t.Destination))
}
