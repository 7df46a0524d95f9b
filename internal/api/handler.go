package api

import (
	"encoding/json"
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/jkatigb/storai-app/internal/dispatch"
	"github.com/jkatigb/storai-app/internal/model"
	"github.com/jkatigb/storai-app/internal/workflow"
)

// Sizer 缓存和会话规模，用于健康检查
type Sizer interface {
	Len() int
}

// maxResultWait 结果长轮询的最长等待
const maxResultWait = 30 * time.Second

// Handler HTTP处理器，只做参数解析和错误映射
type Handler struct {
	machine    *workflow.Machine
	dispatcher *dispatch.Dispatcher
	cache      Sizer
	sessions   Sizer
	log        logrus.FieldLogger
}

func NewHandler(machine *workflow.Machine, dispatcher *dispatch.Dispatcher, cache, sessions Sizer, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{machine: machine, dispatcher: dispatcher, cache: cache, sessions: sessions, log: log}
}

type startRequest struct {
	Parameters model.StoryParameters `json:"parameters"`
}

type feedbackRequest struct {
	Feedback string `json:"feedback"`
	Approved *bool  `json:"approved" binding:"required"`
}

type taskRequest struct {
	TaskType   string          `json:"task_type" binding:"required"`
	Parameters json.RawMessage `json:"parameters"`
}

// StartStory 开始故事会话
func (h *Handler) StartStory(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	snap, err := h.machine.Start(c.Request.Context(), userID(c), req.Parameters)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

// AdvanceStory 执行当前生成阶段
func (h *Handler) AdvanceStory(c *gin.Context) {
	snap, err := h.machine.Advance(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// SubmitFeedback 提交审核意见
func (h *Handler) SubmitFeedback(c *gin.Context) {
	var req feedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	snap, err := h.machine.Submit(c.Request.Context(), c.Param("id"), userID(c), req.Feedback, *req.Approved)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handler) StoryStatus(c *gin.Context) {
	snap, err := h.machine.Get(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handler) StoryPreview(c *gin.Context) {
	p, err := h.machine.Preview(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) EndStory(c *gin.Context) {
	if err := h.machine.End(c.Request.Context(), c.Param("id"), userID(c)); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// EnqueueTask 提交异步任务
func (h *Handler) EnqueueTask(c *gin.Context) {
	var req taskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	id, err := h.dispatcher.Enqueue(c.Request.Context(), userID(c), req.TaskType, req.Parameters)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": id})
}

func (h *Handler) TaskStatus(c *gin.Context) {
	info, err := h.dispatcher.Info(c.Param("id"), userID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// TaskResult 带wait参数时最多阻塞wait时长等待任务结束
func (h *Handler) TaskResult(c *gin.Context) {
	var (
		result any
		err    error
	)
	if wait := c.Query("wait"); wait != "" {
		d, perr := time.ParseDuration(wait)
		if perr != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid wait duration: " + wait})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), min(d, maxResultWait))
		defer cancel()
		result, err = h.dispatcher.Wait(ctx, c.Param("id"), userID(c))
	} else {
		result, err = h.dispatcher.Result(c.Param("id"), userID(c))
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"cache_entries": h.cache.Len(),
		"sessions":      h.sessions.Len(),
		"workers":       h.dispatcher.Workers(),
	})
}

// fail 把领域错误映射为HTTP状态码
func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	entry := h.log.WithFields(logrus.Fields{"path": c.FullPath(), "status": status})
	if status >= http.StatusInternalServerError {
		entry.WithError(err).Error("request failed")
	} else {
		entry.WithError(err).Debug("request rejected")
	}
	if status == http.StatusAccepted {
		c.JSON(status, gin.H{"status": "pending"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, workflow.ErrSessionNotFound), errors.Is(err, dispatch.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrInvalidParameters), errors.Is(err, workflow.ErrMissingOwner),
		errors.Is(err, dispatch.ErrUnknownTaskType), errors.Is(err, dispatch.ErrMissingUser):
		return http.StatusBadRequest
	case errors.Is(err, workflow.ErrAwaitingFeedback), errors.Is(err, workflow.ErrNotAwaitingFeedback):
		return http.StatusConflict
	case errors.Is(err, workflow.ErrStageFailed):
		return http.StatusBadGateway
	case errors.Is(err, dispatch.ErrResultPending):
		return http.StatusAccepted
	case errors.Is(err, dispatch.ErrPoolClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
