package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	userHeader = "X-User-ID"
	userKey    = "user_id"
)

// NewRouter 注册路由
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(h.log))

	r.GET("/healthz", h.Health)

	authed := r.Group("/", requireUser())
	{
		storyGroup := authed.Group("/story")
		storyGroup.POST("/start", h.StartStory)
		storyGroup.POST("/:id/advance", h.AdvanceStory)
		storyGroup.POST("/:id/feedback", h.SubmitFeedback)
		storyGroup.GET("/:id/status", h.StoryStatus)
		storyGroup.GET("/:id/preview", h.StoryPreview)
		storyGroup.DELETE("/:id", h.EndStory)

		taskGroup := authed.Group("/tasks")
		taskGroup.POST("", h.EnqueueTask)
		taskGroup.GET("/:id", h.TaskStatus)
		taskGroup.GET("/:id/result", h.TaskResult)
	}
	return r
}

// requireUser 用户身份由上游认证写入X-User-ID
func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(userHeader)
		if id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + userHeader + " header"})
			return
		}
		c.Set(userKey, id)
		c.Next()
	}
}

func userID(c *gin.Context) string {
	return c.GetString(userKey)
}

func requestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"elapsed": time.Since(start).Round(time.Millisecond),
			"user":    c.GetString(userKey),
		}).Info("http request")
	}
}
