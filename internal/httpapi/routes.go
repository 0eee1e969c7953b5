package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultMessageLimit = 50

type sendRequest struct {
	Destination string `json:"destination" binding:"required"`
	Content     string `json:"content" binding:"required"`
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.appeared).String(),
			"component": "hermod-api",
			"instance":  s.cfg.Instance,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api", s.authMiddleware())

	api.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": s.gw.Snapshot()})
	})

	api.POST("/sessions/:account/init", func(c *gin.Context) {
		res, err := s.gw.Init(c.Request.Context(), c.Param("account"))
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	})

	api.GET("/sessions/:account/status", func(c *gin.Context) {
		res, err := s.gw.Status(c.Param("account"))
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	})

	api.POST("/sessions/:account/send", func(c *gin.Context) {
		var req sendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "destination and content required"})
			return
		}
		receipt, err := s.gw.Send(c.Request.Context(), c.Param("account"), req.Destination, req.Content)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, receipt)
	})

	api.GET("/sessions/:account/conversations", func(c *gin.Context) {
		account := c.Param("account")
		if err := s.gw.EnsureOpen(account); err != nil {
			respondErr(c, err)
			return
		}
		if s.history == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "history disabled"})
			return
		}
		chats, err := s.history.Chats(c.Request.Context(), account)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"conversations": chats})
	})

	// Message history persists across disconnects, so listing it has no
	// connectivity precondition.
	api.GET("/sessions/:account/conversations/:conversation/messages", func(c *gin.Context) {
		if s.history == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "history disabled"})
			return
		}
		limit := defaultMessageLimit
		if raw := c.Query("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = parsed
		}
		messages, err := s.history.Messages(c.Request.Context(), c.Param("account"), c.Param("conversation"), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": messages})
	})

	api.DELETE("/sessions/:account", func(c *gin.Context) {
		if err := s.gw.Disconnect(c.Request.Context(), c.Param("account")); err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "disconnected", "account": c.Param("account")})
	})

	api.GET("/feed", func(c *gin.Context) {
		if s.feed == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "feed disabled"})
			return
		}
		s.feed.HandleWS(c.Writer, c.Request)
	})
}
