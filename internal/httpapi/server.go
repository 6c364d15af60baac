// Package httpapi exposes the webhook receiver and the watch control
// plane over HTTP.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mailsync-infra/internal/auth"
	"github.com/Martian-dev/mailsync-infra/internal/pubsub"
	"github.com/Martian-dev/mailsync-infra/internal/sync"
)

type startRequest struct {
	MailboxID          string   `json:"mailboxId" binding:"required"`
	NotificationTarget string   `json:"notificationTarget" binding:"required"`
	LabelFilter        []string `json:"labelFilter"`
}

type stopRequest struct {
	MailboxID string `json:"mailboxId" binding:"required"`
}

// Server wires the sync engine and watch manager into HTTP routes.
type Server struct {
	engine   *sync.Engine
	watches  *sync.WatchManager
	verifier *auth.JWTVerifier
	logger   *slog.Logger
}

// NewServer creates the HTTP API. verifier may be nil, in which case
// the control-plane routes are unauthenticated (local development).
func NewServer(engine *sync.Engine, watches *sync.WatchManager, verifier *auth.JWTVerifier, logger *slog.Logger) *Server {
	return &Server{engine: engine, watches: watches, verifier: verifier, logger: logger}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Pub/Sub push delivery. No auth: the broker authenticates with the
	// push endpoint's OIDC token at the ingress, not here.
	r.POST("/sync/webhook", s.handleWebhook)

	// Manual trigger taking a bare payload, for local testing.
	r.POST("/sync/notify", s.handleNotify)

	control := r.Group("/sync")
	if s.verifier != nil {
		control.Use(s.authMiddleware())
	}
	control.POST("/start", s.handleStart)
	control.POST("/stop", s.handleStop)
	control.GET("/status", s.handleStatus)

	return r
}

func (s *Server) handleWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	n, err := pubsub.Decode(body)
	if err != nil {
		// Malformed payloads get a 4xx so the broker stops redelivering.
		s.logger.Warn("rejected malformed notification", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.dispatch(c, n)
}

func (s *Server) handleNotify(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	n, err := pubsub.DecodeBare(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.dispatch(c, n)
}

func (s *Server) dispatch(c *gin.Context, n *sync.Notification) {
	outcome, err := s.engine.Notify(c.Request.Context(), n)
	if err != nil {
		s.logger.Error("failed to handle notification", "mailbox", n.MailboxID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	if outcome == sync.OutcomeDropped {
		// 503 makes the broker redeliver once there is queue headroom.
		c.JSON(http.StatusServiceUnavailable, gin.H{"outcome": outcome})
		return
	}

	c.JSON(http.StatusOK, gin.H{"outcome": outcome})
}

func (s *Server) handleStart(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	wi, err := s.watches.Start(c.Request.Context(), req.MailboxID, req.NotificationTarget, req.LabelFilter)
	if err != nil {
		if sync.IsConfiguration(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.logger.Error("failed to start watch", "mailbox", req.MailboxID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"mailboxId":  req.MailboxID,
		"cursor":     wi.Cursor,
		"expiration": wi.Expiration,
	})
}

func (s *Server) handleStop(c *gin.Context) {
	var req stopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.watches.Stop(c.Request.Context(), req.MailboxID); err != nil {
		s.logger.Error("failed to stop watch", "mailbox", req.MailboxID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"mailboxId": req.MailboxID, "stopped": true})
}

func (s *Server) handleStatus(c *gin.Context) {
	mailboxID := c.Query("mailboxId")
	if mailboxID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing mailboxId"})
		return
	}

	ws, err := s.watches.Status(c.Request.Context(), mailboxID)
	if err != nil {
		s.logger.Error("failed to read watch status", "mailbox", mailboxID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"mailboxId":   mailboxID,
		"state":       ws.State,
		"cursor":      ws.Cursor,
		"expiration":  ws.Expiration,
		"lastUpdated": ws.LastUpdated,
		"lastError":   ws.LastError,
	})
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, err := s.verifier.CallerFromRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("caller_id", caller.ID)
		c.Next()
	}
}
