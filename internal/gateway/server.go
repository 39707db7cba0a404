// Package gateway serves the HTTP surface: the send endpoint plus probes,
// status, metrics, and operator routes.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/danmuck/wabridge/internal/auth"
	"github.com/danmuck/wabridge/internal/chatstore"
	"github.com/danmuck/wabridge/internal/observability"
	"github.com/danmuck/wabridge/internal/session"
	"github.com/danmuck/wabridge/internal/whatsapp"
)

const (
	msgFieldRequired   = "field is required!"
	msgNotInitialized  = "WhatsApp connection not initialized"
	msgNotReady        = "WhatsApp connection not ready"
	msgSendFailed      = "Failed to send message"
	msgSent            = "Message sent successfully"
	msgRateLimited     = "rate limit exceeded"
	defaultHistorySize = 50
)

var defaultTrustedProxies = []string{"127.0.0.1", "::1"}

// Session is the supervisor surface the gateway depends on.
type Session interface {
	Send(ctx context.Context, to string, text string) (session.Receipt, error)
	HasSession() bool
	IsReady() bool
	Status() session.Status
	Reconnect()
}

// History serves stored chats; nil disables the history routes.
type History interface {
	Chats() []chatstore.Chat
	Messages(chat string, limit int) []chatstore.Message
}

type Options struct {
	CORSOrigins []string
	// TrustedProxies lists proxies whose forwarding headers set the client
	// IP. Nil trusts loopback only; an empty slice trusts none.
	TrustedProxies    []string
	APIToken          string
	AdminToken        string
	VerboseRequestLog bool
	LogMessageContent bool
	ExposeSendErrors  bool
	// RateLimit is sends per second; 0 disables limiting.
	RateLimit float64
	RateBurst int
}

type Server struct {
	opts    Options
	session Session
	history History
	router  *gin.Engine
	limiter *rate.Limiter
	started time.Time
}

func New(opts Options, sess Session, history History) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestID())
	r.Use(observability.RequestLogger(log.Logger, observability.RequestLogOptions{
		Verbose:           opts.VerboseRequestLog,
		LogMessageContent: opts.LogMessageContent,
	}))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(corsConfig(opts.CORSOrigins)))
	proxies := opts.TrustedProxies
	if proxies == nil {
		proxies = defaultTrustedProxies
	}
	if err := r.SetTrustedProxies(proxies); err != nil {
		log.Warn().Err(err).Strs("proxies", proxies).Msg("gateway.New trusted proxies rejected; forwarding headers ignored")
		_ = r.SetTrustedProxies(nil)
	}

	s := &Server{
		opts:    opts,
		session: sess,
		history: history,
		router:  r,
		started: time.Now(),
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:              []string{"POST", "GET", "OPTIONS"},
		AllowHeaders:              []string{"Origin", "X-Requested-With", "Content-Type", "Accept", "Authorization", auth.APIKeyHeader},
		ExposeHeaders:             []string{observability.RequestIDHeader},
		OptionsResponseStatusCode: http.StatusOK,
		MaxAge:                    12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	cfg.AllowOrigins = origins
	return cfg
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.health)
	s.router.GET("/ready", s.ready)
	s.router.GET("/status", s.status)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.POST("/send-message", auth.RequireToken(s.opts.APIToken), s.rateLimit(), s.sendMessage)
	// Preflights without an Origin header skip the cors middleware.
	s.router.OPTIONS("/*path", func(c *gin.Context) { c.Status(http.StatusOK) })

	// Operator routes exist only when an admin token is configured.
	if strings.TrimSpace(s.opts.AdminToken) == "" {
		return
	}
	admin := s.router.Group("/", auth.RequireToken(s.opts.AdminToken))
	admin.POST("/session/reconnect", s.reconnect)
	if s.history != nil {
		admin.GET("/chats", s.chats)
		admin.GET("/chats/:jid/messages", s.messages)
	}
}

type sendRequest struct {
	Number  string `json:"number" form:"number"`
	Message string `json:"message" form:"message"`
}

func (s *Server) sendMessage(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBind(&req); err != nil {
		log.Debug().Err(err).Msg("gateway.Server.sendMessage bind failed")
	}
	if strings.TrimSpace(req.Number) == "" || req.Message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": msgFieldRequired})
		return
	}

	to := whatsapp.NormalizeRecipient(req.Number)
	start := time.Now()
	receipt, err := s.session.Send(c.Request.Context(), to, req.Message)
	switch {
	case errors.Is(err, session.ErrNoSession):
		observability.RecordSend("no_session", 0)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": msgNotInitialized})
		return
	case errors.Is(err, session.ErrNotReady):
		observability.RecordSend("not_ready", 0)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": msgNotReady})
		return
	case err != nil:
		observability.RecordSend("failed", time.Since(start))
		log.Error().
			Str("request_id", observability.RequestIDFrom(c)).
			Str("to", to).
			Err(err).
			Msg("gateway.Server.sendMessage send failed")
		body := gin.H{"success": false, "message": msgSendFailed}
		if s.opts.ExposeSendErrors {
			body["error"] = err.Error()
		}
		c.JSON(http.StatusInternalServerError, body)
		return
	}

	observability.RecordSend("sent", time.Since(start))
	event := log.Info().
		Str("request_id", observability.RequestIDFrom(c)).
		Str("to", to).
		Str("id", receipt.ID)
	if s.opts.LogMessageContent {
		event = event.Str("text", req.Message)
	}
	event.Msg("gateway.Server.sendMessage sent")

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"message":   msgSent,
		"id":        receipt.ID,
		"to":        receipt.To,
		"timestamp": receipt.Timestamp,
	})
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter != nil && !s.limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"success": false, "message": msgRateLimited})
			return
		}
		c.Next()
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"uptime":  time.Since(s.started).String(),
		"service": "wabridge",
	})
}

func (s *Server) ready(c *gin.Context) {
	st := s.session.Status()
	code := http.StatusOK
	if !st.Ready {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"ready": st.Ready,
		"state": st.State,
	})
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"session": s.session.Status(),
		"uptime":  time.Since(s.started).String(),
	})
}

func (s *Server) reconnect(c *gin.Context) {
	log.Info().Str("request_id", observability.RequestIDFrom(c)).Msg("gateway.Server.reconnect requested")
	s.session.Reconnect()
	c.JSON(http.StatusAccepted, gin.H{"success": true, "message": "reconnect scheduled"})
}

func (s *Server) chats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"chats": s.history.Chats()})
}

func (s *Server) messages(c *gin.Context) {
	limit := defaultHistorySize
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	chat := whatsapp.NormalizeRecipient(c.Param("jid"))
	c.JSON(http.StatusOK, gin.H{
		"chat":     chat,
		"messages": s.history.Messages(chat, limit),
	})
}
