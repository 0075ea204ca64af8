package admin

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/drivergate/internal/auth"
	"github.com/danmuck/drivergate/internal/broker"
	"github.com/danmuck/drivergate/internal/observability"
	"github.com/danmuck/drivergate/internal/protocol"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultShutdownTimeout = 5 * time.Second
	serverLabel            = "admin"
)

// Umbrella is the command surface the admin server drives.
type Umbrella interface {
	ExecuteCommand(ctx context.Context, cmd string, args ...any) protocol.Envelope
}

type Config struct {
	Address     string
	CORSOrigins []string
	// Auth guards the routes that create or delete sessions. Nil leaves them
	// open.
	Auth   auth.Validator
	Logger *zerolog.Logger
}

// Server is the operator HTTP surface. It is not a WebDriver endpoint.
type Server struct {
	cfg      Config
	umbrella Umbrella
	router   *gin.Engine
	appeared time.Time
	logger   *zerolog.Logger
	http     *http.Server
}

func New(cfg Config, umbrella Umbrella) *Server {
	observability.RegisterMetrics()
	logger := cfg.Logger
	if logger == nil {
		logger = &log.Logger
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestID())
	r.Use(observability.RequestLogger(*logger))
	r.Use(observability.RequestMetricsMiddleware(serverLabel))
	r.Use(cors.New(cors.Config{
		AllowOrigins:  normalizeOrigins(cfg.CORSOrigins),
		AllowMethods:  []string{"GET", "POST", "DELETE"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", observability.RequestIDHeader},
		ExposeHeaders: []string{observability.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:      cfg,
		umbrella: umbrella,
		router:   r,
		appeared: time.Now(),
		logger:   logger,
	}
	s.registerRoutes()
	return s
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.appeared).String(),
			"component": "drivergate-admin",
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/status", func(c *gin.Context) {
		s.respond(c, s.umbrella.ExecuteCommand(c.Request.Context(), broker.CommandGetStatus), "")
	})

	s.router.GET("/sessions", func(c *gin.Context) {
		s.respond(c, s.umbrella.ExecuteCommand(c.Request.Context(), broker.CommandGetSessions), "")
	})

	mutating := s.router.Group("/", s.requireToken())
	mutating.POST("/sessions", func(c *gin.Context) {
		var body createBody
		if err := c.ShouldBindJSON(&body); err != nil {
			s.respond(c, protocol.Failure(protocol.ProtocolNone,
				protocol.Newf(protocol.KindBadParameters, "invalid session request: %v", err)), "")
			return
		}
		env := s.umbrella.ExecuteCommand(c.Request.Context(), broker.CommandCreateSession,
			mapOrNil(body.DesiredCapabilities), mapOrNil(body.RequiredCapabilities), mapOrNil(body.Capabilities))
		sessionID := ""
		if result, ok := env.Value.(broker.CreateResult); ok {
			sessionID = result.SessionID
		}
		s.respond(c, env, sessionID)
	})

	mutating.DELETE("/sessions/:id", func(c *gin.Context) {
		id := strings.TrimSpace(c.Param("id"))
		s.respond(c, s.umbrella.ExecuteCommand(c.Request.Context(), broker.CommandDeleteSession, id), id)
	})
}

func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.Auth == nil {
			c.Next()
			return
		}
		if err := auth.CheckHeader(s.cfg.Auth, c.GetHeader("Authorization")); err != nil {
			s.logger.Warn().
				Str("path", c.Request.URL.Path).
				Str("client_ip", c.ClientIP()).
				Err(err).
				Msg("admin.Server.requireToken rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

type createBody struct {
	DesiredCapabilities  map[string]any `json:"desiredCapabilities"`
	RequiredCapabilities map[string]any `json:"requiredCapabilities"`
	Capabilities         map[string]any `json:"capabilities"`
}

// mapOrNil keeps a missing envelope an untyped nil so the dispatcher treats
// it as absent.
func mapOrNil(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}

func (s *Server) respond(c *gin.Context, env protocol.Envelope, sessionID string) {
	if env.Failed() {
		resp := env.Response()
		c.JSON(resp.HTTPStatus, resp.Body)
		return
	}
	c.JSON(http.StatusOK, protocol.SuccessBody(env.Protocol, sessionID, env.Value))
}

// Serve blocks until ctx is cancelled or the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	s.http = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Address).Msg("admin.Server.Serve listening")
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("admin.Server.Serve shutdown")
			return err
		}
		return nil
	}
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		out = append(out, origin)
	}
	if len(out) == 0 {
		return []string{"http://localhost:3000"}
	}
	return out
}
