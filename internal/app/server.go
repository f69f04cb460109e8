// Package app exposes the board service over HTTP: a JSON API under
// /api/boards/:board and a server-sent event stream of board changes.
package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"

	"salesops/api/internal/auth"
	"salesops/api/internal/board"
	"salesops/api/internal/dedupe"
	"salesops/api/internal/rbac"
	"salesops/api/internal/realtime"
	"salesops/api/internal/util"
)

const (
	actorKey     = "actor"
	requestIDKey = "request_id"

	defaultPingInterval = 25 * time.Second
)

// IdentityVerifier is satisfied by *auth.Verifier.
type IdentityVerifier interface {
	VerifyHeader(header string) (auth.Identity, error)
	Verify(token string) (auth.Identity, error)
}

// Pinger is a dependency checked by /api/ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Board    *board.Service
	Verifier IdentityVerifier
	// Channel feeds the /events stream.
	Channel realtime.Subscriber
	// Dedupe remembers Idempotency-Key values on move requests. Moves are
	// not deduplicated when nil.
	Dedupe dedupe.Store
	// Checks are pinged by /api/ready, keyed by the name reported back.
	Checks       map[string]Pinger
	CORSOrigin   string
	PingInterval time.Duration
	Logger       *log.Logger
}

type HTTPServer struct {
	board        *board.Service
	verifier     IdentityVerifier
	channel      realtime.Subscriber
	dedupe       dedupe.Store
	checks       map[string]Pinger
	corsOrigin   string
	pingInterval time.Duration
	log          *log.Entry
	echo         *echo.Echo

	streams      context.Context
	closeStreams context.CancelFunc
}

func NewHTTPServer(opts Options) *HTTPServer {
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.CORSOrigin == "" {
		opts.CORSOrigin = "*"
	}
	s := &HTTPServer{
		board:        opts.Board,
		verifier:     opts.Verifier,
		channel:      opts.Channel,
		dedupe:       opts.Dedupe,
		checks:       opts.Checks,
		corsOrigin:   opts.CORSOrigin,
		pingInterval: opts.PingInterval,
		log:          opts.Logger.WithField("component", "http"),
	}
	s.streams, s.closeStreams = context.WithCancel(context.Background())
	s.echo = s.routes()
	return s
}

// CloseStreams ends every open event stream and refuses new ones. Register
// it with http.Server.RegisterOnShutdown so Shutdown is not held open by
// long-lived streams.
func (s *HTTPServer) CloseStreams() {
	s.closeStreams()
}

func (s *HTTPServer) Handler() http.Handler {
	return s.echo
}

func (s *HTTPServer) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = sonicSerializer{}
	e.HTTPErrorHandler = s.handleError

	e.Use(s.requestLogger)
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:  []string{s.corsOrigin},
		AllowHeaders:  []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderXRequestID, headerIdempotencyKey},
		AllowMethods:  []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		ExposeHeaders: []string{echo.HeaderXRequestID, headerIdempotentReplay},
	}))

	e.GET("/api/health", s.health)
	e.HEAD("/api/health", s.health)
	e.GET("/api/ready", s.ready)
	e.HEAD("/api/ready", s.ready)

	g := e.Group("/api/boards/:board", s.requireIdentity)
	g.GET("/capabilities", s.capabilities)

	g.GET("/stages", s.listStages, s.require(rbac.CapViewBoard))
	g.POST("/stages", s.createStage, s.require(rbac.CapConfigureStages))
	g.POST("/stages/reorder", s.reorderStages, s.require(rbac.CapConfigureStages))
	g.PATCH("/stages/:id", s.updateStage, s.require(rbac.CapConfigureStages))
	g.DELETE("/stages/:id", s.deleteStage, s.require(rbac.CapDeleteStage))

	g.GET("/tasks", s.listTasks, s.require(rbac.CapViewBoard))
	g.POST("/tasks", s.createTask, s.require(rbac.CapCreateTask))
	g.GET("/tasks/:id", s.getTask, s.require(rbac.CapViewBoard))
	g.PATCH("/tasks/:id", s.updateTask, s.require(rbac.CapEditTask))
	g.DELETE("/tasks/:id", s.deleteTask, s.require(rbac.CapDeleteTask))
	g.POST("/tasks/:id/move", s.moveTask, s.require(rbac.CapMoveTask))
	g.GET("/tasks/:id/history", s.taskHistory, s.require(rbac.CapViewBoard))
	g.GET("/tasks/:id/comments", s.taskComments, s.require(rbac.CapViewBoard))
	g.POST("/tasks/:id/comments", s.addComment, s.require(rbac.CapEditTask))

	g.GET("/events", s.streamEvents, s.require(rbac.CapViewBoard))
	return e
}

// requestLogger assigns a request id and writes one access log line per
// request after the response is final.
func (s *HTTPServer) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		id := strings.TrimSpace(req.Header.Get(echo.HeaderXRequestID))
		if id == "" {
			id = util.NewID("")
		}
		c.Set(requestIDKey, id)
		c.Response().Header().Set(echo.HeaderXRequestID, id)
		c.Response().Header().Set(echo.HeaderCacheControl, "no-store")

		started := time.Now()
		if err := next(c); err != nil {
			c.Error(err)
		}

		status := c.Response().Status
		entry := s.log.WithFields(log.Fields{
			"request_id":  id,
			"method":      req.Method,
			"path":        req.URL.Path,
			"status":      status,
			"duration_ms": time.Since(started).Milliseconds(),
		})
		if actor, ok := c.Get(actorKey).(board.Actor); ok {
			entry = entry.WithField("actor_id", actor.ID)
		}
		if status >= http.StatusInternalServerError {
			entry.Warn("request")
		} else {
			entry.Info("request")
		}
		return nil
	}
}

func requestID(c echo.Context) string {
	id, _ := c.Get(requestIDKey).(string)
	return id
}

// requireIdentity resolves the bearer token. EventSource cannot set headers,
// so the stream may pass the token as ?token=.
func (s *HTTPServer) requireIdentity(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		var (
			identity auth.Identity
			err      error
		)
		if header == "" && c.QueryParam("token") != "" {
			identity, err = s.verifier.Verify(c.QueryParam("token"))
		} else {
			identity, err = s.verifier.VerifyHeader(header)
		}
		if err != nil {
			return err
		}
		c.Set(actorKey, board.Actor{ID: identity.ActorID, Role: identity.Role})
		return next(c)
	}
}

// require rejects callers lacking capability before the handler runs. The
// board service checks again on every mutation.
func (s *HTTPServer) require(capability rbac.Capability) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			actor := actorFrom(c)
			if !s.board.Can(actor.Role, capability) {
				return forbidden("Forbidden", map[string]any{"capability": capability})
			}
			return next(c)
		}
	}
}

func actorFrom(c echo.Context) board.Actor {
	actor, _ := c.Get(actorKey).(board.Actor)
	return actor
}

func (s *HTTPServer) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) ready(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := make(map[string]any, len(s.checks))
	for name, check := range s.checks {
		if err := check.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}
	return c.JSON(statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) capabilities(c echo.Context) error {
	actor := actorFrom(c)
	return c.JSON(http.StatusOK, map[string]any{
		"actor_id":     actor.ID,
		"role":         actor.Role,
		"capabilities": s.board.Policy().Capabilities(actor.Role),
	})
}

type sonicSerializer struct{}

func (sonicSerializer) Serialize(c echo.Context, i any, indent string) error {
	enc := sonic.ConfigStd.NewEncoder(c.Response())
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(i)
}

// Deserialize treats an empty body as an empty object.
func (sonicSerializer) Deserialize(c echo.Context, i any) error {
	err := sonic.ConfigStd.NewDecoder(c.Request().Body).Decode(i)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return invalid("invalid JSON body", nil)
}

func decodeBody(c echo.Context, target any) error {
	if c.Request().Body == nil {
		return nil
	}
	defer c.Request().Body.Close()
	return c.Echo().JSONSerializer.Deserialize(c, target)
}
