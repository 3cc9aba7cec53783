// Package api serves the JSON control API the dashboard talks to.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"mcrenew/internal/storage"
	"mcrenew/internal/supervisor"
	"mcrenew/internal/task"
	"mcrenew/internal/trigger"
	logx "mcrenew/pkg/logx"
)

type Config struct {
	Addr  string
	Token string
}

type Server struct {
	cfg   Config
	app   *fiber.App
	mgr   *supervisor.Manager
	store storage.Store
	log   logx.Logger
}

// New builds the API. st may be nil when the audit log is disabled.
func New(cfg Config, mgr *supervisor.Manager, st storage.Store, log logx.Logger) *Server {
	s := &Server{cfg: cfg, mgr: mgr, store: st, log: log}
	s.app = fiber.New(fiber.Config{
		ReadTimeout:           15 * time.Second,
		WriteTimeout:          30 * time.Second,
		IdleTimeout:           60 * time.Second,
		ErrorHandler:          s.errorHandler,
		DisableStartupMessage: true,
	})
	s.app.Use(recover.New())
	s.app.Use(s.accessLog)
	s.routes()
	return s
}

// App exposes the fiber app (tests drive it with App().Test).
func (s *Server) App() *fiber.App { return s.app }

// Run listens on cfg.Addr until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.log.Info("control api listening", logx.String("addr", ln.Addr().String()), logx.Bool("auth", s.cfg.Token != ""))

	errCh := make(chan error, 1)
	go func() { errCh <- s.app.Listener(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.app.ShutdownWithContext(shutdownCtx); err != nil {
		s.log.Warn("control api shutdown", logx.Err(err))
	}
	<-errCh
	return nil
}

func (s *Server) routes() {
	s.app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := s.app.Group("/api", bearerAuth(s.cfg.Token))
	api.Get("/tasks", s.listTasks)
	api.Post("/tasks", s.addTask)
	api.Get("/tasks/:id", s.getTask)
	api.Patch("/tasks/:id", s.updateTask)
	api.Delete("/tasks/:id", s.deleteTask)
	api.Post("/tasks/:id/start", s.startTask)
	api.Post("/tasks/:id/stop", s.stopTask)
	api.Post("/tasks/:id/restart", s.restartTask)
	api.Post("/tasks/:id/manual_mode", s.manualMode)
	api.Post("/tasks/:id/trigger/:action", s.triggerTask)
	api.Get("/tasks/:id/screenshots", s.listScreenshots)
	api.Get("/tasks/:id/screenshots/:name", s.getScreenshot)
	api.Get("/tasks/:id/logs", s.taskLogs)
	api.Get("/tasks/:id/audit", s.taskAudit)
}

// bearerAuth accepts "Authorization: Bearer <token>". An empty token
// disables the check (loopback-only deployments).
func bearerAuth(token string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if token == "" {
			return c.Next()
		}
		got := ""
		auth := c.Get(fiber.HeaderAuthorization)
		const prefix = "Bearer "
		if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
			got = auth[len(prefix):]
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		}
		return c.Next()
	}
}

func (s *Server) accessLog(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	s.log.Debug("http access",
		logx.String("method", c.Method()),
		logx.String("path", c.Path()),
		logx.Int("status", c.Response().StatusCode()),
		logx.Duration("took", time.Since(start)),
	)
	return err
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	code := statusFor(err)
	if code >= fiber.StatusInternalServerError {
		s.log.Error("request error", logx.String("method", c.Method()), logx.String("path", c.Path()), logx.Err(err))
	} else {
		s.log.Debug("request failed", logx.String("path", c.Path()), logx.Int("status", code), logx.Err(err))
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func statusFor(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, task.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, task.ErrInvalidTask), errors.Is(err, trigger.ErrInvalidSignal):
		return fiber.StatusBadRequest
	case errors.Is(err, task.ErrExists),
		errors.Is(err, supervisor.ErrAlreadyRunning),
		errors.Is(err, supervisor.ErrNotRunning),
		errors.Is(err, supervisor.ErrTaskDisabled):
		return fiber.StatusConflict
	case errors.Is(err, supervisor.ErrManualSessionRequired):
		return fiber.StatusPreconditionFailed
	}
	return fiber.StatusInternalServerError
}
