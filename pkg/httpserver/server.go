// Package httpserver runs a fiber app in the background and stops it on
// demand.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/sync/errgroup"
)

const (
	defaultAddr            = ":8080"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultBodyLimit       = 1 << 20
)

// Server owns a fiber app and the goroutine serving it.
type Server struct {
	eg *errgroup.Group

	App    *fiber.App
	notify chan error

	address         string
	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
	bodyLimit       int

	logger *slog.Logger
}

// New builds the fiber app. Routes are registered on App before Start.
func New(logger *slog.Logger, opts ...Option) *Server {
	group, _ := errgroup.WithContext(context.Background())
	group.SetLimit(1)

	s := &Server{
		eg:              group,
		notify:          make(chan error, 1),
		address:         defaultAddr,
		readTimeout:     defaultReadTimeout,
		writeTimeout:    defaultWriteTimeout,
		shutdownTimeout: defaultShutdownTimeout,
		bodyLimit:       defaultBodyLimit,
		logger:          logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.App = fiber.New(fiber.Config{
		ReadTimeout:           s.readTimeout,
		WriteTimeout:          s.writeTimeout,
		BodyLimit:             s.bodyLimit,
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
		JSONDecoder:           json.Unmarshal,
		JSONEncoder:           json.Marshal,
	})
	return s
}

// Start serves in the background. A listen failure is delivered on Notify.
func (s *Server) Start() {
	s.eg.Go(func() error {
		if err := s.App.Listen(s.address); err != nil {
			s.notify <- err
			close(s.notify)
			return err
		}
		return nil
	})

	s.logger.Info("http server started", "addr", s.address)
}

// Notify reports a server that stopped on its own.
func (s *Server) Notify() <-chan error {
	return s.notify
}

// Shutdown drains open connections for up to the shutdown timeout.
func (s *Server) Shutdown() error {
	var shutdownErrors []error

	if err := s.App.ShutdownWithTimeout(s.shutdownTimeout); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("http server shutdown", "error", err)
		shutdownErrors = append(shutdownErrors, err)
	}

	if err := s.eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("http server stopped with error", "error", err)
		shutdownErrors = append(shutdownErrors, err)
	}

	s.logger.Info("http server stopped")
	return errors.Join(shutdownErrors...)
}

// errorHandler renders errors that escape a route, such as unknown paths
// or an oversized body, in the same {"error": ...} shape the routes use.
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
