// Package web exposes the operator surface: a JSON API over the control
// pipeline and a websocket status stream. Every mutating route goes
// through the pipeline so the control policy is never bypassed.
package web

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/Bumply/bitirme/internal/logx"
	"github.com/Bumply/bitirme/internal/telemetry"
	"github.com/Bumply/bitirme/pkg/hub"
	"github.com/Bumply/bitirme/pkg/pipeline"
)

// Pipeline is the slice of the control pipeline the server drives.
type Pipeline interface {
	Snapshot() pipeline.Snapshot
	Calibrate()
	CalibrateGesture()
	EmergencyStop()
	Reset()
}

// EventSource serves recent telemetry entries. A nil source disables the
// events route gracefully.
type EventSource interface {
	Recent(limit int) ([]telemetry.Entry, error)
}

// Config holds the server settings.
type Config struct {
	// ListenAddr is the address the API binds to.
	ListenAddr string

	// StatusInterval is the websocket broadcast period.
	StatusInterval time.Duration
}

// DefaultConfig returns the operator surface defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     ":8080",
		StatusInterval: 200 * time.Millisecond,
	}
}

// Server is the operator-facing HTTP and websocket server.
type Server struct {
	cfg Config
	log *slog.Logger

	app    *fiber.App
	pipe   Pipeline
	events EventSource

	statusHub *hub.Hub
}

// NewServer wires the routes. events may be nil when telemetry is
// disabled.
func NewServer(cfg Config, pipe Pipeline, events EventSource) *Server {
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = DefaultConfig().StatusInterval
	}
	s := &Server{
		cfg:       cfg,
		log:       logx.Component("web"),
		pipe:      pipe,
		events:    events,
		statusHub: hub.New("status"),
	}

	app := fiber.New(fiber.Config{
		AppName:               "facedrive",
		DisableStartupMessage: true,
	})

	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/events", s.handleEvents)
	api.Post("/calibrate", s.handleCalibrate)
	api.Post("/gesture/calibrate", s.handleCalibrateGesture)
	api.Post("/estop", s.handleEstop)
	api.Post("/reset", s.handleReset)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/status", websocket.New(s.handleStatusWS))

	s.app = app
	return s
}

// Run serves until ctx is cancelled, then shuts the listener down.
func (s *Server) Run(ctx context.Context) error {
	go s.statusHub.Run()
	go s.broadcastLoop(ctx)

	s.log.Info("operator surface listening", "addr", s.cfg.ListenAddr)

	errc := make(chan error, 1)
	go func() {
		errc <- s.app.Listen(s.cfg.ListenAddr)
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("web: listen %s: %w", s.cfg.ListenAddr, err)
	case <-ctx.Done():
		return s.app.Shutdown()
	}
}

// broadcastLoop pushes the pipeline snapshot to websocket clients at the
// configured rate. Nothing is marshalled while nobody is connected.
func (s *Server) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.statusHub.ClientCount() == 0 {
				continue
			}
			if err := s.statusHub.BroadcastJSON(s.pipe.Snapshot()); err != nil {
				s.log.Warn("status broadcast failed", "error", err)
			}
		}
	}
}
