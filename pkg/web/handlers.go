package web

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/Bumply/bitirme/internal/telemetry"
	"github.com/Bumply/bitirme/pkg/hub"
)

// handleStatus returns the current pipeline snapshot.
func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.pipe.Snapshot())
}

// handleEvents returns recent telemetry entries, newest first.
func (s *Server) handleEvents(c *fiber.Ctx) error {
	if s.events == nil {
		return c.JSON([]telemetry.Entry{})
	}

	limit := c.QueryInt("limit", 100)
	if limit < 1 || limit > 1000 {
		limit = 100
	}

	entries, err := s.events.Recent(limit)
	if err != nil {
		s.log.Error("telemetry query failed", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "telemetry unavailable",
		})
	}
	if entries == nil {
		entries = []telemetry.Entry{}
	}
	return c.JSON(entries)
}

// handleCalibrate restarts the head-pose baseline routine.
func (s *Server) handleCalibrate(c *fiber.Ctx) error {
	s.pipe.Calibrate()
	return c.JSON(fiber.Map{"status": "calibration started"})
}

// handleCalibrateGesture restarts the gesture threshold routine.
func (s *Server) handleCalibrateGesture(c *fiber.Ctx) error {
	s.pipe.CalibrateGesture()
	return c.JSON(fiber.Map{"status": "gesture calibration started"})
}

// handleEstop latches the emergency stop.
func (s *Server) handleEstop(c *fiber.Ctx) error {
	s.pipe.EmergencyStop()
	return c.JSON(fiber.Map{"status": "emergency stop latched"})
}

// handleReset clears a latched emergency stop.
func (s *Server) handleReset(c *fiber.Ctx) error {
	s.pipe.Reset()
	return c.JSON(fiber.Map{"status": "reset"})
}

// handleStatusWS streams pipeline snapshots over a websocket.
func (s *Server) handleStatusWS(conn *websocket.Conn) {
	// Paint the dashboard immediately instead of waiting for the next
	// broadcast tick. The client pumps take over the connection after.
	if payload, err := json.Marshal(s.pipe.Snapshot()); err == nil {
		conn.WriteMessage(websocket.TextMessage, payload)
	}

	hub.NewClient(s.statusHub, conn).Run()
}
