package web

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-nutrizen/pkg/capture"
	"github.com/teslashibe/go-nutrizen/pkg/coach"
	"github.com/teslashibe/go-nutrizen/pkg/hub"
	"github.com/teslashibe/go-nutrizen/pkg/tools"
)

const stopTimeout = 5 * time.Second

// ToolInfo describes a declared tool.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func toolInfos() []ToolInfo {
	var out []ToolInfo
	for _, t := range tools.Declarations() {
		for _, fd := range t.FunctionDeclarations {
			out = append(out, ToolInfo{Name: fd.Name, Description: fd.Description})
		}
	}
	return out
}

func errorJSON(c *fiber.Ctx, status int, err error) error {
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

func (s *Server) handleMessages(c *fiber.Ctx) error {
	return c.JSON(s.coach.History().Snapshot())
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.coach.Status())
}

func (s *Server) handleStartSession(c *fiber.Ctx) error {
	err := s.coach.StartSession(c.UserContext())
	switch {
	case err == nil:
		return c.JSON(s.coach.Status())
	case errors.Is(err, coach.ErrSessionActive):
		return errorJSON(c, fiber.StatusConflict, err)
	case errors.Is(err, capture.ErrDeviceUnavailable):
		return errorJSON(c, fiber.StatusServiceUnavailable, err)
	default:
		return errorJSON(c, fiber.StatusBadGateway, err)
	}
}

func (s *Server) handleStopSession(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), stopTimeout)
	defer cancel()

	err := s.coach.StopSession(ctx)
	switch {
	case err == nil:
		return c.JSON(s.coach.Status())
	case errors.Is(err, coach.ErrNoSession):
		return errorJSON(c, fiber.StatusConflict, err)
	default:
		return errorJSON(c, fiber.StatusInternalServerError, err)
	}
}

func (s *Server) handleListTools(c *fiber.Ctx) error {
	return c.JSON(toolInfos())
}

// RunToolRequest is the body of POST /api/tools/:name.
type RunToolRequest struct {
	Args map[string]any `json:"args"`
}

// handleRunTool runs a tool by hand against the backend.
func (s *Server) handleRunTool(c *fiber.Ctx) error {
	name := c.Params("name")

	var req RunToolRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return errorJSON(c, fiber.StatusBadRequest, err)
		}
	}

	result, err := s.coach.RunTool(c.UserContext(), name, req.Args)
	switch {
	case errors.Is(err, tools.ErrUnknownTool):
		return errorJSON(c, fiber.StatusNotFound, err)
	case err != nil:
		return errorJSON(c, fiber.StatusInternalServerError, err)
	}
	s.logger.Info("manual tool run", "tool", name)
	return c.JSON(fiber.Map{"tool": name, "result": result})
}

// handleMessagesWS streams history snapshots, starting with the current one.
func (s *Server) handleMessagesWS(conn *websocket.Conn) {
	s.serveWS(s.messagesHub, conn, s.coach.History().Snapshot())
}

// handleStatusWS streams status updates, starting with the current status.
func (s *Server) handleStatusWS(conn *websocket.Conn) {
	s.serveWS(s.statusHub, conn, s.coach.Status())
}

func (s *Server) serveWS(h *hub.Hub, conn *websocket.Conn, initial any) {
	first, err := hub.EncodeJSON(initial)
	if err != nil {
		s.logger.Warn("encode initial state", "error", err)
		conn.Close()
		return
	}
	hub.NewClient(h, conn, first).Run()
}
