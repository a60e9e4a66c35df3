// Package web serves the coach's host API: REST control of the session and
// websocket streams of the conversation and status.
package web

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-nutrizen/pkg/coach"
	"github.com/teslashibe/go-nutrizen/pkg/history"
	"github.com/teslashibe/go-nutrizen/pkg/hub"
)

const statusInterval = time.Second

// Coach is the application the server controls.
type Coach interface {
	StartSession(ctx context.Context) error
	StopSession(ctx context.Context) error
	Status() coach.Status
	History() *history.Store
	RunTool(ctx context.Context, name string, args map[string]any) (any, error)
}

// Server is the host API server.
type Server struct {
	app    *fiber.App
	port   string
	coach  Coach
	logger *slog.Logger

	messagesHub *hub.Hub
	statusHub   *hub.Hub

	// changed is poked on every history change so status goes out promptly.
	changed     chan struct{}
	done        chan struct{}
	stopOnce    sync.Once
	unsubscribe func()
}

// NewServer creates a server for c listening on port.
func NewServer(c Coach, port string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		port:        port,
		coach:       c,
		logger:      logger.With("component", "web"),
		messagesHub: hub.New("messages", logger),
		statusHub:   hub.New("status", logger),
		changed:     make(chan struct{}, 1),
		done:        make(chan struct{}),
	}

	app := fiber.New(fiber.Config{
		AppName:               "NutriZen",
		DisableStartupMessage: true,
	})
	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/messages", s.handleMessages)
	api.Get("/status", s.handleStatus)
	api.Post("/session/start", s.handleStartSession)
	api.Post("/session/stop", s.handleStopSession)
	api.Get("/tools", s.handleListTools)
	api.Post("/tools/:name", s.handleRunTool)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/messages", websocket.New(s.handleMessagesWS))
	app.Get("/ws/status", websocket.New(s.handleStatusWS))

	s.app = app
	return s
}

// Start runs the hubs and serves until Shutdown.
func (s *Server) Start() error {
	go s.messagesHub.Run()
	go s.statusHub.Run()

	s.unsubscribe = s.coach.History().Subscribe(func(msgs []history.Message) {
		if err := s.messagesHub.BroadcastJSON(msgs); err != nil {
			s.logger.Warn("encode messages", "error", err)
		}
		select {
		case s.changed <- struct{}{}:
		default:
		}
	})
	go s.statusLoop()

	s.logger.Info("host api listening", "url", "http://localhost:"+s.port)
	return s.app.Listen(":" + s.port)
}

// StartAsync starts the server in a goroutine.
func (s *Server) StartAsync() {
	go func() {
		if err := s.Start(); err != nil {
			s.logger.Error("web server", "error", err)
		}
	}()
}

// statusLoop pushes status to subscribers on history changes and on a
// fixed interval.
func (s *Server) statusLoop() {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		case <-s.changed:
		}
		if s.statusHub.ClientCount() == 0 {
			continue
		}
		if err := s.statusHub.BroadcastJSON(s.coach.Status()); err != nil {
			s.logger.Warn("encode status", "error", err)
		}
	}
}

// Shutdown stops the hubs and the HTTP listener.
func (s *Server) Shutdown() error {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		s.messagesHub.Stop()
		s.statusHub.Stop()
	})
	return s.app.Shutdown()
}
