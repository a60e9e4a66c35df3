// NutriZen - voice nutrition coach
// Streams the microphone to the live model and shows the conversation with
// its structured meal analysis.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/teslashibe/go-nutrizen/internal/config"
	"github.com/teslashibe/go-nutrizen/internal/log"
	"github.com/teslashibe/go-nutrizen/pkg/coach"
	"github.com/teslashibe/go-nutrizen/pkg/history"
	"github.com/teslashibe/go-nutrizen/pkg/tools"
	"github.com/teslashibe/go-nutrizen/pkg/web"
)

func main() {
	config.LoadDotEnv()

	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:   "nutrizen",
		Usage:  "Voice nutrition coach",
		Flags:  globalFlags(),
		Action: serveAction,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Serve the host API and run sessions on demand (default)",
				Flags:  []cli.Flag{&cli.StringFlag{Name: "port", Usage: "HTTP port (overrides PORT)"}},
				Action: serveAction,
			},
			{
				Name:   "talk",
				Usage:  "Start a session in the terminal; Ctrl-C stops it",
				Action: talkAction,
			},
			{
				Name:   "tools",
				Usage:  "Print the tool declarations as JSON",
				Action: toolsAction,
			},
		},
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file"},
		&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
		&cli.StringFlag{Name: "model", Usage: "Live model name"},
		&cli.StringFlag{Name: "voice", Usage: "Coach voice"},
		&cli.StringFlag{Name: "user-id", Usage: "User id passed to tool calls"},
		&cli.StringFlag{Name: "audio-backend", Usage: "auto, ffmpeg or mock"},
		&cli.StringFlag{Name: "release-policy", Usage: "playback-drain or drain-signal"},
	}
}

// loadConfig layers defaults, the YAML file, the environment and flags,
// later sources winning.
func loadConfig(c *cli.Context) (coach.Config, error) {
	cfg := coach.DefaultConfig()
	if path := c.String("config"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return cfg, err
		}
	}
	cfg.LoadEnvConfig()

	for flag, dst := range map[string]*string{
		"log-level":      &cfg.LogLevel,
		"model":          &cfg.Model,
		"voice":          &cfg.Voice,
		"user-id":        &cfg.UserID,
		"audio-backend":  &cfg.AudioBackend,
		"release-policy": &cfg.ReleasePolicy,
		"port":           &cfg.Port,
	} {
		if c.IsSet(flag) {
			*dst = c.String(flag)
		}
	}
	return cfg, nil
}

// setup loads the config and returns an initialized coach and the root
// context, cancelled on SIGINT or SIGTERM.
func setup(c *cli.Context) (*coach.App, coach.Config, context.Context, context.CancelFunc, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, cfg, nil, nil, err
	}
	log.Init(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)

	app, err := coach.New(cfg, coach.WithLogger(log.L()))
	if err != nil {
		cancel()
		return nil, cfg, nil, nil, fmt.Errorf("configuration error: %w", err)
	}
	if err := app.Init(ctx); err != nil {
		cancel()
		return nil, cfg, nil, nil, fmt.Errorf("initialization failed: %w", err)
	}
	return app, cfg, ctx, cancel, nil
}

func serveAction(c *cli.Context) error {
	app, cfg, ctx, cancel, err := setup(c)
	if err != nil {
		return err
	}
	defer cancel()

	srv := web.NewServer(app, cfg.Port, log.L())
	srv.StartAsync()
	defer func() {
		if err := srv.Shutdown(); err != nil {
			log.Warn("web shutdown", "error", err)
		}
	}()

	fmt.Printf("🥗 NutriZen coach ready: http://localhost:%s\n", cfg.Port)
	return app.Run(ctx)
}

func talkAction(c *cli.Context) error {
	app, _, ctx, cancel, err := setup(c)
	if err != nil {
		return err
	}
	defer cancel()
	defer app.Shutdown()

	printed := make(map[string]bool)
	unsubscribe := app.History().Subscribe(func(msgs []history.Message) {
		for _, m := range msgs {
			if m.Partial || printed[m.ID] {
				continue
			}
			printed[m.ID] = true
			printMessage(m)
		}
	})
	defer unsubscribe()

	if err := app.StartSession(ctx); err != nil {
		return err
	}
	fmt.Println("🎙️  Décrivez votre repas. Ctrl-C pour terminer.")

	select {
	case <-ctx.Done():
	case <-app.SessionDone():
		if app.State() == coach.StateError {
			return fmt.Errorf("session ended with an error")
		}
	}
	return nil
}

func printMessage(m history.Message) {
	switch m.Sender {
	case history.SenderUser:
		fmt.Printf("🗣️  Vous: %s\n", m.Text)
	case history.SenderCoach:
		fmt.Printf("🥗 Coach: %s\n", m.Text)
		if a := m.Analysis; a != nil {
			names := make([]string, 0, len(a.MealUnderstanding.Items))
			for _, it := range a.MealUnderstanding.Items {
				names = append(names, it.Name)
			}
			if len(names) > 0 {
				fmt.Printf("   📋 %s\n", strings.Join(names, ", "))
			}
		}
	default:
		fmt.Printf("ℹ️  %s\n", m.Text)
	}
}

func toolsAction(c *cli.Context) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(tools.Declarations())
}
