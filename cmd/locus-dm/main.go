// ABOUTME: Entry point for the locus-dm direct messaging server and admin CLI
// ABOUTME: Dispatches subcommands and sets up colored or JSON logging

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/locus-dm/internal/config"
	"github.com/2389/locus-dm/internal/server"
)

// Version is set at build time.
var version = "dev"

const banner = `
  _                               _
 | | ___   ___ _   _ ___       __| |_ __ ___
 | |/ _ \ / __| | | / __|____ / _' | '_ ' _ \
 | | (_) | (__| |_| \__ \____| (_| | | | | | |
 |_|\___/ \___|\__,_|___/     \__,_|_| |_| |_|
`

func usage() {
	fmt.Println("Usage: locus-dm <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                              Start the messaging server")
	fmt.Println("  token --participant ID [--ttl D]   Issue an access token")
	fmt.Println("  profile set --participant ID ...   Upsert a participant profile")
	fmt.Println("  context set --id ID --title T      Upsert a business context")
	fmt.Println("  repair-unread                      Recompute cached unread counters")
	fmt.Println("  health                             Check server readiness")
	fmt.Println("  inbox --as ID [--q QUERY]          List a participant's conversations")
	fmt.Println("  send --as ID --to ID TEXT          Send a message")
	fmt.Println()
	fmt.Println("Every command accepts --config PATH (default $" + config.EnvConfigPath + ").")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "token":
		err = runToken(args)
	case "profile":
		err = runProfile(ctx, args)
	case "context":
		err = runContext(ctx, args)
	case "repair-unread":
		err = runRepairUnread(ctx, args)
	case "health":
		err = runHealth(ctx, args)
	case "inbox":
		err = runInbox(ctx, args)
	case "send":
		err = runSend(ctx, args)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads path. A missing file at the default location falls back
// to the built-in development defaults.
func loadConfig(path string) (*config.Config, string, error) {
	explicit := path != ""
	if !explicit {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return config.Default(), "(defaults)", nil
		}
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func runServe(ctx context.Context, args []string) error {
	fset := newFlagSet("serve")
	configPath := fset.String("config", "", "config file path")
	if err := fset.Parse(args); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, source, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:        %s\n", source)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:          %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:      %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Presence:      %s\n", cfg.Presence.Backend)
	green.Print("    ▶ ")
	fmt.Printf("Notifications: ")
	if cfg.Notifications.Enabled {
		cyan.Printf("%s via %s queue\n", cfg.Notifications.Transport, cfg.Notifications.Queue)
	} else {
		gray.Println("disabled")
	}
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:       %s\n", cfg.Metrics.Path)
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! auth.jwt_secret not set: development identity header enabled")
	}
	fmt.Println()

	logger.Info("starting locus-dm",
		"config", source,
		"http_addr", cfg.Server.HTTPAddr,
	)

	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	return srv.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(&colorHandler{level: level})
}

// outputMu serializes writes from every handler derived from the root one.
var outputMu sync.Mutex

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})
	buf.WriteString("\n")

	outputMu.Lock()
	defer outputMu.Unlock()
	_, err := fmt.Fprint(os.Stdout, buf.String())
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{level: h.level, attrs: newAttrs, groups: h.groups}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{level: h.level, attrs: h.attrs, groups: newGroups}
}
