// ABOUTME: Server wires store, presence, notifications, conversations, inbox and HTTP API together
// ABOUTME: Manages the HTTP listener, notification workers and graceful shutdown

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/hibiken/asynq"

	"github.com/2389/locus-dm/internal/api"
	"github.com/2389/locus-dm/internal/auth"
	"github.com/2389/locus-dm/internal/config"
	"github.com/2389/locus-dm/internal/conversation"
	"github.com/2389/locus-dm/internal/dedupe"
	"github.com/2389/locus-dm/internal/inbox"
	"github.com/2389/locus-dm/internal/metrics"
	"github.com/2389/locus-dm/internal/notify"
	"github.com/2389/locus-dm/internal/presence"
	"github.com/2389/locus-dm/internal/store"
)

// EnvDBPath overrides database.path.
const EnvDBPath = "LOCUS_DM_DB_PATH"

// shutdownTimeout bounds graceful shutdown once Run's context is cancelled.
const shutdownTimeout = 5 * time.Second

// Server owns every long-lived component of a locus-dm instance.
type Server struct {
	config      *config.Config
	store       *store.SQLiteStore
	presence    presence.Tracker
	broadcaster *conversation.EventBroadcaster
	service     *conversation.Service
	metrics     *metrics.Metrics
	httpServer  *http.Server
	logger      *slog.Logger

	// queue and deliverer are nil when notifications are disabled
	queue     notify.Queue
	deliverer *notify.Deliverer

	// seen remembers delivered message ids
	seen *dedupe.Cache
}

// initStore opens the SQLite store, honouring the LOCUS_DM_DB_PATH override.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv(EnvDBPath); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initPresence creates the configured presence tracker.
func initPresence(ctx context.Context, cfg *config.Config) (presence.Tracker, error) {
	if cfg.Presence.Backend != "redis" {
		return presence.NewLocal(cfg.Presence.TTL, 0), nil
	}
	client, err := presence.DialRedis(ctx, presence.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting presence redis: %w", err)
	}
	return presence.NewRedis(client, cfg.Presence.TTL), nil
}

// newVerifier returns nil when no secret is configured, enabling the development header.
func newVerifier(cfg *config.Config) (auth.TokenVerifier, error) {
	if cfg.Auth.JWTSecret == "" {
		return nil, nil
	}
	v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}
	return v, nil
}

// newTransport creates the configured notification transport.
func newTransport(cfg config.NotificationsConfig, logger *slog.Logger) (notify.Transport, error) {
	switch cfg.Transport {
	case "smtp":
		return notify.NewSMTPTransport(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		}), nil
	case "matrix":
		t, err := notify.NewMatrixTransport(notify.MatrixConfig{
			Homeserver:  cfg.Matrix.Homeserver,
			UserID:      cfg.Matrix.UserID,
			AccessToken: cfg.Matrix.AccessToken,
		})
		if err != nil {
			return nil, fmt.Errorf("creating matrix transport: %w", err)
		}
		return t, nil
	case "log", "":
		return notify.NewLogTransport(logger), nil
	default:
		return nil, fmt.Errorf("unknown notification transport %q", cfg.Transport)
	}
}

// newQueue creates the configured notification queue.
func newQueue(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) notify.Queue {
	n := cfg.Notifications
	if n.Queue == "asynq" {
		return notify.NewAsynqQueue(notify.AsynqConfig{
			Redis: asynq.RedisClientOpt{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			},
			Concurrency: n.Workers,
			Timeout:     time.Duration(n.MaxAttempts) * (n.Timeout + time.Duration(n.MaxAttempts)*n.Backoff),
		}, logger)
	}
	return notify.NewMemoryQueue(n.QueueSize, n.Workers, m, logger)
}

// New creates a Server from cfg. Nothing listens or processes until Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	verifier, err := newVerifier(cfg)
	if err != nil {
		return nil, err
	}
	if verifier == nil {
		logger.Warn("auth.jwt_secret not set - trusting the " + auth.HeaderParticipantID + " header")
	}

	sqlStore, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	tracker, err := initPresence(ctx, cfg)
	if err != nil {
		_ = sqlStore.Close()
		return nil, err
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	srv := &Server{
		config:      cfg,
		store:       sqlStore,
		presence:    tracker,
		broadcaster: conversation.NewEventBroadcaster(logger.With("component", "broadcaster")),
		metrics:     m,
		logger:      logger.With("component", "server"),
	}

	var notifier conversation.Notifier
	if cfg.Notifications.Enabled {
		if err := srv.initNotifications(logger); err != nil {
			srv.closeComponents()
			return nil, err
		}
		notifier = notify.NewDispatcher(srv.queue, m, logger)
	}

	assembler := inbox.NewAssembler(sqlStore, sqlStore, inbox.Config{
		Concurrency:       cfg.Inbox.Concurrency,
		EnrichmentTimeout: cfg.Inbox.EnrichmentTimeout,
	}, m, logger)

	srv.service = conversation.New(sqlStore, assembler, conversation.Options{
		Timeout:     cfg.Database.Timeout,
		Broadcaster: srv.broadcaster,
		Notifier:    notifier,
		Metrics:     m,
		Logger:      logger,
	})

	apiServer := api.New(api.Config{
		Service:   srv.service,
		Directory: sqlStore,
		Health:    sqlStore,
		Verifier:  verifier,
		Presence:  tracker,
		Metrics:   m,
		Logger:    logger,
	})

	mux := http.NewServeMux()
	apiServer.Register(mux, auth.HTTPAuthMiddleware(verifier, tracker, logger))
	if m != nil {
		mux.Handle("GET "+cfg.Metrics.Path, m.Handler())
	}

	srv.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           api.MetricsMiddleware(m)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return srv, nil
}

func (s *Server) initNotifications(logger *slog.Logger) error {
	n := s.config.Notifications

	transport, err := newTransport(n, logger)
	if err != nil {
		return err
	}

	s.seen = dedupe.New(24*time.Hour, 100_000)
	s.deliverer = notify.NewDeliverer(s.store, transport, notify.NewComposer(n.BaseURL), s.presence, s.seen,
		notify.DelivererConfig{
			MaxAttempts: n.MaxAttempts,
			Backoff:     n.Backoff,
			Timeout:     n.Timeout,
			SkipOnline:  n.SkipOnline,
		}, s.metrics, logger)
	s.queue = newQueue(s.config, s.metrics, logger)

	s.logger.Info("notifications enabled",
		"transport", transport.Name(),
		"queue", n.Queue,
		"workers", n.Workers)
	return nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Service returns the conversation service.
func (s *Server) Service() *conversation.Service {
	return s.service
}

// Run listens on server.http_addr and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve starts the notification workers and serves HTTP on ln until ctx is
// cancelled. Returns nil on graceful shutdown, or the first server error.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.queue != nil {
		if err := s.queue.Start(s.deliverer.Handle); err != nil {
			_ = ln.Close()
			return fmt.Errorf("starting notification workers: %w", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := s.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown uses a fresh context since Run's context is already cancelled.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeComponents releases everything except the HTTP server and queue.
func (s *Server) closeComponents() []error {
	var errs []error
	if s.broadcaster != nil {
		s.broadcaster.Close()
	}
	if s.presence != nil {
		errs = appendCloseError(errs, "presence close", s.presence.Close())
	}
	if s.seen != nil {
		s.seen.Close()
	}
	errs = appendCloseError(errs, "store close", s.store.Close())
	return errs
}

// Shutdown ends event streams, stops accepting requests, drains notification
// workers and closes the store last so in-flight deliveries can still read it.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")

	// open event streams only return once their channel closes
	s.broadcaster.Close()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))
	if s.queue != nil {
		errs = appendCloseError(errs, "notification queue shutdown", s.queue.Shutdown(ctx))
	}
	errs = append(errs, s.closeComponents()...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
