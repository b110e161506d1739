package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/ticketmail/internal/api"
	"github.com/vdavid/ticketmail/internal/auth"
	"github.com/vdavid/ticketmail/internal/config"
	"github.com/vdavid/ticketmail/internal/crypto"
	"github.com/vdavid/ticketmail/internal/db"
	"github.com/vdavid/ticketmail/internal/imap"
	"github.com/vdavid/ticketmail/internal/ingest"
	"github.com/vdavid/ticketmail/internal/lock"
	"github.com/vdavid/ticketmail/internal/models"
	"github.com/vdavid/ticketmail/internal/notify"
	"github.com/vdavid/ticketmail/internal/queue"
	"github.com/vdavid/ticketmail/internal/scheduler"
	ws "github.com/vdavid/ticketmail/internal/websocket"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("Server stopped")
	}
}

func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	if cfg.LogFormat == "json" || cfg.Environment == "production" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.WithField("level", cfg.LogLevel).Warn("Unknown log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	pool, err := db.NewConnection(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.CloseConnection(pool)
	logger.Info("Successfully connected to database")

	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKeyBase64)
	if err != nil {
		return fmt.Errorf("failed to create encryptor: %w", err)
	}

	store := db.NewStore(pool)

	var external lock.ExternalLock
	if cfg.CrossProcessLock {
		external = lock.NewPgAdvisoryLock(pool, logger)
	}
	locks := lock.NewCoordinator(cfg.LockTimeout, external)

	var mailer *notify.Mailer
	if cfg.SMTPEnabled() {
		mailer = notify.NewMailer(notify.MailerConfig{
			Addr:       cfg.SMTPAddr,
			Username:   cfg.SMTPUsername,
			Password:   cfg.SMTPPassword,
			From:       cfg.SMTPFrom,
			InstanceID: cfg.InstanceID,
		})
	} else {
		logger.Warn("SMTP_ADDR not set, alerts and owner notifications are only logged")
	}
	alerter := notify.NewAlerter(logger, mailer, cfg.AlertRecipients)

	hub := ws.NewHub(cfg.WSMaxConnections, logger)
	notifier := notify.NewNotifier(hub, mailer, logger)

	sessions := imap.NewManager(imap.ManagerConfig{
		UseTLS:      cfg.IMAPUseTLS,
		DialTimeout: cfg.IMAPDialTimeout,
		Pooling:     cfg.IMAPPooling,
		Diagnostics: cfg.IMAPDiagnostics,
		IdleTimeout: cfg.IMAPSessionIdleTimeout,
	}, locks, encryptor, alerter, logger)
	defer sessions.Close()

	accounts := queue.New[string]("accounts", cfg.QueueSize)
	raw := queue.New[*models.RawMessage]("raw", cfg.QueueSize)
	inquiries := queue.New[*models.EmailRecord]("inquiries", cfg.QueueSize)

	sched := scheduler.New(scheduler.Config{
		ControlPeriod:  cfg.ControlPeriod,
		MaxPerCycle:    cfg.MaxPerCycle,
		RollbackWindow: cfg.RollbackWindow,
		ImportHistory:  cfg.ImportHistory,
		AlertThreshold: cfg.AlertThreshold,
	}, store, sessions, accounts, raw, alerter, logger)
	feeder := scheduler.NewFeeder(store, accounts, cfg.SchedulerInterval, logger)

	ingestor := ingest.New(ingest.Config{
		InstanceID:     cfg.InstanceID,
		SenderAddress:  cfg.SMTPFrom,
		AlertThreshold: cfg.AlertThreshold,
		MaxAttempts:    cfg.IngestMaxAttempts,
	}, store, raw, inquiries, notifier, alerter, logger)
	retrier := ingest.NewRetrier(store, raw, cfg.IngestRetryInterval, cfg.IngestMaxAttempts, logger)
	dispatcher := ingest.NewInquiryDispatcher(inquiries, ingest.LogResolver{Logger: logger}, logger)
	manual := ingest.NewManualFetcher(store, sessions, raw, logger)

	for _, worker := range []func(context.Context){
		alerter.Run, notifier.Run, sched.Run, feeder.Run, ingestor.Run, retrier.Run, dispatcher.Run,
	} {
		go worker(ctx)
	}

	server := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: NewServer(ServerDeps{
			Auth:     auth.NewAuthenticator(cfg.APITokens, cfg.TestMode, logger),
			Fetcher:  manual,
			Accounts: accounts,
			Hub:      hub,
			Logger:   logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{"address": server.Addr, "environment": cfg.Environment}).Info("Ticketmail server starting")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// ServerDeps are the components the HTTP API is built from.
type ServerDeps struct {
	Auth    *auth.Authenticator
	Fetcher interface {
		api.Fetcher
		api.OriginalFetcher
	}
	Accounts *queue.Queue[string]
	Hub      *ws.Hub
	Logger   *logrus.Logger
}

// NewServer creates and returns a new HTTP handler for the Ticketmail API server.
func NewServer(deps ServerDeps) http.Handler {
	accountsHandler := api.NewAccountsHandler(deps.Fetcher, deps.Accounts, deps.Logger)
	emailsHandler := api.NewEmailsHandler(deps.Fetcher, deps.Logger)
	wsHandler := api.NewWebSocketHandler(deps.Auth, deps.Hub, deps.Logger)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", handleRoot)

	mux.Handle("POST /api/v1/accounts/{id}/fetch", deps.Auth.RequireAuth(http.HandlerFunc(accountsHandler.Fetch)))
	mux.Handle("POST /api/v1/accounts/{id}/poll", deps.Auth.RequireAuth(http.HandlerFunc(accountsHandler.Poll)))
	mux.Handle("GET /api/v1/emails/{id}/original", deps.Auth.RequireAuth(http.HandlerFunc(emailsHandler.GetOriginal)))
	// The WebSocket handler authenticates on its own (browsers can't set headers on upgrades).
	mux.HandleFunc("GET /api/v1/ws", wsHandler.Handle)

	return logRequests(mux, deps.Logger)
}

func logRequests(next http.Handler, logger *logrus.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if strings.HasPrefix(r.URL.Path, "/api/") {
			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": time.Since(start).String(),
			}).Debug("HTTP request")
		}
	})
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Ticketmail API is running")
}
