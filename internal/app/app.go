package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"mail-deliverability-go/internal/account"
	"mail-deliverability-go/internal/bounce"
	"mail-deliverability-go/internal/config"
	"mail-deliverability-go/internal/db"
	"mail-deliverability-go/internal/deliverylog"
	"mail-deliverability-go/internal/handler"
	"mail-deliverability-go/internal/mailbox"
	"mail-deliverability-go/internal/maillog"
	"mail-deliverability-go/internal/metrics"
	"mail-deliverability-go/internal/notify"
	"mail-deliverability-go/internal/policy"
	"mail-deliverability-go/internal/scheduler"
	"mail-deliverability-go/internal/server"
	"mail-deliverability-go/internal/store"
	"mail-deliverability-go/internal/transport"
	"mail-deliverability-go/internal/verp"
)

const (
	JobMailbox = "mailbox"
	JobMailLog = "maillog"
	JobCleanup = "cleanup"
)

var (
	ErrScannerDisabled    = errors.New("mailbox scanner is disabled")
	ErrCorrelatorDisabled = errors.New("mail log correlator is disabled")
)

// App wires the deliverability components around one database.
type App struct {
	Config     *config.Config
	DB         *gorm.DB
	Registry   *prometheus.Registry
	Metrics    *metrics.Metrics
	Codec      *verp.Codec
	Classifier *bounce.Classifier
	Store      *store.Store
	Deliveries *deliverylog.Repository
	Dispatcher *notify.Dispatcher
	// Scanner is nil when the mailbox scanner is disabled.
	Scanner *mailbox.Scanner
	// Correlator is nil when the mail log correlator is disabled.
	Correlator *maillog.Correlator
	// Sender sends outgoing mail with VERP return paths and records refusals.
	Sender    transport.Sender
	Scheduler *scheduler.Scheduler

	redis *redis.Client
}

// SetupLogging configures the standard logrus logger.
func SetupLogging(level string) error {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logrus.SetLevel(lvl)
	return nil
}

// New connects the database and builds every component enabled in cfg.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	codec, err := verp.NewCodec(verp.Options{
		Template:     cfg.Bounce.AddressTemplate,
		Secret:       cfg.Bounce.SecretKey,
		LegacySecret: cfg.Bounce.LegacySecretKey,
		MaxAge:       cfg.Bounce.MaxAge,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bounce address codec: %w", err)
	}

	dbConn, err := db.Init(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(reg)

	a := &App{
		Config:     cfg,
		DB:         dbConn,
		Registry:   reg,
		Metrics:    m,
		Codec:      codec,
		Classifier: bounce.NewClassifier(nil),
		Deliveries: deliverylog.New(dbConn),
		Dispatcher: notify.NewDispatcher(),
	}

	directory := account.NewDirectory(dbConn, cfg.Accounts.Table)
	relay := transport.NewSMTPSender(cfg.SMTP)

	a.Dispatcher.
		AddBounceObserver(notify.LogObserver{}).
		AddBounceObserver(account.NewDeactivator(directory, m)).
		AddDeliveryObserver(notify.LogObserver{}).
		AddDeliveryObserver(a.Deliveries).
		AddOperatorNotifier(notify.LogObserver{})

	if len(cfg.Alerts.Recipients) > 0 {
		a.Dispatcher.AddOperatorNotifier(transport.NewOperatorMailer(relay, cfg.Alerts.From, cfg.Alerts.Recipients, m))
	}

	if cfg.Redis.Enabled {
		client, err := notify.ConnectRedis(ctx, cfg.Redis)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redis = client
		pub := notify.NewRedisPublisher(client, cfg.Redis.ChannelPrefix)
		a.Dispatcher.
			AddBounceObserver(pub).
			AddDeliveryObserver(pub).
			AddOperatorNotifier(pub)
		logrus.WithField("addr", cfg.Redis.Addr).Info("Publishing events to Redis")
	}

	a.Store = store.New(dbConn, store.Options{
		Policy: policy.Policy{
			HardWindow:    cfg.Bounce.HardWindow,
			HardThreshold: cfg.Bounce.HardThreshold,
			SoftWindow:    cfg.Bounce.SoftWindow,
			SoftThreshold: cfg.Bounce.SoftThreshold,
			MaxBounces:    cfg.Bounce.MaxBounces,
		},
		Accounts: directory,
		Observer: a.Dispatcher,
		Metrics:  m,
	})

	a.Sender = transport.NewBounceAwareSender(
		transport.NewVERPSender(relay, codec),
		a.Classifier,
		a.Store,
		cfg.SMTP.PropagateRefused,
	)

	if cfg.IMAP.Enabled {
		dial := func(ctx context.Context) (mailbox.Mailbox, error) {
			return mailbox.DialIMAP(cfg.IMAP)
		}
		a.Scanner = mailbox.NewScanner(dial, codec, a.Classifier, a.Store, a.Dispatcher, m)
	}

	if cfg.MailLog.Enabled {
		a.Correlator = maillog.NewCorrelator(cfg.MailLog, a.Dispatcher, m)
	}

	a.Scheduler = scheduler.New(m, cfg.Scheduler.JobTimeout)
	if err := a.registerJobs(); err != nil {
		a.Close()
		return nil, err
	}

	return a, nil
}

func (a *App) registerJobs() error {
	cfg := a.Config.Scheduler
	if a.Scanner != nil {
		if err := a.Scheduler.Add(JobMailbox, cfg.MailboxSpec, func(ctx context.Context) error {
			_, err := a.ScanMailbox(ctx)
			return err
		}); err != nil {
			return err
		}
	}
	if a.Correlator != nil {
		if err := a.Scheduler.Add(JobMailLog, cfg.MailLogSpec, func(ctx context.Context) error {
			_, err := a.TailLog(ctx)
			return err
		}); err != nil {
			return err
		}
	}
	return a.Scheduler.Add(JobCleanup, cfg.CleanupSpec, func(ctx context.Context) error {
		_, _, err := a.Cleanup(ctx)
		return err
	})
}

// ScanMailbox runs one pass over the bounce mailbox.
func (a *App) ScanMailbox(ctx context.Context) (mailbox.Result, error) {
	if a.Scanner == nil {
		return mailbox.Result{}, ErrScannerDisabled
	}
	return a.Scanner.Scan(ctx)
}

// TailLog runs one pass of the transport log correlator.
func (a *App) TailLog(ctx context.Context) (maillog.Result, error) {
	if a.Correlator == nil {
		return maillog.Result{}, ErrCorrelatorDisabled
	}
	return a.Correlator.Run(ctx)
}

// Cleanup drops bounce records and delivery logs older than the retention.
func (a *App) Cleanup(ctx context.Context) (records, deliveries int64, err error) {
	retention := a.Config.Bounce.Retention
	if retention <= 0 {
		return 0, 0, nil
	}
	records, err = a.Store.CleanupStale(ctx, retention)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to clean up bounce records: %w", err)
	}
	deliveries, err = a.Deliveries.Cleanup(ctx, retention)
	if err != nil {
		return records, 0, fmt.Errorf("failed to clean up delivery logs: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"bounce_records": records,
		"delivery_logs":  deliveries,
	}).Info("Cleanup finished")
	return records, deliveries, nil
}

// Serve runs the scheduler and the HTTP API until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	h := handler.NewHandlers(a.DB, a.Store, a.Deliveries, a.Scheduler, a.Registry)
	srv := &http.Server{
		Addr:         ":" + a.Config.Server.Port,
		Handler:      server.SetupRouter(h),
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
	}

	if err := a.Scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.Infof("Starting HTTP server on port %s", a.Config.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	logrus.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.Scheduler.Stop(); err != nil {
		logrus.Errorf("Failed to stop scheduler: %v", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("HTTP server shutdown error: %v", err)
	}

	if serveErr != nil {
		return fmt.Errorf("HTTP server error: %w", serveErr)
	}
	logrus.Info("Server stopped gracefully")
	return nil
}

// Close releases the database and Redis connections.
func (a *App) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		errs = append(errs, sqlDB.Close())
	} else {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
