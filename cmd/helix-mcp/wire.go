package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/scrypster/helixmcp/internal/api/mcp"
	"github.com/scrypster/helixmcp/internal/catalog"
	"github.com/scrypster/helixmcp/internal/config"
	"github.com/scrypster/helixmcp/internal/consistency"
	"github.com/scrypster/helixmcp/internal/engine"
	"github.com/scrypster/helixmcp/internal/helix"
	"github.com/scrypster/helixmcp/internal/llm"
	"github.com/scrypster/helixmcp/internal/metrics"
	"github.com/scrypster/helixmcp/internal/notify"
	"github.com/scrypster/helixmcp/internal/router"
	"github.com/scrypster/helixmcp/internal/session"
	"github.com/scrypster/helixmcp/internal/storage"
	"github.com/scrypster/helixmcp/internal/storage/postgres"
	"github.com/scrypster/helixmcp/internal/storage/sqlite"
)

// journalFile is the sqlite journal name under journal.data_path.
const journalFile = "journal.db"

// app holds every wired component. Fields are set once by newApp.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	client      *helix.Client
	router      *router.Router
	sessions    *session.Registry
	embedder    llm.Embedder
	journal     storage.JournalStore
	hub         *notify.Hub
	coordinator *consistency.Coordinator
	dispatcher  *engine.Dispatcher
	mcp         *mcp.Server
}

// newApp wires the components in dependency order. A routing table that does
// not match the query catalogue is fatal.
func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	cat, err := catalog.Load()
	if err != nil {
		return nil, fmt.Errorf("loading query catalogue: %w", err)
	}
	a.router, err = router.New(cat, router.Mode(cfg.Embedding.Mode))
	if err != nil {
		return nil, err
	}

	a.client = helix.New(helix.Config{
		BaseURL:         cfg.HelixBaseURL(),
		Timeout:         cfg.Helix.Timeout,
		MaxRetries:      cfg.Helix.MaxRetries,
		BreakerFailures: cfg.Helix.BreakerFailures,
		BreakerTimeout:  cfg.Helix.BreakerTimeout,
	}, helix.WithLogger(logger.Named("helix")), helix.WithMetrics(a.metrics))

	a.embedder, err = llm.NewEmbedder(cfg.Embedding, a.metrics.BreakerObserver("embedding"))
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	a.sessions = session.NewRegistry(a.client,
		session.WithTTL(cfg.Sessions.TTL),
		session.WithMaxSessions(cfg.Sessions.Max),
		session.WithPageSize(cfg.Sessions.PageSize),
		session.WithSweepInterval(cfg.Sessions.SweepInterval),
		session.WithLogger(logger.Named("sessions")),
		session.WithMetrics(a.metrics),
	)

	a.journal, err = openJournal(cfg.Journal, logger)
	if err != nil {
		return nil, err
	}

	a.hub = notify.NewHub(logger.Named("events"))

	coordOpts := []consistency.Option{
		consistency.WithJournal(a.journal),
		consistency.WithPublisher(a.publisher()),
		consistency.WithLogger(logger.Named("consistency")),
		consistency.WithMetrics(a.metrics),
	}
	engineOpts := []engine.Option{
		engine.WithLogger(logger.Named("engine")),
		engine.WithMetrics(a.metrics),
	}
	if a.embedder != nil {
		coordOpts = append(coordOpts, consistency.WithEmbedder(a.embedder))
		engineOpts = append(engineOpts, engine.WithEmbedder(a.embedder))
	}
	a.coordinator = consistency.New(a.client, consistency.Config{
		MaxAttempts:    cfg.Consistency.MaxAttempts,
		InitialBackoff: cfg.Consistency.InitialBackoff,
	}, coordOpts...)

	a.dispatcher = engine.New(a.router, a.sessions, a.coordinator, a.client, engineOpts...)
	a.mcp = mcp.NewServer(a.dispatcher,
		mcp.WithServerInfo(cfg.Server.Name, cfg.Server.Version),
		mcp.WithLogger(logger.Named("mcp")),
	)
	return a, nil
}

// publisher picks where consistency events go. The HTTP server owns the
// event stream and reads event files written by stdio and TCP servers that
// share its data path, so only those write files.
func (a *app) publisher() notify.Publisher {
	if a.cfg.Server.Transport == "http" {
		return a.hub
	}
	return notify.Multi{a.hub, notify.NewEventWriter(a.cfg.Journal.DataPath, a.logger.Named("events"))}
}

// Close releases the journal and disconnects event subscribers.
func (a *app) Close() error {
	a.hub.Close()
	return a.journal.Close()
}

func openJournal(cfg config.JournalConfig, logger *zap.Logger) (storage.JournalStore, error) {
	switch cfg.Engine {
	case "none":
		logger.Warn("repair journal disabled; partial updates will only be logged")
		return storage.NopJournal{}, nil
	case "postgres":
		logger.Info("opening postgres journal", zap.String("dsn", storage.SanitizeDSN(cfg.DSN)))
		j, err := postgres.Open(cfg.DSN, logger.Named("journal"))
		if err != nil {
			return nil, fmt.Errorf("opening journal: %w", err)
		}
		return j, nil
	case "sqlite":
		path := filepath.Join(cfg.DataPath, journalFile)
		logger.Info("opening sqlite journal", zap.String("path", path))
		j, err := sqlite.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening journal: %w", err)
		}
		return j, nil
	}
	return nil, fmt.Errorf("unsupported journal engine %q", cfg.Engine)
}

// probe reports whether the backend answers. Failure is not fatal for serve
// since the backend may start later.
func (a *app) probe(ctx context.Context) error {
	if err := a.client.Ping(ctx); err != nil {
		return errors.Join(fmt.Errorf("helix backend at %s is unreachable", a.cfg.HelixBaseURL()), err)
	}
	return nil
}
