// Package app wires the Homeru bot together: storage, config, ledger,
// router, chat transport, announcement scheduler and the HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/Homeru/internal/homeru/chat"
	"github.com/bdobrica/Homeru/internal/homeru/config"
	"github.com/bdobrica/Homeru/internal/homeru/feed"
	"github.com/bdobrica/Homeru/internal/homeru/feishu"
	"github.com/bdobrica/Homeru/internal/homeru/history"
	"github.com/bdobrica/Homeru/internal/homeru/ledger"
	"github.com/bdobrica/Homeru/internal/homeru/llm"
	"github.com/bdobrica/Homeru/internal/homeru/matrix"
	"github.com/bdobrica/Homeru/internal/homeru/policy"
	"github.com/bdobrica/Homeru/internal/homeru/router"
	"github.com/bdobrica/Homeru/internal/homeru/scheduler"
	"github.com/bdobrica/Homeru/internal/homeru/store"
)

// drainTimeout bounds how long shutdown waits for in-flight replies.
const drainTimeout = 30 * time.Second

// App is the running bot.
type App struct {
	cfg    Config
	logger *slog.Logger

	store     *store.Store
	loader    *config.Loader
	watcher   *config.Watcher
	history   *history.Store
	ledger    *ledger.Ledger
	router    *router.Router
	hub       *feed.Hub
	scheduler *scheduler.Scheduler
	server    *Server

	matrix *matrix.Client
	feishu *feishu.Client
}

// New opens storage, loads the bot config and builds every component. It
// does not touch the network; Run does.
func New(cfg Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Info("opening database", "path", cfg.DatabasePath)
	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	a := &App{cfg: cfg, logger: logger, store: st}
	if err := a.build(); err != nil {
		st.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	a.loader = config.New()
	if err := a.loadConfig(); err != nil {
		return err
	}
	snapCfg := a.loader.Config()

	pol := policy.New(a.loader)
	a.history = history.New(snapCfg.History.MaxTurns)

	a.ledger = ledger.New(newBackend(a.cfg, a.store, a.logger), pol, a.logger.With("component", "ledger"))
	a.logger.Info("check-in ledger ready", "backend", a.cfg.LedgerBackend)

	a.hub = feed.NewHub(a.logger.With("component", "feed"))
	a.ledger.OnRecord(a.hub.Publish)

	provider, err := llm.NewOpenAI(a.cfg.LLM)
	if err != nil {
		return fmt.Errorf("failed to initialize completion provider: %w", err)
	}

	var sender chat.Sender
	switch a.cfg.Transport {
	case TransportFeishu:
		a.feishu, err = feishu.New(a.cfg.Feishu, a.logger.With("component", "feishu"))
		if err != nil {
			return fmt.Errorf("failed to initialize Feishu client: %w", err)
		}
		sender = a.feishu
	default:
		mcfg := a.cfg.Matrix
		mcfg.DB = a.store.DB()
		a.logger.Info("connecting to Matrix", "homeserver", mcfg.Homeserver)
		a.matrix, err = matrix.New(mcfg, a.logger.With("component", "matrix"))
		if err != nil {
			return fmt.Errorf("failed to initialize Matrix client: %w", err)
		}
		sender = a.matrix
	}

	a.router, err = router.New(router.Options{
		Config:        a.loader,
		Policy:        pol,
		History:       a.history,
		Ledger:        a.ledger,
		Provider:      provider,
		Sender:        sender,
		Turns:         a.store,
		Logger:        a.logger.With("component", "router"),
		MaxConcurrent: snapCfg.Model.MaxConcurrent,
	})
	if err != nil {
		return err
	}

	a.scheduler = scheduler.New(a.loader, a.ledger, sender, a.logger.With("component", "scheduler"))

	if a.cfg.WatchConfig {
		a.watcher = config.NewWatcher(a.cfg.ConfigPath, a.loader, a.logger.With("component", "config"), a.onConfigApplied)
	}

	if a.cfg.HTTPAddr != "" {
		a.server = NewServer(a.cfg.HTTPAddr, a, a.ledger, a.logger.With("component", "http"))
		a.server.Handle("GET /ws/checkins", a.hub)
	}
	return nil
}

func newBackend(cfg Config, st *store.Store, logger *slog.Logger) ledger.Backend {
	if cfg.LedgerBackend == LedgerJSONL {
		b := ledger.NewJSONL(cfg.LedgerPath)
		b.Logger = logger.With("component", "ledger")
		return b
	}
	return ledger.NewSQLite(st)
}

// OpenLedger opens the configured check-in ledger for reading. Its whitelist
// is empty, so it refuses every check-in. Call closeFn when done.
func OpenLedger(cfg Config, logger *slog.Logger) (l *ledger.Ledger, closeFn func() error, err error) {
	if cfg.LedgerBackend == LedgerJSONL {
		l = ledger.New(ledger.NewJSONL(cfg.LedgerPath), policy.New(config.New()), logger)
		return l, func() error { return nil }, nil
	}
	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	l = ledger.New(ledger.NewSQLite(st), policy.New(config.New()), logger)
	return l, st.Close, nil
}

// loadConfig applies the config file. When the file is unusable the last
// config applied by a previous run is used instead.
func (a *App) loadConfig() error {
	fileErr := a.loader.LoadFile(a.cfg.ConfigPath)
	if fileErr == nil {
		a.persistConfig()
		return nil
	}

	hash, yaml, err := a.store.LoadAppliedConfig()
	if err != nil || yaml == "" {
		return fmt.Errorf("load bot config: %w", fileErr)
	}
	if err := a.loader.Apply([]byte(yaml)); err != nil {
		return fmt.Errorf("load bot config: %w (stored config also invalid: %v)", fileErr, err)
	}
	a.logger.Warn("config file unusable; using last applied config",
		"path", a.cfg.ConfigPath, "err", fileErr, "config_hash", hash)
	return nil
}

func (a *App) persistConfig() {
	if err := a.store.SaveAppliedConfig(a.loader.Hash(), a.loader.YAML()); err != nil {
		a.logger.Warn("could not persist applied config", "err", err)
	}
}

func (a *App) onConfigApplied(snap *config.Snapshot) {
	a.persistConfig()
	a.scheduler.Reload(snap)
}

// Run starts every component and blocks until ctx is cancelled or one of
// them fails. In-flight replies are drained before it returns.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("homeru starting",
		"transport", a.cfg.Transport,
		"http_addr", a.cfg.HTTPAddr,
		"config_hash", a.loader.Hash(),
	)

	group, groupCtx := errgroup.WithContext(ctx)

	var events *feishu.Handler
	switch {
	case a.matrix != nil:
		group.Go(func() error {
			return a.matrix.Start(groupCtx, a.router.Dispatch)
		})
	case a.feishu != nil:
		events = feishu.NewHandler(groupCtx, a.feishu, a.router.Dispatch, a.logger.With("component", "feishu"))
		a.server.Handle("POST /feishu/events", events)
	}
	if a.server != nil {
		group.Go(func() error {
			return a.server.Run(groupCtx)
		})
	}
	if a.watcher != nil {
		group.Go(func() error {
			return a.watcher.Start(groupCtx)
		})
	}
	group.Go(func() error {
		return a.scheduler.Start(groupCtx)
	})
	group.Go(func() error {
		return a.hub.Run(groupCtx)
	})

	err := group.Wait()
	if events != nil {
		events.Wait()
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if werr := a.router.Wait(drainCtx); werr != nil {
		a.logger.Warn("shutdown with replies still in flight", "err", werr)
	}
	a.logger.Info("homeru stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the database.
func (a *App) Close() error {
	a.logger.Info("closing database")
	return a.store.Close()
}

// ConfigHash returns the hash of the applied bot config.
func (a *App) ConfigHash() string { return a.loader.Hash() }

// InFlight returns the number of messages being handled.
func (a *App) InFlight() int64 { return a.router.InFlight() }

// Outcomes returns message counts per routing outcome.
func (a *App) Outcomes() map[string]int64 { return a.router.Counts() }

// FeedClients returns the number of connected feed clients.
func (a *App) FeedClients() int { return a.hub.Clients() }

// Turns returns AI-reply attempts per status.
func (a *App) Turns(ctx context.Context) (map[string]int, error) { return a.store.TurnCounts(ctx) }

// Ledger exposes the check-in ledger for the stats command.
func (a *App) Ledger() *ledger.Ledger { return a.ledger }
