// Package app wires the urna kiosk runtime: config, logging, token storage, the authority client,
// HTTP routes and the snapshot stream.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"urna/cmd/internal/audit"
	"urna/cmd/internal/authority"
	"urna/cmd/internal/ballot"
	"urna/cmd/internal/kiosk"
	"urna/cmd/internal/votetoken"
)

// pinger is implemented by token stores that sit on a real database.
type pinger interface {
	Ping(ctx context.Context) error
}

// App is the urna server runtime: it owns the token store, HTTP wiring and the session sweeper.
type App struct {
	cfg Config
	log Logger

	metrics *prometheus.Registry

	store   votetoken.Store
	dbPool  *pgxpool.Pool
	durable pinger

	kiosk    *kiosk.Handler
	registry *kiosk.Registry
	sweep    time.Duration
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}
	kcfg, err := kiosk.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a := &App{cfg: cfg, log: log, metrics: reg, sweep: kcfg.SweepInterval}
	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	if err := a.wire(kcfg); err != nil {
		a.closeStore()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(kcfg kiosk.Config) error {
	client, err := authority.New(a.cfg.AuthorityURL,
		authority.WithLogger(a.log),
		authority.WithTimeout(a.cfg.AuthorityTimeout),
		authority.WithBlankSentinel(a.cfg.BlankSentinel),
		authority.WithSingleVoteEndpoint(a.cfg.SingleVoteEndpoint),
	)
	if err != nil {
		return err
	}

	tokenMetrics, err := votetoken.NewMetrics(a.metrics)
	if err != nil {
		return err
	}
	issuer, err := votetoken.NewIssuer(a.store, client,
		votetoken.WithIssuerLogger(a.log),
		votetoken.WithMetrics(tokenMetrics),
	)
	if err != nil {
		return err
	}
	submitter, err := ballot.NewSubmitter(client, a.log, a.metrics)
	if err != nil {
		return err
	}
	reader := audit.NewReader(client,
		audit.WithLogger(a.log),
		audit.WithConcurrency(a.cfg.AuditConcurrency),
		audit.WithCacheSize(a.cfg.AuditCacheSize),
	)

	access, err := kiosk.NewPasetoV4PublicManager(kcfg)
	if err != nil {
		return err
	}
	a.registry = kiosk.NewRegistry(a.log, kcfg.SessionIdleTTL, time.Now)

	a.kiosk, err = kiosk.NewHandler(kcfg, kiosk.Deps{
		Authority: client,
		Loader:    ballot.NewLoader(client, time.Now),
		Tokens:    issuer,
		Consumer:  a.store,
		Committer: submitter,
		Audit:     reader,
		Access:    access,
		Registry:  a.registry,
		Logger:    a.log,
		Metrics:   a.metrics,
	})
	return err
}

// Handler builds the full middleware chain around the route mux.
func (a *App) Handler() (http.Handler, error) {
	m, err := newHTTPMetrics(a.metrics)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.metrics, a.durable, a.kiosk)

	var h http.Handler = mux
	h = WithSecurityHeaders(h)
	h = WithCORS(h, a.cfg, a.log)
	return WithRequestLogging(h, a.log, m), nil
}

// Run starts the HTTP server and the session sweeper, and blocks until context cancellation
// or a fatal server error.
func (a *App) Run(ctx context.Context) error {
	defer a.closeStore()

	handler, err := a.Handler()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 30*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"authority", a.cfg.AuthorityURL,
		"token_store", a.cfg.TokenStore,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.registry.Run(gctx, a.sweep, a.kiosk.PruneLimiters)
		return nil
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err = g.Wait()

	// Open ballots cannot outlive the process; their tokens stay cached for the next run.
	sessions, ballots := a.registry.Len()
	if ballots > 0 {
		a.log.Warn("server.stop.open_ballots", "sessions", sessions, "ballots", ballots)
	}

	if err == nil {
		a.log.Info("server.stopped")
	}
	return err
}

// openStore picks the token store backend. The app owns the pgx pool lifecycle.
func (a *App) openStore(ctx context.Context) error {
	sealer, err := loadSealer(a.log)
	if err != nil {
		return fmt.Errorf("token seal: %w", err)
	}
	opts := []votetoken.StoreOption{votetoken.WithLogger(a.log)}
	if sealer != nil {
		opts = append(opts, votetoken.WithSealer(sealer))
	}

	switch a.cfg.TokenStore {
	case StoreSQLite:
		st, err := votetoken.OpenSQLiteStore(ctx, a.cfg.SQLitePath, opts...)
		if err != nil {
			return err
		}
		a.store, a.durable = st, st
		a.log.Info("token_store.sqlite", "path", a.cfg.SQLitePath, "sealed", sealer != nil)

	case StorePostgres:
		pool, err := NewDBPool(ctx, a.cfg)
		if err != nil {
			return err
		}
		st, err := votetoken.NewPostgresStore(pool, append(opts, votetoken.WithSchema(a.cfg.DBSchema))...)
		if err != nil {
			pool.Close()
			return err
		}
		if err := st.EnsureSchema(ctx); err != nil {
			pool.Close()
			return err
		}
		a.store, a.dbPool = st, pool
		a.durable = poolPinger{pool: pool}
		a.log.Info("token_store.postgres", "schema", a.cfg.DBSchema, "sealed", sealer != nil)

	default:
		st, err := votetoken.NewMemoryStore(opts...)
		if err != nil {
			return err
		}
		a.store = st
		a.log.Warn("token_store.memory", "note", "issued tokens are lost on restart")
	}
	return nil
}

func (a *App) closeStore() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("token_store.close.fail", "err", err)
		}
		a.store = nil
	}
	if a.dbPool != nil {
		a.dbPool.Close()
		a.dbPool = nil
	}
}

type poolPinger struct{ pool *pgxpool.Pool }

func (p poolPinger) Ping(ctx context.Context) error {
	return PingDB(ctx, p.pool, 2*time.Second)
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
