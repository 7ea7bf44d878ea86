// Package app wires the subsystems together. Construction is explicit: every
// component receives its collaborators through New, nothing reaches for a
// package-level singleton, and tests can assemble a partial App with fakes.
package app

import (
	"context"
	"database/sql"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"missioncore/internal/alloc"
	"missioncore/internal/analytics"
	"missioncore/internal/bus"
	"missioncore/internal/config"
	"missioncore/internal/db"
	"missioncore/internal/decision"
	"missioncore/internal/events"
	"missioncore/internal/migrate"
	"missioncore/internal/repo"
	"missioncore/internal/scheduler"
	"missioncore/internal/worker"
)

// App holds every constructed subsystem. cmd builds one App per process and
// tests build one per case.
type App struct {
	Config    *config.Config
	DB        *sql.DB
	Repo      repo.Repo
	Bus       *bus.Bus
	Events    events.Writer
	Alloc     *alloc.Allocator
	Decision  *decision.Engine
	Scheduler *scheduler.Scheduler
	Analytics *analytics.Engine
	Workers   *worker.Pool
	Log       zerolog.Logger
}

// Options tune construction. Zero value gives the production wiring.
type Options struct {
	Workspace string
	LogOut    io.Writer
	LogLevel  zerolog.Level
	// Reasoner overrides the third decision tier. Nil means build the
	// GenAI client from config, or run without one when no API key is set.
	Reasoner decision.Reasoner
}

// New opens the database, runs migrations and constructs every subsystem.
// Background loops are not started; call Run for that.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	out := opts.LogOut
	if out == nil {
		out = os.Stderr
	}
	log := zerolog.New(out).Level(opts.LogLevel).With().Timestamp().Logger()

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	r := repo.Repo{DB: conn}

	b := bus.New(cfg.Bus.RetainPerTopic, log)
	ev := events.Writer{Repo: r, Bus: b}
	a := alloc.New(cfg, r, ev, log)

	reasoner := opts.Reasoner
	if reasoner == nil {
		if key := os.Getenv(cfg.Reasoning.APIKeyEnv); key != "" {
			gr, rerr := decision.NewGenAIReasoner(ctx, key, cfg.Reasoning.Model)
			if rerr != nil {
				log.Warn().Err(rerr).Msg("reasoning tier unavailable, decisions fall back to rules")
			} else {
				reasoner = gr
			}
		}
	}
	eng := decision.New(cfg, a, reasoner, ev, log)
	sched := scheduler.New(cfg, r, a, eng, b, ev, log)
	an := analytics.New(cfg, r, b, a, ev, log)
	pool := worker.New(cfg, r, b, a, log)

	return &App{
		Config:    cfg,
		DB:        conn,
		Repo:      r,
		Bus:       b,
		Events:    ev,
		Alloc:     a,
		Decision:  eng,
		Scheduler: sched,
		Analytics: an,
		Workers:   pool,
		Log:       log,
	}, nil
}

// Run rebuilds in-memory state from the database and starts every
// background loop. It returns once all loops are running.
func (a *App) Run(ctx context.Context) error {
	if err := a.Alloc.Rebuild(ctx); err != nil {
		return err
	}
	if err := a.Scheduler.Rebuild(ctx); err != nil {
		return err
	}
	go a.Workers.Run(ctx)
	go a.Analytics.Run(ctx)
	go a.Alloc.RunReaper(ctx)
	go a.Scheduler.Run(ctx)
	a.Log.Info().Int("queued", a.Scheduler.QueueDepth()).Msg("orchestrator running")
	return nil
}

// Close releases the bus and database. Safe after a cancelled Run.
func (a *App) Close() {
	a.Bus.Close()
	if a.DB != nil {
		a.DB.Close()
	}
}

// WaitHealthy blocks until the database answers a ping or the timeout
// elapses.
func (a *App) WaitHealthy(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return a.DB.PingContext(ctx)
}
