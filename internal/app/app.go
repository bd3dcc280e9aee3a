// Package app wires the reminder daemon together: config, logging, storage,
// the Telegram transport and the delivery engine.
package app

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"boardbot/internal/config"
	"boardbot/internal/eventbus"
	"boardbot/internal/notifier"
	"boardbot/internal/reminder"
	"boardbot/internal/storage"
	"boardbot/internal/transport/telegram"
	logx "boardbot/pkg/logx"
)

const defaultSweepInterval = time.Minute

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	store storage.Store
	notif *notifier.Service
	sched *reminder.Scheduler
	bus   eventbus.Bus

	cron        *cron.Cron
	sweepMu     sync.Mutex
	sweepEntry  cron.EntryID
	sweepPeriod time.Duration

	// delivery outcome counters, fed by the bus
	sent    atomic.Uint64
	failed  atomic.Uint64
	skipped atomic.Uint64

	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	busyTimeout, err := config.Duration("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	apiTimeout, err := config.Duration("telegram.api_timeout", cfg.Telegram.APITimeout)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:      cfg.Telegram.Token,
		APITimeout: apiTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("telegram adapter: %w", err)
	}

	notif := notifier.New(notifier.Config{
		RatePerSec: cfg.Reminders.RatePerSec,
	}, adapter, log.With(logx.String("comp", "notifier")))

	bus := eventbus.New()
	sched := reminder.New(store, notif, bus, log.With(logx.String("comp", "reminders")))

	return &App{
		cfgm:  cfgm,
		logs:  logSvc,
		log:   log,
		store: store,
		notif: notif,
		sched: sched,
		bus:   bus,
	}, nil
}

// Scheduler exposes the delivery engine to callers that create or edit
// reminder records in-process (admin tooling, tests).
func (a *App) Scheduler() *reminder.Scheduler { return a.sched }

// Start loads the pending reminder inventory and brings up the background
// loops. An initialization failure is fatal: without the inventory this
// process cannot honor any delivery guarantee.
func (a *App) Start(ctx context.Context) error {
	if err := a.sched.Initialize(ctx); err != nil {
		return fmt.Errorf("reminder initialization: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel

	a.cron = cron.New()
	if err := a.applySweep(a.sweepInterval(a.cfgm.Get())); err != nil {
		cancel()
		return err
	}
	// Daily delivery summary for operators.
	if _, err := a.cron.AddFunc("0 0 * * *", a.logSummary); err != nil {
		cancel()
		return err
	}
	a.cron.Start()

	a.watchOutcomes(runCtx)
	a.watchConfig(runCtx)

	a.log.Info("started", logx.Int("planned", a.sched.Planned()))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.runCancel != nil {
		a.runCancel()
	}
	if a.cron != nil {
		stopCtx := a.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
	}
	a.sched.Stop(ctx)
	a.wg.Wait()

	err := a.store.Close()
	a.logSummary()
	a.log.Info("stopped")
	_ = a.logs.Close()
	return err
}

func (a *App) sweepInterval(cfg *config.Config) time.Duration {
	if cfg == nil {
		return defaultSweepInterval
	}
	d, err := config.DurationOr("reminders.sweep_interval",
		cfg.Reminders.SweepInterval, defaultSweepInterval)
	if err != nil {
		return defaultSweepInterval
	}
	return d
}

// applySweep (re)registers the periodic store resync. The webapp inserts
// reminder rows directly into the shared database; the sweep gives those
// rows timers without a process restart.
func (a *App) applySweep(period time.Duration) error {
	a.sweepMu.Lock()
	defer a.sweepMu.Unlock()
	if a.sweepEntry != 0 && period == a.sweepPeriod {
		return nil
	}
	if a.sweepEntry != 0 {
		a.cron.Remove(a.sweepEntry)
		a.sweepEntry = 0
	}
	id, err := a.cron.AddFunc("@every "+period.String(), func() {
		sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.sched.Sweep(sctx); err != nil {
			a.log.Warn("sweep failed", logx.Err(err))
		}
	})
	if err != nil {
		return fmt.Errorf("register sweep: %w", err)
	}
	a.sweepEntry = id
	a.sweepPeriod = period
	return nil
}

func (a *App) watchOutcomes(ctx context.Context) {
	ch, unsub := a.bus.Subscribe(64)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				switch ev.Type {
				case reminder.EventSent:
					a.sent.Add(1)
				case reminder.EventFailed:
					a.failed.Add(1)
				case reminder.EventSkipped:
					a.skipped.Add(1)
				}
			}
		}
	}()
}

func (a *App) watchConfig(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(ctx); err != nil {
			a.log.Warn("config watch exited", logx.Err(err))
		}
	}()

	sub := a.cfgm.Subscribe(1)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(cfg)
			}
		}
	}()
}

// applyConfig handles the hot-reloadable knobs. Token and storage path are
// boot-only; changing those needs a restart.
func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.notif.Apply(notifier.Config{RatePerSec: cfg.Reminders.RatePerSec})
	if err := a.applySweep(a.sweepInterval(cfg)); err != nil {
		a.log.Warn("sweep reconfigure failed", logx.Err(err))
	}
	a.log.Info("config applied")
}

func (a *App) logSummary() {
	a.log.Info("delivery summary",
		logx.Uint64("sent", a.sent.Load()),
		logx.Uint64("failed", a.failed.Load()),
		logx.Uint64("skipped", a.skipped.Load()),
		logx.Int("planned", a.sched.Planned()))
}
