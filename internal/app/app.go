// Package app wires the bot together: config, logging, storage, transport,
// scheduler, engine and the chat router.
package app

import (
	"context"
	"io"
	"sync"
	"time"

	"postbot/internal/botui"
	"postbot/internal/config"
	"postbot/internal/engine"
	"postbot/internal/publish"
	"postbot/internal/scheduler"
	"postbot/internal/store"
	"postbot/internal/transport/telegram"
	"postbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	log       logx.Logger
	logCloser io.Closer

	st     store.Store
	tr     *telegram.Client
	sched  *scheduler.Service
	eng    *engine.Engine
	router *botui.Router

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	log, logCloser := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	st, err := store.Open(store.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeout.Or(5 * time.Second),
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		_ = logCloser.Close()
		return nil, err
	}

	tr, err := telegram.New(telegram.Config{
		Token:          cfg.Telegram.Token,
		PollTimeout:    cfg.Telegram.PollTimeout.Or(10 * time.Second),
		MediaDir:       cfg.Media.Dir,
		SendRatePerSec: cfg.Telegram.SendRatePerSec,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = st.Close()
		_ = logCloser.Close()
		return nil, err
	}

	sched := scheduler.New(scheduler.Config{SweepInterval: cfg.Scheduler.SweepInterval.Or(time.Minute)},
		log.With(logx.String("comp", "scheduler")))
	exec := publish.New(st, tr, publish.Config{}, log.With(logx.String("comp", "publish")))

	eng := engine.New(st, tr, sched, exec, engineConfig(cfg), log.With(logx.String("comp", "engine")))

	router := botui.New(eng, tr, botui.Config{
		OwnerUserIDs:  cfg.Telegram.OwnerUserIDs,
		PresetMinutes: cfg.Scheduler.PresetMinutes,
	}, log.With(logx.String("comp", "botui")))

	return &App{
		cfgm:      cfgm,
		log:       log.With(logx.String("comp", "app")),
		logCloser: logCloser,
		st:        st,
		tr:        tr,
		sched:     sched,
		eng:       eng,
		router:    router,
	}, nil
}

func engineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		Footer:       cfg.Publish.Footer,
		TextLimit:    cfg.Publish.TextLimit,
		CaptionLimit: cfg.Publish.CaptionLimit,
		Destinations: cfg.Publish.Destinations,
		SessionTTL:   cfg.Scheduler.SessionTTL.Or(10 * time.Minute),
		RetryMax:     cfg.Scheduler.RetryMax,
		RetryBackoff: cfg.Scheduler.RetryBackoff.Or(30 * time.Second),
	}
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.sched.Start(runCtx); err != nil {
		cancel()
		return err
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.router.Run(runCtx); err != nil {
			a.log.Error("router stopped", logx.Err(err))
			cancel()
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(runCtx); err != nil {
			a.log.Warn("config watcher stopped", logx.Err(err))
		}
	}()

	// hot reload fan-out: footer, destinations, limits, allow-list, presets
	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.eng.ApplyConfig(engineConfig(newCfg))
				a.router.ApplyConfig(botui.Config{
					OwnerUserIDs:  newCfg.Telegram.OwnerUserIDs,
					PresetMinutes: newCfg.Scheduler.PresetMinutes,
				})
				a.log.Info("runtime config applied")
			}
		}
	}()

	a.log.Info("bot started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	if err := a.tr.Stop(ctx); err != nil {
		a.log.Warn("transport stop", logx.Err(err))
	}
	if err := a.sched.Stop(ctx); err != nil {
		a.log.Warn("scheduler stop", logx.Err(err))
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	if err := a.st.Close(); err != nil {
		a.log.Warn("store close", logx.Err(err))
	}
	a.log.Info("bot stopped")
	if a.logCloser != nil {
		_ = a.logCloser.Close()
	}
	return nil
}
