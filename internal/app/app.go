// Package app wires the scheduling engine together: config, storage,
// evaluator, dispatcher, conflict detector, HTTP surface and alerts.
package app

import (
	"context"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"campaignd/internal/api"
	"campaignd/internal/campaign"
	"campaignd/internal/config"
	"campaignd/internal/conflict"
	"campaignd/internal/dispatch"
	"campaignd/internal/evaluator"
	"campaignd/internal/eventbus"
	"campaignd/internal/notify"
	"campaignd/internal/runner"
	"campaignd/internal/store"
	logx "campaignd/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	log      logx.Logger
	logClose func() error

	bus      eventbus.Bus
	st       *store.Store
	resolver *campaign.StaticResolver
	det      *conflict.Detector
	disp     *dispatch.Service
	eval     *evaluator.Service
	srv      *api.Server
	alerter  *notify.Alerter

	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	log, logClose, err := logx.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	storeCfg, err := mapStoreConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(storeCfg, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	resolver := campaign.NewStaticResolver(mapCampaigns(cfg))

	runnerCfg, err := mapRunnerConfig(cfg)
	if err != nil {
		return nil, err
	}
	run := runner.New(runnerCfg, log.With(logx.String("comp", "runner")))

	dispCfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp := dispatch.New(dispCfg, st, resolver, run, bus, log.With(logx.String("comp", "dispatch")))

	evalCfg, err := mapEvaluatorConfig(cfg)
	if err != nil {
		return nil, err
	}
	eval := evaluator.New(evalCfg, evaluator.SystemClock(), st, disp, bus, log.With(logx.String("comp", "evaluator")))

	confCfg, err := mapConflictConfig(cfg)
	if err != nil {
		return nil, err
	}
	det := conflict.New(confCfg, st, resolver, log.With(logx.String("comp", "conflict")))

	apiCfg, err := mapAPIConfig(cfg)
	if err != nil {
		return nil, err
	}
	srv := api.New(apiCfg, st, resolver, det, eval, disp, log.With(logx.String("comp", "api")))

	alerter, err := notify.New(mapAlertConfig(cfg), log.With(logx.String("comp", "notify")))
	if err != nil {
		// Alerts are optional; a bad token must not keep the engine down.
		log.Warn("telegram alerts disabled", logx.Err(err))
		alerter = nil
	}

	return &App{
		cfgm:     cfgm,
		log:      log,
		logClose: logClose,
		bus:      bus,
		st:       st,
		resolver: resolver,
		det:      det,
		disp:     disp,
		eval:     eval,
		srv:      srv,
		alerter:  alerter,
	}, nil
}

// Start brings the engine up: recovery first, then the worker pool, the
// tick loop, signal surfaces and config watching. It returns once
// everything is running.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel

	// Workers must be accepting before recovery runs: Recover re-enqueues
	// executions orphaned between fire-commit and dispatch, and an
	// unstarted dispatcher would drop them with ErrStopped.
	a.disp.Start(runCtx)

	if err := a.eval.Recover(runCtx); err != nil {
		cancel()
		a.disp.Stop(ctx)
		return err
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.eval.Run(runCtx)
	}()

	if a.alerter != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.alerter.Run(runCtx, a.bus)
		}()
	}

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})
	updates := a.cfgm.Subscribe(1)
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(runCtx)
	}()
	go func() {
		defer a.wg.Done()
		a.reloadLoop(runCtx, updates)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.srv.Start(); err != nil {
			a.log.Error("http server failed", logx.Err(err))
			cancel()
		}
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("started")
	return nil
}

// reloadLoop applies validated config updates to the live services. Only
// runtime tunables move on reload; storage path and listen address need a
// restart.
func (a *App) reloadLoop(ctx context.Context, updates chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			if cfg == nil {
				continue
			}
			if evalCfg, err := mapEvaluatorConfig(cfg); err == nil {
				a.eval.Apply(evalCfg)
			}
			if dispCfg, err := mapDispatchConfig(cfg); err == nil {
				a.disp.Apply(dispCfg)
			}
			if confCfg, err := mapConflictConfig(cfg); err == nil {
				a.det.Apply(confCfg)
			}
			a.resolver.Replace(mapCampaigns(cfg))
			a.log.Info("config applied",
				logx.Int("campaigns", len(cfg.Campaigns)))
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("stopping")

	// Stop accepting HTTP work first, then unwind the background loops, then
	// drain the worker pool.
	if err := a.srv.Stop(ctx); err != nil {
		a.log.Warn("http shutdown", logx.Err(err))
	}
	if a.runCancel != nil {
		a.runCancel()
	}
	a.disp.Stop(ctx)

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	case <-time.After(10 * time.Second):
	}

	if err := a.st.Close(); err != nil {
		a.log.Warn("store close", logx.Err(err))
	}
	a.log.Info("stopped")
	if a.logClose != nil {
		_ = a.logClose()
	}
	return nil
}
