package app

import (
	"fmt"

	"campaignd/internal/api"
	"campaignd/internal/campaign"
	"campaignd/internal/config"
	"campaignd/internal/conflict"
	"campaignd/internal/dispatch"
	"campaignd/internal/evaluator"
	"campaignd/internal/notify"
	"campaignd/internal/runner"
	"campaignd/internal/store"
)

func mapStoreConfig(cfg *config.Config) (store.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return store.Config{}, err
	}
	path := cfg.Storage.Path
	if path == "" {
		path = "./campaignd.db"
	}
	return store.Config{Path: path, BusyTimeout: busy}, nil
}

func mapEvaluatorConfig(cfg *config.Config) (evaluator.Config, error) {
	tick, err := config.ParseDurationField("evaluator.tick_interval", cfg.Evaluator.TickInterval)
	if err != nil {
		return evaluator.Config{}, err
	}
	return evaluator.Config{TickInterval: tick}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	d := cfg.Dispatcher
	execTimeout, err := config.ParseDurationField("dispatcher.exec_timeout", d.ExecTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	retryBase, err := config.ParseDurationField("dispatcher.retry_base", d.RetryBase)
	if err != nil {
		return dispatch.Config{}, err
	}
	retryMax, err := config.ParseDurationField("dispatcher.retry_max_delay", d.RetryMaxDelay)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Workers:       d.Workers,
		QueueSize:     d.QueueSize,
		ExecTimeout:   execTimeout,
		MaxAttempts:   d.MaxAttempts,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMax,
		RetryJitter:   d.RetryJitter,
	}, nil
}

func mapConflictConfig(cfg *config.Config) (conflict.Config, error) {
	window, err := config.ParseDurationField("conflict.window", cfg.Conflict.Window)
	if err != nil {
		return conflict.Config{}, err
	}
	return conflict.Config{Window: window, Horizon: cfg.Conflict.Horizon}, nil
}

func mapRunnerConfig(cfg *config.Config) (runner.Config, error) {
	timeout, err := config.ParseDurationField("runner.timeout", cfg.Runner.Timeout)
	if err != nil {
		return runner.Config{}, err
	}
	return runner.Config{BaseURL: cfg.Runner.BaseURL, APIKey: cfg.Runner.APIKey, Timeout: timeout}, nil
}

func mapAPIConfig(cfg *config.Config) (api.Config, error) {
	shutdown, err := config.ParseDurationField("api.shutdown_timeout", cfg.API.ShutdownTimeout)
	if err != nil {
		return api.Config{}, err
	}
	return api.Config{
		Addr:            cfg.API.Addr,
		WebhookRate:     cfg.API.WebhookRate,
		WebhookBurst:    cfg.API.WebhookBurst,
		ShutdownTimeout: shutdown,
	}, nil
}

func mapAlertConfig(cfg *config.Config) notify.Config {
	t := cfg.Alerts.Telegram
	return notify.Config{Enabled: t.Enabled, Token: t.Token, ChatID: t.ChatID, RatePerMin: t.RatePerMin}
}

func mapCampaigns(cfg *config.Config) []campaign.Campaign {
	out := make([]campaign.Campaign, 0, len(cfg.Campaigns))
	for _, c := range cfg.Campaigns {
		out = append(out, campaign.Campaign{
			ID:            c.ID,
			ResourceClass: c.ResourceClass,
			WorkflowID:    c.WorkflowID,
		})
	}
	return out
}

// validateConfig is the hot-reload gate: a config that fails here is
// rejected without touching the running services.
func validateConfig(cfg *config.Config) error {
	if _, err := mapStoreConfig(cfg); err != nil {
		return err
	}
	if _, err := mapEvaluatorConfig(cfg); err != nil {
		return err
	}
	d, err := mapDispatchConfig(cfg)
	if err != nil {
		return err
	}
	if d.Workers < 0 {
		return fmt.Errorf("dispatcher.workers must be >= 0")
	}
	if d.QueueSize < 0 {
		return fmt.Errorf("dispatcher.queue_size must be >= 0")
	}
	if d.MaxAttempts < 0 {
		return fmt.Errorf("dispatcher.max_attempts must be >= 0")
	}
	if d.RetryJitter < 0 || d.RetryJitter > 1 {
		return fmt.Errorf("dispatcher.retry_jitter must be in [0, 1]")
	}
	c, err := mapConflictConfig(cfg)
	if err != nil {
		return err
	}
	if c.Horizon < 0 {
		return fmt.Errorf("conflict.horizon must be >= 0")
	}
	if _, err := mapRunnerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAPIConfig(cfg); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(cfg.Campaigns))
	for i, cc := range cfg.Campaigns {
		if cc.ID == "" {
			return fmt.Errorf("campaigns[%d].id must not be empty", i)
		}
		if _, dup := seen[cc.ID]; dup {
			return fmt.Errorf("campaigns: duplicate id %q", cc.ID)
		}
		seen[cc.ID] = struct{}{}
	}
	return nil
}
