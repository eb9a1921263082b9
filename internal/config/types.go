package config

import (
	logx "campaignd/pkg/logx"
)

// Config is the on-disk configuration. Durations are Go duration strings
// ("1s", "5m"); the app layer parses them into component configs.
type Config struct {
	Log        logx.Config      `json:"log,omitempty"`
	Storage    StorageConfig    `json:"storage,omitempty"`
	Evaluator  EvaluatorConfig  `json:"evaluator,omitempty"`
	Dispatcher DispatcherConfig `json:"dispatcher,omitempty"`
	Conflict   ConflictConfig   `json:"conflict,omitempty"`
	Runner     RunnerConfig     `json:"runner,omitempty"`
	API        APIConfig        `json:"api,omitempty"`
	Alerts     AlertsConfig     `json:"alerts,omitempty"`
	Campaigns  []CampaignConfig `json:"campaigns,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type EvaluatorConfig struct {
	TickInterval string `json:"tick_interval,omitempty"`
}

type DispatcherConfig struct {
	Workers       int     `json:"workers,omitempty"`
	QueueSize     int     `json:"queue_size,omitempty"`
	ExecTimeout   string  `json:"exec_timeout,omitempty"`
	MaxAttempts   int     `json:"max_attempts,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	RetryJitter   float64 `json:"retry_jitter,omitempty"`
}

type ConflictConfig struct {
	Window  string `json:"window,omitempty"`
	Horizon int    `json:"horizon,omitempty"`
}

type RunnerConfig struct {
	BaseURL string `json:"base_url,omitempty"`
	APIKey  string `json:"api_key,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

type APIConfig struct {
	Addr            string  `json:"addr,omitempty"`
	WebhookRate     float64 `json:"webhook_rate_per_sec,omitempty"`
	WebhookBurst    int     `json:"webhook_burst,omitempty"`
	ShutdownTimeout string  `json:"shutdown_timeout,omitempty"`
}

type AlertsConfig struct {
	Telegram TelegramAlertConfig `json:"telegram,omitempty"`
}

type TelegramAlertConfig struct {
	Enabled    bool   `json:"enabled,omitempty"`
	Token      string `json:"token,omitempty"`
	ChatID     int64  `json:"chat_id,omitempty"`
	RatePerMin int    `json:"rate_per_min,omitempty"`
}

// CampaignConfig declares a campaign the engine may schedule: its resource
// class (conflict grouping) and workflow binding.
type CampaignConfig struct {
	ID            string `json:"id"`
	ResourceClass string `json:"resource_class,omitempty"`
	WorkflowID    string `json:"workflow_id,omitempty"`
}
