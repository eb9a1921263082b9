package app

import (
	"strings"
	"testing"
	"time"

	"campaignd/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Campaigns: []config.CampaignConfig{
			{ID: "summer-sale", ResourceClass: "instagram:main", WorkflowID: "wf-1"},
		},
	}
}

func TestValidateConfigAccepts(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.Evaluator.TickInterval = "500ms"
	cfg.Dispatcher.RetryBase = "10s"
	cfg.Conflict.Window = "90s"
	if err := validateConfig(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateConfigRejections(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*config.Config)
		wantSub string
	}{
		{"bad duration", func(c *config.Config) { c.Evaluator.TickInterval = "soon" }, "tick_interval"},
		{"negative workers", func(c *config.Config) { c.Dispatcher.Workers = -1 }, "workers"},
		{"jitter out of range", func(c *config.Config) { c.Dispatcher.RetryJitter = 1.5 }, "retry_jitter"},
		{"negative horizon", func(c *config.Config) { c.Conflict.Horizon = -1 }, "horizon"},
		{"empty campaign id", func(c *config.Config) { c.Campaigns = append(c.Campaigns, config.CampaignConfig{}) }, "id"},
		{"duplicate campaign id", func(c *config.Config) {
			c.Campaigns = append(c.Campaigns, config.CampaignConfig{ID: "summer-sale"})
		}, "duplicate"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := baseConfig()
			tc.mutate(cfg)
			err := validateConfig(cfg)
			if err == nil || !strings.Contains(err.Error(), tc.wantSub) {
				t.Fatalf("err = %v, want mention of %q", err, tc.wantSub)
			}
		})
	}
}

func TestMappingDefaults(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()

	sc, err := mapStoreConfig(cfg)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if sc.Path == "" {
		t.Fatal("store path must default")
	}

	cfg.Dispatcher.ExecTimeout = "1m"
	dc, err := mapDispatchConfig(cfg)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if dc.ExecTimeout != time.Minute {
		t.Fatalf("exec timeout = %s", dc.ExecTimeout)
	}

	cs := mapCampaigns(cfg)
	if len(cs) != 1 || cs[0].ResourceClass != "instagram:main" || cs[0].WorkflowID != "wf-1" {
		t.Fatalf("campaigns = %+v", cs)
	}
}
