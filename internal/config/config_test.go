package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
log:
  level: debug
storage:
  path: /var/lib/campaignd/state.db
  busy_timeout: 5s
evaluator:
  tick_interval: 500ms
dispatcher:
  workers: 4
  max_attempts: 5
  retry_base: 10s
conflict:
  window: 90s
  horizon: 20
runner:
  base_url: http://localhost:5678
  timeout: 45s
api:
  addr: ":8085"
campaigns:
  - id: summer-sale
    resource_class: "instagram:main"
    workflow_id: wf-summer
  - id: newsletter
    workflow_id: wf-news
`)

	m := NewManager(path)
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("log level = %q", cfg.Log.Level)
	}
	if cfg.Storage.Path != "/var/lib/campaignd/state.db" || cfg.Storage.BusyTimeout != "5s" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Dispatcher.Workers != 4 || cfg.Dispatcher.MaxAttempts != 5 {
		t.Fatalf("dispatcher = %+v", cfg.Dispatcher)
	}
	if cfg.Conflict.Horizon != 20 {
		t.Fatalf("conflict = %+v", cfg.Conflict)
	}
	if len(cfg.Campaigns) != 2 || cfg.Campaigns[0].ResourceClass != "instagram:main" {
		t.Fatalf("campaigns = %+v", cfg.Campaigns)
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"api":{"addr":":9090"}}`)
	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.API.Addr != ":9090" {
		t.Fatalf("addr = %q", cfg.API.Addr)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
evaluator:
  tick_interval: 1s
  typo_field: true
`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected unknown-field rejection")
	}
}

func TestLoadCommitGet(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `api: {addr: ":8080"}`)
	m := NewManager(path)

	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get must return the committed config")
	}
}

func TestSubscribePublish(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `api: {addr: ":8080"}`)
	m := NewManager(path)

	ch := m.Subscribe(1)
	cfg := &Config{}
	m.publish(cfg)
	select {
	case got := <-ch:
		if got != cfg {
			t.Fatal("wrong config delivered")
		}
	case <-time.After(time.Second):
		t.Fatal("no config delivered")
	}

	// A full subscriber gets the newest config, dropping the stale one.
	stale, fresh := &Config{}, &Config{}
	m.publish(stale)
	m.publish(fresh)
	if got := <-ch; got != fresh {
		t.Fatal("expected the newest config after overflow")
	}

	m.Unsubscribe(ch)
	if _, open := <-ch; open {
		t.Fatal("unsubscribe must close the channel")
	}
}

func TestReloadPublishesChangesOnce(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", "evaluator:\n  tick_interval: 1s\n")
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	ch := m.Subscribe(1)

	// Unchanged content must be deduped by the hash check.
	m.reload(context.Background())
	select {
	case <-ch:
		t.Fatalf("unchanged config was republished")
	default:
	}

	if err := os.WriteFile(path, []byte("evaluator:\n  tick_interval: 250ms\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	m.reload(context.Background())
	select {
	case cfg := <-ch:
		if cfg.Evaluator.TickInterval != "250ms" {
			t.Fatalf("published tick_interval = %q, want 250ms", cfg.Evaluator.TickInterval)
		}
	case <-time.After(time.Second):
		t.Fatalf("changed config was not published")
	}
	if got := m.Get().Evaluator.TickInterval; got != "250ms" {
		t.Fatalf("committed tick_interval = %q, want 250ms", got)
	}
}

func TestReloadRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", "evaluator:\n  tick_interval: 1s\n")
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Evaluator.TickInterval == "bogus" {
			return errors.New("bad tick interval")
		}
		return nil
	})
	ch := m.Subscribe(1)

	if err := os.WriteFile(path, []byte("evaluator:\n  tick_interval: bogus\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	m.reload(context.Background())
	select {
	case <-ch:
		t.Fatalf("rejected config was published")
	default:
	}
	if got := m.Get().Evaluator.TickInterval; got != "1s" {
		t.Fatalf("rejected config was committed: tick_interval = %q", got)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"  ", 0, false},
		{"1s", time.Second, false},
		{"250ms", 250 * time.Millisecond, false},
		{"2h30m", 2*time.Hour + 30*time.Minute, false},
		{"-5s", 0, true},
		{"5 seconds", 0, true},
		{"xyz", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseDurationField("test.field", tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseDurationField(%q): expected error", tc.raw)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("ParseDurationField(%q) = %v, %v; want %v", tc.raw, got, err, tc.want)
		}
	}

	if d, err := ParseDurationOrDefault("test.field", "", 3*time.Second); err != nil || d != 3*time.Second {
		t.Errorf("ParseDurationOrDefault empty = %v, %v", d, err)
	}
	if d, err := ParseDurationOrDefault("test.field", "10s", 3*time.Second); err != nil || d != 10*time.Second {
		t.Errorf("ParseDurationOrDefault set = %v, %v", d, err)
	}
}
