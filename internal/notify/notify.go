// Package notify pushes operator alerts for terminal execution failures to
// Telegram. It is entirely optional: without a token it stays disabled and
// the rest of the service runs unaffected.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"campaignd/internal/dispatch"
	"campaignd/internal/eventbus"
	logx "campaignd/pkg/logx"
)

type Config struct {
	Enabled    bool
	Token      string
	ChatID     int64
	RatePerMin int
}

func (c Config) withDefaults() Config {
	if c.RatePerMin <= 0 {
		c.RatePerMin = 20
	}
	return c
}

// sender is the outbound surface of the Telegram bot, split out for tests.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Alerter consumes execution events from the bus and forwards terminal
// failures to a Telegram chat, rate limited so a flapping campaign cannot
// flood the operator.
type Alerter struct {
	cfg     Config
	bot     sender
	log     logx.Logger
	limiter *rate.Limiter

	dropped atomic.Uint64
	wg      sync.WaitGroup
}

// New builds an Alerter. A disabled config or empty token returns a nil
// Alerter, which is safe to Run.
func New(cfg Config, log logx.Logger) (*Alerter, error) {
	cfg = cfg.withDefaults()
	if !cfg.Enabled || strings.TrimSpace(cfg.Token) == "" {
		return nil, nil
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	return newWithSender(cfg, b, log), nil
}

func newWithSender(cfg Config, bot sender, log logx.Logger) *Alerter {
	return &Alerter{
		cfg:     cfg,
		bot:     bot,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RatePerMin)/60.0), cfg.RatePerMin),
	}
}

// Run consumes bus events until ctx is cancelled. Safe to call on a nil
// Alerter (no-op).
func (a *Alerter) Run(ctx context.Context, bus eventbus.Bus) {
	if a == nil {
		return
	}
	events, unsubscribe := bus.Subscribe(64)
	defer unsubscribe()

	// Periodic summary of dropped alerts so rate limiting stays visible
	// without per-event log spam.
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				if n := a.dropped.Swap(0); n > 0 {
					a.log.Warn("alerts dropped (rate limited)", logx.Any("count", n))
				}
				return
			case <-ticker.C:
				if n := a.dropped.Swap(0); n > 0 {
					a.log.Warn("alerts dropped (rate limited)", logx.Any("count", n))
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			a.wg.Wait()
			return
		case ev, ok := <-events:
			if !ok {
				a.wg.Wait()
				return
			}
			a.handle(ev)
		}
	}
}

func (a *Alerter) handle(ev eventbus.Event) {
	if ev.Type != eventbus.TypeExecutionFailed {
		return
	}
	exec, ok := ev.Data.(dispatch.ExecutionEvent)
	if !ok || !exec.Terminal {
		return
	}
	if !a.limiter.Allow() {
		a.dropped.Add(1)
		return
	}

	msg := fmt.Sprintf("⚠️ campaign %s execution failed\nexecution: %s\nattempts: %d\nerror: %s",
		exec.CampaignID, exec.ExecutionID, exec.Attempts, exec.Error)
	if _, err := a.bot.Send(tele.ChatID(a.cfg.ChatID), msg); err != nil {
		a.log.Warn("alert send failed",
			logx.String("campaign_id", exec.CampaignID),
			logx.Err(err))
		return
	}
	a.log.Debug("alert sent", logx.String("campaign_id", exec.CampaignID))
}
