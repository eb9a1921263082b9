package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"campaignd/internal/eventbus"
	"campaignd/internal/store"
	logx "campaignd/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan *store.Execution, idx int) {
	defer s.workerWG.Done()

	// Per-worker RNG: avoids global lock contention when many executions
	// retry concurrently.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case exec, ok := <-queue:
			if !ok {
				return
			}
			s.execOne(ctx, stopCh, exec, rng)
			s.flights.release(exec.CampaignID)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, exec *store.Execution, rng *rand.Rand) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	start := time.Now()
	log := s.log.With(logx.String("campaign", exec.CampaignID), logx.String("execution", exec.ID))

	// Resolve the workflow binding. A campaign that disappeared between
	// fire and dispatch is a permanent failure.
	c, err := s.resolver.Resolve(ctx, exec.CampaignID)
	if err != nil {
		s.finishFailed(ctx, exec, start, fmt.Sprintf("resolve campaign: %v", err), log)
		return
	}

	exec.Status = store.ExecRunning
	exec.AttemptCount = 1
	if err := s.st.UpdateExecution(ctx, exec); err != nil {
		log.Error("failed to mark execution running", logx.Err(err))
	}
	log.Debug("execution started", logx.String("workflow", c.WorkflowID))
	s.publish(eventbus.TypeExecutionStarted, exec, 0, "", false)

	var (
		result  ResultSummary
		runErr  error
		attempt int
	)

attemptLoop:
	for attempt = 1; attempt <= cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			exec.AttemptCount = attempt
			if err := s.st.UpdateExecution(ctx, exec); err != nil {
				log.Error("failed to record retry attempt", logx.Err(err))
			}
		}

		runCtx, cancel := context.WithTimeout(ctx, cfg.ExecTimeout)
		// Guard against runner panics: one broken integration must not kill
		// a worker.
		func() {
			defer func() {
				if r := recover(); r != nil {
					runErr = fmt.Errorf("panic: %v", r)
					log.Error("runner panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			result, runErr = s.runner.Run(runCtx, exec.CampaignID, exec.ID, c.WorkflowID)
		}()
		timedOut := runCtx.Err() != nil && ctx.Err() == nil
		cancel()

		if runErr == nil {
			break
		}
		if ctx.Err() != nil {
			// Dispatcher-wide cancellation, observed within the polling
			// granularity of the runner call.
			runErr = errors.New("cancelled")
			break
		}
		// A fatal result stays fatal even when the deadline expired in the
		// same instant; check before rewriting to a timeout error.
		var fe fatalError
		if errors.As(runErr, &fe) {
			runErr = fe.err
			break
		}
		if timedOut {
			runErr = fmt.Errorf("execution timed out after %s", cfg.ExecTimeout)
		}
		if attempt >= cfg.MaxAttempts {
			break
		}

		delay := backoffDelay(cfg, attempt, rng)
		log.Warn("execution attempt failed, retrying",
			logx.Int("attempt", attempt), logx.Duration("delay", delay), logx.Err(runErr))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			runErr = errors.New("cancelled")
			break attemptLoop
		case <-stopCh:
			tmr.Stop()
			runErr = ErrStopped
			break attemptLoop
		case <-tmr.C:
		}
	}

	exec.AttemptCount = attempt
	if attempt > cfg.MaxAttempts {
		exec.AttemptCount = cfg.MaxAttempts
	}

	dur := time.Since(start)
	now := time.Now().UTC()
	exec.CompletedAt = &now

	if runErr == nil {
		exec.Status = store.ExecCompleted
		exec.ResultSummary = result
		if err := s.st.UpdateExecution(context.Background(), exec); err != nil {
			log.Error("failed to record completed execution", logx.Err(err))
		}
		log.Info("execution completed", logx.Duration("dur", dur), logx.Int("attempts", exec.AttemptCount))
		s.publish(eventbus.TypeExecutionCompleted, exec, dur, "", true)
		return
	}

	s.finishFailed(ctx, exec, start, runErr.Error(), log)
}

func (s *Service) finishFailed(_ context.Context, exec *store.Execution, start time.Time, msg string, log logx.Logger) {
	now := time.Now().UTC()
	exec.Status = store.ExecFailed
	exec.ErrorMessage = msg
	exec.CompletedAt = &now
	if exec.AttemptCount == 0 {
		exec.AttemptCount = 1
	}
	// Terminal bookkeeping must land even when the run context was
	// cancelled, otherwise the record stays pending/running forever.
	if err := s.st.UpdateExecution(context.Background(), exec); err != nil {
		log.Error("failed to record failed execution", logx.Err(err))
	}
	log.Warn("execution failed", logx.Duration("dur", time.Since(start)),
		logx.Int("attempts", exec.AttemptCount), logx.String("err", msg))
	s.publish(eventbus.TypeExecutionFailed, exec, time.Since(start), msg, true)
}

// backoffDelay implements exponential backoff with jitter: base doubled per
// retry, capped at RetryMaxDelay.
func backoffDelay(cfg Config, attempt int, rng *rand.Rand) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	if cfg.RetryJitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * cfg.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
