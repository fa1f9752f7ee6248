package data

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// RetrySweeper periodically re-queues failed tasks that still have
// retries left. It is the automatic counterpart to the manual retry
// endpoint.
type RetrySweeper struct {
	store    *Store
	interval time.Duration
}

// NewRetrySweeper creates a sweeper over the given store.
func NewRetrySweeper(store *Store, interval time.Duration) *RetrySweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &RetrySweeper{store: store, interval: interval}
}

// Run sweeps on the configured interval until the context is cancelled.
func (r *RetrySweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", r.interval).Msg("retry sweeper started")

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("retry sweeper stopped")
			return
		case <-ticker.C:
			if n, err := r.Sweep(ctx); err != nil {
				log.Error().Err(err).Msg("retry sweep failed")
			} else if n > 0 {
				log.Info().Int("requeued", n).Msg("retry sweep requeued failed tasks")
			}
		}
	}
}

// Sweep requeues every failed task with retries remaining and returns
// how many were requeued.
func (r *RetrySweeper) Sweep(ctx context.Context) (int, error) {
	failed, err := r.store.ListTasks(ctx, TaskFilter{Status: StatusFailed})
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, task := range failed {
		if task.RetryCount >= task.MaxRetries {
			continue
		}
		if _, err := r.store.RetryTask(ctx, task.ID); err != nil {
			log.Warn().Err(err).Str("task_id", task.ID).Msg("automatic retry failed")
			continue
		}
		requeued++
	}
	return requeued, nil
}
