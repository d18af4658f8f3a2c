package store

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// SettingMetricsRetentionHours overrides the configured retention window
	// at runtime.
	SettingMetricsRetentionHours = "metrics_retention_hours"

	retentionSweepInterval = time.Hour
)

// RetentionWorker trims time-series history past the retention window and
// reaps expired alarm mutes. Failures are logged and retried on the next
// interval; a failed sweep never stops the worker.
type RetentionWorker struct {
	store                *Store
	defaultRetentionHours int
	stopCh               chan struct{}
	doneCh               chan struct{}
}

// NewRetentionWorker creates a sweep worker. defaultRetentionHours is used
// when no runtime setting overrides it.
func NewRetentionWorker(store *Store, defaultRetentionHours int) *RetentionWorker {
	return &RetentionWorker{
		store:                 store,
		defaultRetentionHours: defaultRetentionHours,
		stopCh:                make(chan struct{}),
		doneCh:                make(chan struct{}),
	}
}

// Start launches the hourly sweep loop. The first sweep runs shortly after
// start so a long-stopped instance trims its backlog without waiting an hour.
func (w *RetentionWorker) Start(ctx context.Context) {
	go func() {
		defer close(w.doneCh)

		startup := time.NewTimer(time.Minute)
		defer startup.Stop()
		ticker := time.NewTicker(retentionSweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			case <-startup.C:
				w.sweep(ctx)
			case <-ticker.C:
				w.sweep(ctx)
			}
		}
	}()
}

// Stop signals the worker and waits for the loop to exit.
func (w *RetentionWorker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *RetentionWorker) sweep(ctx context.Context) {
	hours, err := w.store.GetSettingInt(ctx, SettingMetricsRetentionHours, w.defaultRetentionHours)
	if err != nil {
		log.Warn().Err(err).Msg("Retention sweep could not read retention setting, using default")
		hours = w.defaultRetentionHours
	}
	if hours <= 0 {
		hours = w.defaultRetentionHours
	}

	removed, err := w.store.PurgeOlderThan(ctx, time.Duration(hours)*time.Hour)
	if err != nil {
		log.Error().Err(err).Msg("Retention sweep failed, will retry next interval")
	} else if removed > 0 {
		log.Info().
			Int64("rowsRemoved", removed).
			Int("retentionHours", hours).
			Msg("Trimmed metrics history")
	}

	reaped, err := w.store.ReapExpiredMutes(ctx, time.Now())
	if err != nil {
		log.Error().Err(err).Msg("Mute reaper failed, will retry next interval")
	} else if reaped > 0 {
		log.Info().Int64("mutesRemoved", reaped).Msg("Reaped expired alarm mutes")
	}
}
