package clinic

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// AutoSyncer periodically runs Sync while the clinic settings have autoSync
// enabled.
type AutoSyncer struct {
	svc      *Service
	interval time.Duration
	logger   zerolog.Logger
}

func NewAutoSyncer(svc *Service, interval time.Duration, logger zerolog.Logger) *AutoSyncer {
	return &AutoSyncer{
		svc:      svc,
		interval: interval,
		logger:   logger.With().Str("component", "autosync").Logger(),
	}
}

// Start blocks until ctx is cancelled.
func (a *AutoSyncer) Start(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.logger.Info().Dur("interval", a.interval).Msg("auto-sync worker started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

func (a *AutoSyncer) tick(ctx context.Context) {
	due, err := a.svc.AutoSyncDue(ctx)
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to read clinic settings")
		return
	}
	if !due {
		a.logger.Debug().Msg("auto-sync disabled, skipping")
		return
	}
	if _, err := a.svc.Sync(ctx); err != nil {
		a.logger.Error().Err(err).Msg("auto-sync failed")
	}
}
