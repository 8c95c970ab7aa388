package application

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/ordvault/vaultd/internal/core/domain"
	"github.com/ordvault/vaultd/internal/core/ports"
	log "github.com/sirupsen/logrus"
)

// watcher periodically re-drives vaults resting in a non-terminal state, so
// that vaults interrupted by a crash or a transient ledger outage make
// progress without a caller retry.
type watcher struct {
	svc         Service
	repoManager ports.RepoManager
	interval    time.Duration
	scheduler   *gocron.Scheduler
}

func newWatcher(svc Service, repoManager ports.RepoManager, interval time.Duration) *watcher {
	return &watcher{
		svc:         svc,
		repoManager: repoManager,
		interval:    interval,
		scheduler:   gocron.NewScheduler(time.UTC),
	}
}

func (w *watcher) start() error {
	if w.interval <= 0 {
		log.Debug("vault watcher disabled")
		return nil
	}
	if _, err := w.scheduler.Every(w.interval).Do(w.sweep); err != nil {
		return err
	}
	w.scheduler.StartAsync()
	log.Infof("vault watcher started, sweeping every %s", w.interval)
	return nil
}

func (w *watcher) stop() {
	w.scheduler.Stop()
}

func (w *watcher) sweep() {
	ctx := context.Background()

	for _, state := range []domain.VaultState{
		domain.VaultStatePending,
		domain.VaultStateLocked,
		domain.VaultStateRedemptionRequested,
	} {
		vaults, err := w.repoManager.Vaults().GetByState(ctx, state)
		if err != nil {
			log.WithError(err).Warnf("watcher: failed to list %s vaults", state)
			continue
		}

		for _, vault := range vaults {
			resumed, err := w.svc.ResumeVault(ctx, vault.AssetID)
			if err != nil {
				log.WithError(err).Warnf("watcher: failed to resume vault %s", vault.AssetID)
				continue
			}
			if resumed.State != vault.State {
				log.Infof(
					"watcher: vault %s advanced %s -> %s",
					vault.AssetID, vault.State, resumed.State,
				)
			}
		}
	}
}
