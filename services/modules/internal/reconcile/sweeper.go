package reconcile

import (
	"context"
	"time"

	"github.com/redbco/redb-modules/pkg/logger"
)

// Sweeper runs FindOrphans on a fixed interval and logs what it finds. It
// never cleans up.
type Sweeper struct {
	reconciler *Reconciler
	interval   time.Duration
	logger     *logger.Logger
}

func NewSweeper(r *Reconciler, interval time.Duration, logger *logger.Logger) *Sweeper {
	return &Sweeper{reconciler: r, interval: interval, logger: logger}
}

// Run blocks until ctx is done. A zero interval disables sweeping.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.interval <= 0 {
		s.logger.Info("Orphan sweep disabled")
		<-ctx.Done()
		return nil
	}

	s.logger.Infof("Orphan sweep every %s", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one scan and returns the number of orphans found, or -1 when
// the scan failed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	orphans, err := s.reconciler.FindOrphans(ctx)
	if err != nil {
		s.logger.Errorf("Orphan sweep failed: %v", err)
		return -1
	}
	if len(orphans) > 0 {
		s.logger.Warnf("Orphan sweep found %d orphaned objects", len(orphans))
		for _, o := range orphans {
			s.logger.WithFields(map[string]string{
				"short_id": o.ShortID,
				"kind":     string(o.Kind),
				"object":   o.ObjectName,
			}).Warn(o.Issue)
		}
	} else {
		s.logger.Debug("Orphan sweep found nothing")
	}
	return len(orphans)
}
