// Copyright (C) 2026 coterie.chat <dev@coterie.chat>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/coterie-chat/coterie/backend/storage"
)

// welcomeRetention is how long terminal welcome records are kept before
// compaction.
const welcomeRetention = 7 * 24 * time.Hour

// SweeperConfig tunes the periodic maintenance loop.
type SweeperConfig struct {
	Interval       time.Duration
	EventRetention time.Duration
	MaxPerDevice   int
}

// Sweeper is the single self-healing path in the system: expired
// reservations return to the pool, stale inventory and terminal records
// are removed, and the event stream is trimmed to its retention window.
type Sweeper struct {
	store storage.Store
	cfg   SweeperConfig
	log   *zap.Logger
}

func NewSweeper(store storage.Store, cfg SweeperConfig, log *zap.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Sweeper{store: store, cfg: cfg, log: log}
}

// Run blocks, sweeping every interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.log.Info("sweeper started", zap.Duration("interval", s.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	released, err := s.store.ReleaseExpiredReservations(ctx)
	if err != nil {
		s.log.Warn("release reservations failed", zap.Error(err))
	}

	expiredKeys, err := s.store.DeleteExpiredKeyPackages(ctx)
	if err != nil {
		s.log.Warn("delete expired key packages failed", zap.Error(err))
	}

	var trimmedKeys int64
	if s.cfg.MaxPerDevice > 0 {
		trimmedKeys, err = s.store.EnforceKeyPackageLimit(ctx, s.cfg.MaxPerDevice)
		if err != nil {
			s.log.Warn("enforce key package limit failed", zap.Error(err))
		}
	}

	welcomes, err := s.store.CompactWelcomes(ctx, welcomeRetention)
	if err != nil {
		s.log.Warn("compact welcomes failed", zap.Error(err))
	}

	envelopes, err := s.store.CompactEnvelopes(ctx)
	if err != nil {
		s.log.Warn("compact envelopes failed", zap.Error(err))
	}

	var events int64
	if s.cfg.EventRetention > 0 {
		events, err = s.store.TrimEvents(ctx, s.cfg.EventRetention)
		if err != nil {
			s.log.Warn("trim events failed", zap.Error(err))
		}
	}

	if released+expiredKeys+trimmedKeys+welcomes+envelopes+events > 0 {
		s.log.Info("sweep complete",
			zap.Int64("reservations_released", released),
			zap.Int64("key_packages_expired", expiredKeys),
			zap.Int64("key_packages_trimmed", trimmedKeys),
			zap.Int64("welcomes_compacted", welcomes),
			zap.Int64("envelopes_compacted", envelopes),
			zap.Int64("events_trimmed", events))
	}
}
