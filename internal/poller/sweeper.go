package poller

import (
	"context"
	"errors"
	"time"

	"github.com/hmonster013/ecommerce-microservice-sub004/internal/cache"
	"github.com/hmonster013/ecommerce-microservice-sub004/internal/domain"
	"github.com/hmonster013/ecommerce-microservice-sub004/internal/merge"
	"github.com/hmonster013/ecommerce-microservice-sub004/internal/repository"
	"go.uber.org/zap"
)

// Sweeper runs the background maintenance passes: expiring carts past their
// deadline and repairing identities that accumulated more than one ACTIVE
// cart. Both passes are idempotent, so overlapping runs across replicas are
// safe, just wasteful.
type Sweeper struct {
	repo          repository.CartRepository
	cache         cache.CartCache
	merger        *merge.Engine
	log           *zap.Logger
	expireTick    time.Duration
	reconcileTick time.Duration
	batchSize     int
}

type SweeperConfig struct {
	ExpireInterval    time.Duration
	ReconcileInterval time.Duration
	BatchSize         int
}

func NewSweeper(repo repository.CartRepository, cartCache cache.CartCache, merger *merge.Engine, log *zap.Logger, cfg SweeperConfig) *Sweeper {
	return &Sweeper{
		repo:          repo,
		cache:         cartCache,
		merger:        merger,
		log:           log,
		expireTick:    cfg.ExpireInterval,
		reconcileTick: cfg.ReconcileInterval,
		batchSize:     cfg.BatchSize,
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	expireTicker := time.NewTicker(s.expireTick)
	reconcileTicker := time.NewTicker(s.reconcileTick)
	defer expireTicker.Stop()
	defer reconcileTicker.Stop()
	for {
		select {
		case <-expireTicker.C:
			s.expirePass(ctx)
		case <-reconcileTicker.C:
			s.reconcilePass(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// expirePass moves carts past their deadline to EXPIRED and drops their cache
// projections. Lazy expiration at read time already hides these carts; the
// pass makes the state durable.
func (s *Sweeper) expirePass(ctx context.Context) {
	now := time.Now()
	carts, err := s.repo.FindExpired(ctx, now, s.batchSize)
	if err != nil {
		s.log.Warn("expired cart scan failed", zap.Error(err))
		return
	}

	expired := 0
	for _, cart := range carts {
		cart.Status = domain.CartStatusExpired
		if err := s.repo.Update(ctx, cart); err != nil {
			if !errors.Is(err, repository.ErrVersionConflict) {
				s.log.Warn("failed to expire cart",
					zap.String("cart_id", cart.ID),
					zap.Error(err))
			}
			// A conflict means someone touched the cart after the scan; the
			// next pass re-evaluates it against the fresh deadline.
			continue
		}
		expired++

		if err := s.cache.Invalidate(ctx, cart); err != nil {
			s.log.Warn("failed to drop projection of expired cart",
				zap.String("cart_id", cart.ID),
				zap.Error(err))
		}
	}

	if expired > 0 {
		s.log.Info("expired carts", zap.Int("count", expired))
	}
}

// reconcilePass repairs duplicate-ACTIVE identities left behind by races the
// read path has not tripped over yet.
func (s *Sweeper) reconcilePass(ctx context.Context) {
	repaired, err := s.merger.CleanupDuplicateActive(ctx, s.batchSize)
	if err != nil {
		s.log.Warn("duplicate reconciliation pass failed", zap.Error(err))
		return
	}
	if repaired > 0 {
		s.log.Info("repaired duplicate active carts", zap.Int("groups", repaired))
	}
}
