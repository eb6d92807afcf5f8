package resolver

import (
	"context"
	"errors"
	"time"

	"github.com/hmonster013/ecommerce-microservice-sub004/internal/cache"
	"github.com/hmonster013/ecommerce-microservice-sub004/internal/domain"
	"github.com/hmonster013/ecommerce-microservice-sub004/internal/merge"
	"github.com/hmonster013/ecommerce-microservice-sub004/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Resolver locates the single ACTIVE cart for an identity. Reads prefer the
// cache; misses fall back to the store and repopulate the projection. When a
// lookup surfaces more than one ACTIVE cart the candidate set is handed to the
// merge engine, never silently truncated.
type Resolver struct {
	repo   repository.CartRepository
	cache  cache.CartCache
	merger *merge.Engine
	log    *zap.Logger
	sfg    singleflight.Group // Prevents cache stampede
}

func New(repo repository.CartRepository, cartCache cache.CartCache, merger *merge.Engine, log *zap.Logger) *Resolver {
	return &Resolver{
		repo:   repo,
		cache:  cartCache,
		merger: merger,
		log:    log,
	}
}

// ResolveActive returns the active cart for the identity, or
// repository.ErrCartNotFound.
func (r *Resolver) ResolveActive(ctx context.Context, userID, sessionID string) (*domain.Cart, error) {
	if userID == "" && sessionID == "" {
		return nil, domain.ErrMissingIdentity
	}

	v, err, _ := r.sfg.Do(flightKey(userID, sessionID), func() (interface{}, error) {
		if cart := r.fromCache(ctx, userID, sessionID); cart != nil {
			go r.touch(cart)
			return cart, nil
		}

		cart, err := r.ResolveForUpdate(ctx, userID, sessionID)
		if err != nil {
			return nil, err
		}

		go r.repopulate(cart)
		return cart, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*domain.Cart), nil
}

// ResolveForUpdate resolves directly against the store, bypassing the cache,
// so mutations always start from the current document version. Lookup order:
// both identities, then userID alone, then sessionID alone.
func (r *Resolver) ResolveForUpdate(ctx context.Context, userID, sessionID string) (*domain.Cart, error) {
	if userID == "" && sessionID == "" {
		return nil, domain.ErrMissingIdentity
	}

	strategies := make([]func(context.Context) ([]*domain.Cart, error), 0, 3)
	if userID != "" && sessionID != "" {
		strategies = append(strategies, func(ctx context.Context) ([]*domain.Cart, error) {
			return r.repo.FindActiveByIdentity(ctx, userID, sessionID)
		})
	}
	if userID != "" {
		strategies = append(strategies, func(ctx context.Context) ([]*domain.Cart, error) {
			return r.repo.FindActiveByUser(ctx, userID)
		})
	}
	if sessionID != "" {
		strategies = append(strategies, func(ctx context.Context) ([]*domain.Cart, error) {
			return r.repo.FindActiveBySession(ctx, sessionID)
		})
	}

	for _, lookup := range strategies {
		carts, err := lookup(ctx)
		if err != nil {
			return nil, err
		}
		switch len(carts) {
		case 0:
			continue
		case 1:
			return carts[0], nil
		default:
			// Race leftovers: let the merge engine pick and repair.
			return r.merger.ReconcileDuplicates(ctx, carts)
		}
	}

	return nil, repository.ErrCartNotFound
}

// fromCache returns a usable projection or nil. Entries that lost authority
// (expired, merged away, no longer ACTIVE) are dropped and treated as misses.
func (r *Resolver) fromCache(ctx context.Context, userID, sessionID string) *domain.Cart {
	keys := make([]string, 0, 2)
	if userID != "" {
		keys = append(keys, cache.UserKey(userID))
	}
	if sessionID != "" {
		keys = append(keys, cache.SessionKey(sessionID))
	}

	for _, key := range keys {
		cart, err := r.cache.Get(ctx, key)
		if err != nil {
			if !errors.Is(err, cache.ErrCacheMiss) {
				r.log.Warn("cache read failed", zap.String("key", key), zap.Error(err))
			}
			continue
		}

		if cart.Status == domain.CartStatusMerged && cart.MergedToCartID != "" {
			// Stale projection of a merged cart: follow the one-hop redirect
			// through the store, but only to a cart this identity still owns.
			// A session alone must not reach the user cart its guest cart was
			// merged into; the store path would not hand it over either.
			target, err := r.repo.GetByID(ctx, cart.MergedToCartID)
			if err == nil && target.Status == domain.CartStatusActive && !target.IsExpired(time.Now()) && ownedBy(target, userID, sessionID) {
				stale := cart
				go func() {
					// Drop before repopulating so shared keys end up holding
					// the target, not a gap.
					r.dropProjection(stale)
					r.repopulate(target)
				}()
				return target
			}
			go r.dropProjection(cart)
			continue
		}

		if cart.Status != domain.CartStatusActive || cart.IsExpired(time.Now()) {
			go r.dropProjection(cart)
			continue
		}

		return cart
	}

	return nil
}

// touch refreshes last-activity off the request path. A version conflict just
// means a real mutation got there first.
func (r *Resolver) touch(cart *domain.Cart) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	fresh, err := r.repo.GetByID(ctx, cart.ID)
	if err != nil {
		return
	}
	fresh.LastActivityAt = time.Now()
	if err := r.repo.Update(ctx, fresh); err != nil && !errors.Is(err, repository.ErrVersionConflict) {
		r.log.Debug("activity touch failed", zap.String("cart_id", cart.ID), zap.Error(err))
	}
}

func (r *Resolver) repopulate(cart *domain.Cart) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.cache.Set(ctx, cart); err != nil {
		r.log.Warn("cache repopulation failed", zap.String("cart_id", cart.ID), zap.Error(err))
	}
}

func (r *Resolver) dropProjection(cart *domain.Cart) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.cache.Invalidate(ctx, cart); err != nil {
		r.log.Warn("stale projection invalidation failed", zap.String("cart_id", cart.ID), zap.Error(err))
	}
}

// ownedBy mirrors the store lookups: a cart belongs to the caller when either
// identity dimension matches.
func ownedBy(cart *domain.Cart, userID, sessionID string) bool {
	if userID != "" && cart.UserID == userID {
		return true
	}
	return sessionID != "" && cart.SessionID == sessionID
}

func flightKey(userID, sessionID string) string {
	return userID + "|" + sessionID
}
