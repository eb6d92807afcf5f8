package merge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hmonster013/ecommerce-microservice-sub004/internal/cache"
	"github.com/hmonster013/ecommerce-microservice-sub004/internal/domain"
	"github.com/hmonster013/ecommerce-microservice-sub004/internal/repository"
	"go.uber.org/zap"
)

// maxRedirectHops bounds merged-to chains. Chains should never form because a
// merge target is always resolved to a non-MERGED cart first; the bound is for
// records written before that rule held.
const maxRedirectHops = 5

// Options are the merge policy knobs.
type Options struct {
	MaxPerOrder int
	// TransplantItems moves items from discarded duplicates into the primary
	// during reconciliation. Off by default: upstream marks duplicates MERGED
	// without touching their items.
	TransplantItems bool
	// UserTTL is the lifetime granted to a cart once a user owns it.
	UserTTL time.Duration
}

// Engine reconciles guest and user carts on login and repairs duplicate
// ACTIVE carts left behind by races. Repairs are idempotent: re-running a
// merge over already-merged carts is a no-op.
type Engine struct {
	repo  repository.CartRepository
	cache cache.CartCache
	log   *zap.Logger
	opts  Options
}

func NewEngine(repo repository.CartRepository, cartCache cache.CartCache, log *zap.Logger, opts Options) *Engine {
	return &Engine{
		repo:  repo,
		cache: cartCache,
		log:   log,
		opts:  opts,
	}
}

// MergeGuestIntoUser reconciles the carts of a session and a user at login.
// A lone guest cart is re-owned to the user; when both exist, items are
// unioned into the user cart and the guest cart is frozen as MERGED.
func (e *Engine) MergeGuestIntoUser(ctx context.Context, userID, sessionID string) (*domain.Cart, error) {
	if userID == "" || sessionID == "" {
		return nil, domain.ErrMissingIdentity
	}

	guest, err := e.singleActiveGuest(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	user, err := e.singleActiveUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := time.Now()

	switch {
	case guest == nil && user == nil:
		return nil, repository.ErrCartNotFound

	case guest == nil:
		return user, nil

	case user == nil:
		// Identity swap: the guest cart becomes the user's cart, items untouched.
		guest.UserID = userID
		guest.CartType = domain.CartTypeUser
		guest.LastActivityAt = now
		if e.opts.UserTTL > 0 {
			guest.ExpiresAt = now.Add(e.opts.UserTTL)
		}
		if err := e.repo.Update(ctx, guest); err != nil {
			return nil, fmt.Errorf("failed to re-own guest cart %s: %w", guest.ID, err)
		}
		e.syncCache(guest)
		return guest, nil
	}

	target, err := e.resolveMergeTarget(ctx, user)
	if err != nil {
		return nil, err
	}

	unionItems(target, guest.Items, e.opts.MaxPerOrder, now)
	domain.RecalculateTotals(target)
	target.LastActivityAt = now
	if e.opts.UserTTL > 0 {
		target.ExpiresAt = now.Add(e.opts.UserTTL)
	}

	guest.Status = domain.CartStatusMerged
	guest.MergedToCartID = target.ID
	guest.LastActivityAt = now

	// Commit in ascending cart ID order so concurrent merges over the same
	// pair contend in the same sequence.
	if err := e.commitInOrder(ctx, guest, target); err != nil {
		return nil, err
	}

	e.invalidateCache(guest)
	e.syncCache(target)

	return target, nil
}

// ReconcileDuplicates repairs a set of ACTIVE carts sharing an identity. The
// cart with the most recent activity survives; the rest are frozen as MERGED
// pointing at it. Returns the surviving primary.
func (e *Engine) ReconcileDuplicates(ctx context.Context, carts []*domain.Cart) (*domain.Cart, error) {
	if len(carts) == 0 {
		return nil, repository.ErrCartNotFound
	}
	if len(carts) == 1 {
		return carts[0], nil
	}

	primary := carts[0]
	for _, c := range carts[1:] {
		if c.LastActivityAt.After(primary.LastActivityAt) {
			primary = c
		}
	}

	ids := make([]string, len(carts))
	for i, c := range carts {
		ids[i] = c.ID
	}
	e.log.Warn("duplicate active carts detected",
		zap.Strings("candidates", ids),
		zap.String("primary", primary.ID),
		zap.Bool("transplant_items", e.opts.TransplantItems))

	now := time.Now()
	losers := make([]*domain.Cart, 0, len(carts)-1)
	for _, c := range carts {
		if c.ID == primary.ID {
			continue
		}
		losers = append(losers, c)
	}
	sort.Slice(losers, func(i, j int) bool { return losers[i].ID < losers[j].ID })

	primaryDirty := false
	for _, loser := range losers {
		if e.opts.TransplantItems && len(loser.Items) > 0 {
			unionItems(primary, loser.Items, e.opts.MaxPerOrder, now)
			primaryDirty = true
		}
		loser.Status = domain.CartStatusMerged
		loser.MergedToCartID = primary.ID
		loser.LastActivityAt = now
	}
	if primaryDirty {
		domain.RecalculateTotals(primary)
	}

	touched := append([]*domain.Cart{}, losers...)
	if primaryDirty {
		touched = append(touched, primary)
	}
	sort.Slice(touched, func(i, j int) bool { return touched[i].ID < touched[j].ID })

	for _, c := range touched {
		if err := e.repo.Update(ctx, c); err != nil {
			// Opportunistic repair: a concurrent writer wins this round and
			// the next maintenance pass picks the cart up again.
			e.log.Warn("duplicate reconciliation write failed",
				zap.String("cart_id", c.ID),
				zap.Error(err))
		}
	}

	for _, loser := range losers {
		e.invalidateCache(loser)
	}
	e.syncCache(primary)

	return primary, nil
}

// CleanupDuplicateActive scans for identities owning more than one ACTIVE
// cart and reconciles each group. Returns the number of groups repaired.
func (e *Engine) CleanupDuplicateActive(ctx context.Context, limit int) (int, error) {
	refs, err := e.repo.FindDuplicateActiveIdentities(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to scan for duplicate carts: %w", err)
	}

	repaired := 0
	for _, ref := range refs {
		var carts []*domain.Cart
		var lookupErr error
		if ref.UserID != "" {
			carts, lookupErr = e.repo.FindActiveByUser(ctx, ref.UserID)
		} else {
			carts, lookupErr = e.repo.FindActiveBySession(ctx, ref.SessionID)
		}
		if lookupErr != nil {
			e.log.Warn("duplicate cleanup lookup failed",
				zap.String("user_id", ref.UserID),
				zap.String("session_id", ref.SessionID),
				zap.Error(lookupErr))
			continue
		}
		if len(carts) < 2 {
			continue
		}
		if _, err := e.ReconcileDuplicates(ctx, carts); err != nil {
			e.log.Warn("duplicate cleanup reconciliation failed",
				zap.String("user_id", ref.UserID),
				zap.String("session_id", ref.SessionID),
				zap.Error(err))
			continue
		}
		repaired++
	}

	return repaired, nil
}

// resolveMergeTarget follows merged-to redirects until it lands on a cart that
// still holds authority, so nothing ever points at an already-MERGED cart.
func (e *Engine) resolveMergeTarget(ctx context.Context, cart *domain.Cart) (*domain.Cart, error) {
	current := cart
	for hop := 0; hop < maxRedirectHops; hop++ {
		if current.Status != domain.CartStatusMerged {
			return current, nil
		}
		if current.MergedToCartID == "" {
			break
		}
		next, err := e.repo.GetByID(ctx, current.MergedToCartID)
		if err != nil {
			return nil, fmt.Errorf("failed to follow merge redirect from %s: %w", current.ID, err)
		}
		current = next
	}
	return nil, fmt.Errorf("cart %s has no resolvable merge target", cart.ID)
}

func (e *Engine) singleActiveGuest(ctx context.Context, sessionID string) (*domain.Cart, error) {
	carts, err := e.repo.FindActiveBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up guest carts: %w", err)
	}

	guests := carts[:0]
	for _, c := range carts {
		if c.IsGuest() {
			guests = append(guests, c)
		}
	}

	if len(guests) == 0 {
		return nil, nil
	}
	return e.ReconcileDuplicates(ctx, guests)
}

func (e *Engine) singleActiveUser(ctx context.Context, userID string) (*domain.Cart, error) {
	carts, err := e.repo.FindActiveByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up user carts: %w", err)
	}
	if len(carts) == 0 {
		return nil, nil
	}
	return e.ReconcileDuplicates(ctx, carts)
}

func (e *Engine) commitInOrder(ctx context.Context, carts ...*domain.Cart) error {
	ordered := append([]*domain.Cart{}, carts...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	for _, c := range ordered {
		if err := e.repo.Update(ctx, c); err != nil {
			return fmt.Errorf("failed to commit merge for cart %s: %w", c.ID, err)
		}
	}
	return nil
}

// unionItems merges src items into dst: matching (product, variant) pairs sum
// quantities up to the per-order limit, the rest are appended with fresh item
// identities.
func unionItems(dst *domain.Cart, src []domain.CartItem, maxPerOrder int, now time.Time) {
	for _, item := range src {
		if existing := dst.FindItem(item.ProductID, item.VariantID); existing != nil {
			quantity := existing.Quantity + item.Quantity
			if maxPerOrder > 0 && quantity > maxPerOrder {
				quantity = maxPerOrder
			}
			existing.Quantity = quantity
			existing.UpdatedAt = now
			continue
		}

		item.ID = uuid.NewString()
		item.UpdatedAt = now
		dst.Items = append(dst.Items, item)
	}
}

func (e *Engine) syncCache(cart *domain.Cart) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.cache.Set(ctx, cart); err != nil {
		e.log.Warn("cache sync failed after merge", zap.String("cart_id", cart.ID), zap.Error(err))
	}
}

func (e *Engine) invalidateCache(cart *domain.Cart) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.cache.Invalidate(ctx, cart); err != nil && !errors.Is(err, cache.ErrCacheMiss) {
		e.log.Warn("cache invalidation failed after merge", zap.String("cart_id", cart.ID), zap.Error(err))
	}
}
