package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hmonster013/ecommerce-microservice-sub004/internal/cache"
	"github.com/hmonster013/ecommerce-microservice-sub004/internal/coupon"
	"github.com/hmonster013/ecommerce-microservice-sub004/internal/domain"
	"github.com/hmonster013/ecommerce-microservice-sub004/internal/merge"
	"github.com/hmonster013/ecommerce-microservice-sub004/internal/pricing"
	"github.com/hmonster013/ecommerce-microservice-sub004/internal/repository"
	"github.com/hmonster013/ecommerce-microservice-sub004/internal/resolver"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Identity carries the caller's identification; at least one field is set.
type Identity struct {
	UserID    string
	SessionID string
}

type AddItemInput struct {
	ProductID    int64
	VariantID    string
	Quantity     int
	IsGift       bool
	GiftMessage  string
	GiftWrapType string
}

type GiftOptionsInput struct {
	IsGift       bool
	GiftMessage  string
	GiftWrapType string
}

// Config holds the service policy knobs.
type Config struct {
	Currency     string
	GuestTTL     time.Duration
	UserTTL      time.Duration
	WriteRetries int
}

// CartService orchestrates cart operations: resolve, mutate under optimistic
// concurrency, recompute totals, commit to the store, then refresh the cache
// projection best-effort. The store commit is the operation; a cache failure
// never fails or rolls it back.
type CartService struct {
	repo     repository.CartRepository
	cache    cache.CartCache
	resolver *resolver.Resolver
	merger   *merge.Engine
	pricing  *pricing.Checker
	coupons  coupon.Validator
	log      *zap.Logger
	cfg      Config
}

func NewCartService(
	repo repository.CartRepository,
	cartCache cache.CartCache,
	res *resolver.Resolver,
	merger *merge.Engine,
	checker *pricing.Checker,
	coupons coupon.Validator,
	log *zap.Logger,
	cfg Config,
) *CartService {
	return &CartService{
		repo:     repo,
		cache:    cartCache,
		resolver: res,
		merger:   merger,
		pricing:  checker,
		coupons:  coupons,
		log:      log,
		cfg:      cfg,
	}
}

func (s *CartService) GetActiveCart(ctx context.Context, id Identity) (*domain.Cart, error) {
	return s.resolver.ResolveActive(ctx, id.UserID, id.SessionID)
}

// GetOrCreateCart resolves the active cart, creating an empty one when the
// identity has none.
func (s *CartService) GetOrCreateCart(ctx context.Context, id Identity) (*domain.Cart, error) {
	cart, err := s.resolver.ResolveActive(ctx, id.UserID, id.SessionID)
	if err == nil {
		return cart, nil
	}
	if !errors.Is(err, repository.ErrCartNotFound) {
		return nil, err
	}

	cart = s.newCart(id)
	if err := s.repo.Insert(ctx, cart); err != nil {
		return nil, err
	}
	s.syncCache(cart)

	return cart, nil
}

// AddItem resolves the authoritative catalog price and adds the product to the
// cart. Adding an existing (product, variant) pair sums quantities up to the
// per-order limit. Any caller-supplied price never reaches this path.
func (s *CartService) AddItem(ctx context.Context, id Identity, in AddItemInput) (*domain.Cart, error) {
	if in.IsGift && strings.TrimSpace(in.GiftMessage) == "" {
		return nil, domain.ErrGiftMessageRequired
	}

	return s.mutate(ctx, id, true, func(cart *domain.Cart) error {
		item, err := s.pricing.NewItem(ctx, in.ProductID, in.VariantID, in.Quantity)
		if err != nil {
			return err
		}

		if existing := cart.FindItem(in.ProductID, in.VariantID); existing != nil {
			quantity := existing.Quantity + in.Quantity
			if quantity > s.pricing.MaxPerOrder() {
				quantity = s.pricing.MaxPerOrder()
			}
			existing.Quantity = quantity
			if !existing.UnitPrice.Equal(item.UnitPrice) {
				existing.UnitPrice = item.UnitPrice
				existing.PriceChanged = true
			}
			existing.OriginalPrice = item.OriginalPrice
			existing.StockQuantitySnapshot = item.StockQuantitySnapshot
			existing.PriceStale = false
			existing.UpdatedAt = time.Now()
			applyGift(existing, GiftOptionsInput{IsGift: in.IsGift, GiftMessage: in.GiftMessage, GiftWrapType: in.GiftWrapType}, false)
			return nil
		}

		item.IsGift = in.IsGift
		item.GiftMessage = in.GiftMessage
		item.GiftWrapType = in.GiftWrapType
		cart.Items = append(cart.Items, *item)
		return nil
	})
}

func (s *CartService) UpdateItemQuantity(ctx context.Context, id Identity, itemID string, quantity int) (*domain.Cart, error) {
	if err := s.pricing.ValidateQuantity(quantity); err != nil {
		return nil, err
	}

	return s.mutate(ctx, id, false, func(cart *domain.Cart) error {
		item := cart.FindItemByID(itemID)
		if item == nil {
			return domain.ErrItemNotFound
		}
		item.Quantity = quantity
		item.UpdatedAt = time.Now()
		return nil
	})
}

func (s *CartService) RemoveItem(ctx context.Context, id Identity, itemID string) (*domain.Cart, error) {
	return s.mutate(ctx, id, false, func(cart *domain.Cart) error {
		if !cart.RemoveItemByID(itemID) {
			return domain.ErrItemNotFound
		}
		return nil
	})
}

func (s *CartService) UpdateGiftOptions(ctx context.Context, id Identity, itemID string, in GiftOptionsInput) (*domain.Cart, error) {
	if in.IsGift && strings.TrimSpace(in.GiftMessage) == "" {
		return nil, domain.ErrGiftMessageRequired
	}

	return s.mutate(ctx, id, false, func(cart *domain.Cart) error {
		item := cart.FindItemByID(itemID)
		if item == nil {
			return domain.ErrItemNotFound
		}
		applyGift(item, in, true)
		item.UpdatedAt = time.Now()
		return nil
	})
}

// RefreshPrices re-resolves every item against the catalog. Items the catalog
// cannot answer for keep their last-known price and are marked stale; the
// operation itself still succeeds.
func (s *CartService) RefreshPrices(ctx context.Context, id Identity) (*domain.Cart, error) {
	return s.mutate(ctx, id, false, func(cart *domain.Cart) error {
		for i := range cart.Items {
			if _, err := s.pricing.Refresh(ctx, &cart.Items[i]); err != nil {
				s.log.Warn("price refresh failed, keeping last-known price",
					zap.String("cart_id", cart.ID),
					zap.Int64("product_id", cart.Items[i].ProductID),
					zap.Error(err))
			}
		}
		return nil
	})
}

func (s *CartService) ApplyCoupon(ctx context.Context, id Identity, code string) (*domain.Cart, error) {
	if strings.TrimSpace(code) == "" {
		return nil, coupon.ErrInvalidCoupon
	}

	return s.mutate(ctx, id, false, func(cart *domain.Cart) error {
		// Subtotal must reflect the current items before pricing the coupon.
		domain.RecalculateTotals(cart)

		discount, err := s.coupons.ValidateAndPrice(ctx, code, cart.Subtotal)
		if err != nil {
			return err
		}
		cart.CouponCode = strings.ToUpper(strings.TrimSpace(code))
		cart.DiscountAmount = discount
		return nil
	})
}

func (s *CartService) RemoveCoupon(ctx context.Context, id Identity) (*domain.Cart, error) {
	return s.mutate(ctx, id, false, func(cart *domain.Cart) error {
		cart.CouponCode = ""
		cart.DiscountAmount = decimal.Zero
		return nil
	})
}

func (s *CartService) ClearCart(ctx context.Context, id Identity) (*domain.Cart, error) {
	return s.mutate(ctx, id, false, func(cart *domain.Cart) error {
		cart.Items = nil
		cart.CouponCode = ""
		cart.DiscountAmount = decimal.Zero
		return nil
	})
}

// BeginCheckout freezes the cart for the checkout flow.
func (s *CartService) BeginCheckout(ctx context.Context, id Identity) (*domain.Cart, error) {
	return s.mutate(ctx, id, false, func(cart *domain.Cart) error {
		cart.Status = domain.CartStatusCheckoutStarted
		return nil
	})
}

// DeleteCart soft-deletes the cart selected by the identity strategy: both
// identifiers prefer the user cart bound to that session and fall back to any
// active user cart; a session alone may only ever delete a guest cart.
func (s *CartService) DeleteCart(ctx context.Context, id Identity, reason string) error {
	cart, err := s.cartForDeletion(ctx, id)
	if err != nil {
		return err
	}

	if reason == "" {
		reason = "deleted by owner"
	}
	if err := s.repo.SoftDelete(ctx, cart.ID, reason); err != nil {
		return err
	}

	s.invalidateCache(cart)
	return nil
}

// MergeOnLogin reconciles the session's guest cart with the user's cart after
// authentication.
func (s *CartService) MergeOnLogin(ctx context.Context, id Identity) (*domain.Cart, error) {
	return s.merger.MergeGuestIntoUser(ctx, id.UserID, id.SessionID)
}

// CleanupDuplicateActiveCarts runs one batch reconciliation pass and returns
// the number of identity groups repaired.
func (s *CartService) CleanupDuplicateActiveCarts(ctx context.Context, limit int) (int, error) {
	return s.merger.CleanupDuplicateActive(ctx, limit)
}

// mutate is the single write path: load fresh from the store, validate
// modifiability, apply the mutation, recompute totals, commit under the
// loaded version, then refresh the projection. A version conflict reloads and
// reapplies a bounded number of times. Validation failures leave the stored
// cart untouched because nothing has been committed yet.
func (s *CartService) mutate(ctx context.Context, id Identity, createIfMissing bool, fn func(*domain.Cart) error) (*domain.Cart, error) {
	if id.UserID == "" && id.SessionID == "" {
		return nil, domain.ErrMissingIdentity
	}

	var lastErr error
	for attempt := 0; attempt <= s.cfg.WriteRetries; attempt++ {
		cart, err := s.resolver.ResolveForUpdate(ctx, id.UserID, id.SessionID)
		created := false
		if errors.Is(err, repository.ErrCartNotFound) {
			// A cart frozen by an in-flight checkout is invisible to the
			// active resolver; surface it as a conflict rather than opening
			// a second cart next to it.
			frozen, frozenErr := s.repo.FindCheckoutStarted(ctx, id.UserID, id.SessionID)
			if frozenErr != nil {
				return nil, frozenErr
			}
			if len(frozen) > 0 {
				return nil, domain.ErrCartNotModifiable
			}
			if !createIfMissing {
				return nil, err
			}
			cart = s.newCart(id)
			created = true
		} else if err != nil {
			return nil, err
		}

		if !cart.IsModifiable() {
			return nil, domain.ErrCartNotModifiable
		}

		if err := fn(cart); err != nil {
			return nil, err
		}

		domain.RecalculateTotals(cart)
		now := time.Now()
		cart.LastActivityAt = now
		cart.ExpiresAt = now.Add(s.ttlFor(cart.CartType))

		if created {
			err = s.repo.Insert(ctx, cart)
		} else {
			err = s.repo.Update(ctx, cart)
		}
		if err == nil {
			s.syncCache(cart)
			return cart, nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("cart write contention persisted after %d attempts: %w", s.cfg.WriteRetries+1, lastErr)
}

func (s *CartService) cartForDeletion(ctx context.Context, id Identity) (*domain.Cart, error) {
	switch {
	case id.UserID != "" && id.SessionID != "":
		carts, err := s.repo.FindActiveByIdentity(ctx, id.UserID, id.SessionID)
		if err != nil {
			return nil, err
		}
		if len(carts) == 0 {
			carts, err = s.repo.FindActiveByUser(ctx, id.UserID)
			if err != nil {
				return nil, err
			}
		}
		return s.pickOne(ctx, carts)

	case id.UserID != "":
		carts, err := s.repo.FindActiveByUser(ctx, id.UserID)
		if err != nil {
			return nil, err
		}
		return s.pickOne(ctx, carts)

	case id.SessionID != "":
		carts, err := s.repo.FindActiveBySession(ctx, id.SessionID)
		if err != nil {
			return nil, err
		}
		// A session alone must never reach a user-owned cart.
		guests := make([]*domain.Cart, 0, len(carts))
		for _, c := range carts {
			if c.IsGuest() {
				guests = append(guests, c)
			}
		}
		return s.pickOne(ctx, guests)

	default:
		return nil, domain.ErrMissingIdentity
	}
}

func (s *CartService) pickOne(ctx context.Context, carts []*domain.Cart) (*domain.Cart, error) {
	switch len(carts) {
	case 0:
		return nil, repository.ErrCartNotFound
	case 1:
		return carts[0], nil
	default:
		return s.merger.ReconcileDuplicates(ctx, carts)
	}
}

func (s *CartService) newCart(id Identity) *domain.Cart {
	now := time.Now()

	cartType := domain.CartTypeGuest
	if id.UserID != "" {
		cartType = domain.CartTypeUser
	}

	return &domain.Cart{
		ID:             uuid.NewString(),
		UserID:         id.UserID,
		SessionID:      id.SessionID,
		Status:         domain.CartStatusActive,
		CartType:       cartType,
		Currency:       s.cfg.Currency,
		ExpiresAt:      now.Add(s.ttlFor(cartType)),
		LastActivityAt: now,
		CreatedAt:      now,
	}
}

func (s *CartService) ttlFor(cartType domain.CartType) time.Duration {
	if cartType == domain.CartTypeUser {
		return s.cfg.UserTTL
	}
	return s.cfg.GuestTTL
}

func applyGift(item *domain.CartItem, in GiftOptionsInput, clearWhenNotGift bool) {
	if in.IsGift {
		item.IsGift = true
		item.GiftMessage = in.GiftMessage
		item.GiftWrapType = in.GiftWrapType
		return
	}
	if clearWhenNotGift {
		item.IsGift = false
		item.GiftMessage = ""
		item.GiftWrapType = ""
	}
}

func (s *CartService) syncCache(cart *domain.Cart) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.cache.Set(ctx, cart); err != nil {
		s.log.Warn("write-through cache refresh failed",
			zap.String("cart_id", cart.ID),
			zap.Error(err))
	}
}

func (s *CartService) invalidateCache(cart *domain.Cart) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.cache.Invalidate(ctx, cart); err != nil {
		s.log.Warn("cache invalidation failed",
			zap.String("cart_id", cart.ID),
			zap.Error(err))
	}
}
