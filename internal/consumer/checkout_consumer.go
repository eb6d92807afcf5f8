package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hmonster013/ecommerce-microservice-sub004/internal/cache"
	"github.com/hmonster013/ecommerce-microservice-sub004/internal/domain"
	"github.com/hmonster013/ecommerce-microservice-sub004/internal/repository"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// CheckoutCompletedEvent is the payload published by the checkout flow once an
// order is placed. CartID is preferred for locating the cart; UserID is the
// fallback for events produced before carts carried their own identifier.
type CheckoutCompletedEvent struct {
	CheckoutID string `json:"checkout_id"`
	CartID     string `json:"cart_id"`
	UserID     string `json:"user_id"`
	SessionID  string `json:"session_id"`
}

// Consumer converts carts to CONVERTED when their checkout completes, so the
// identity immediately resolves to a fresh cart on the next request.
type Consumer struct {
	repo   repository.CartRepository
	cache  cache.CartCache
	reader *kafka.Reader
	log    *zap.Logger
}

func NewConsumer(repo repository.CartRepository, cartCache cache.CartCache, log *zap.Logger, topic, groupID string, brokers ...string) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MaxBytes: 10e6, // 10MB
	})
	return &Consumer{repo: repo, cache: cartCache, reader: reader, log: log}
}

func (c *Consumer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		c.processMessage(ctx)
	}
}

func (c *Consumer) Close() {
	if err := c.reader.Close(); err != nil {
		c.log.Warn("error closing kafka reader", zap.Error(err))
	}
}

func (c *Consumer) processMessage(ctx context.Context) {
	m, err := c.reader.ReadMessage(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		c.log.Warn("error reading checkout message", zap.Error(err))
		return
	}

	if err := c.handleEvent(ctx, m.Value); err != nil {
		c.log.Warn("failed to process checkout event", zap.Error(err))
	}
}

// handleEvent marks the event's cart CONVERTED. Replayed events are no-ops
// because an already-converted cart is skipped.
func (c *Consumer) handleEvent(ctx context.Context, payload []byte) error {
	var event CheckoutCompletedEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return err
	}

	cart, err := c.locateCart(ctx, event)
	if err != nil {
		if errors.Is(err, repository.ErrCartNotFound) {
			c.log.Debug("no cart for checkout event",
				zap.String("checkout_id", event.CheckoutID),
				zap.String("cart_id", event.CartID))
			return nil
		}
		return err
	}

	// Conflict retry: a shopper mutation may land between load and commit.
	for attempt := 0; attempt < 3; attempt++ {
		if cart.Status == domain.CartStatusConverted {
			return nil
		}

		cart.Status = domain.CartStatusConverted
		cart.LastActivityAt = time.Now()

		err = c.repo.Update(ctx, cart)
		if err == nil {
			break
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return err
		}
		cart, err = c.repo.GetByID(ctx, cart.ID)
		if err != nil {
			return err
		}
	}
	if err != nil {
		return err
	}

	if cacheErr := c.cache.Invalidate(ctx, cart); cacheErr != nil {
		c.log.Warn("cache invalidation failed for converted cart",
			zap.String("cart_id", cart.ID),
			zap.Error(cacheErr))
	}

	c.log.Info("cart converted",
		zap.String("cart_id", cart.ID),
		zap.String("checkout_id", event.CheckoutID))
	return nil
}

func (c *Consumer) locateCart(ctx context.Context, event CheckoutCompletedEvent) (*domain.Cart, error) {
	if event.CartID != "" {
		return c.repo.GetByID(ctx, event.CartID)
	}
	if event.UserID == "" && event.SessionID == "" {
		return nil, repository.ErrCartNotFound
	}

	// The cart whose checkout just completed is normally frozen in
	// CHECKOUT_STARTED, so look there before the active lookups.
	frozen, err := c.repo.FindCheckoutStarted(ctx, event.UserID, event.SessionID)
	if err != nil {
		return nil, err
	}
	if len(frozen) > 0 {
		return frozen[0], nil
	}

	var carts []*domain.Cart
	switch {
	case event.UserID != "":
		carts, err = c.repo.FindActiveByUser(ctx, event.UserID)
	default:
		carts, err = c.repo.FindActiveBySession(ctx, event.SessionID)
	}
	if err != nil {
		return nil, err
	}
	if len(carts) == 0 {
		return nil, repository.ErrCartNotFound
	}
	return carts[0], nil
}
