package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/hmonster013/ecommerce-microservice-sub004/internal/domain"
)

// CartCache is the ephemeral projection of a cart. It is rebuilt from the
// store on miss and is never the sole holder of state.
type CartCache interface {
	Get(ctx context.Context, key string) (*domain.Cart, error)
	// Set writes the projection under its id key and every identity key the
	// cart carries.
	Set(ctx context.Context, cart *domain.Cart) error
	// Invalidate removes the projection under all of its keys.
	Invalidate(ctx context.Context, cart *domain.Cart) error
}

var ErrCacheMiss = errors.New("cache miss")

func IDKey(cartID string) string {
	return fmt.Sprintf("cart:id:%s", cartID)
}

func UserKey(userID string) string {
	return fmt.Sprintf("cart:user:%s", userID)
}

func SessionKey(sessionID string) string {
	return fmt.Sprintf("cart:session:%s", sessionID)
}
