package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hmonster013/ecommerce-microservice-sub004/internal/domain"
)

var (
	ErrCartNotFound = errors.New("cart not found")
	// ErrVersionConflict signals that the cart was modified concurrently; the
	// caller should reload and retry the mutation.
	ErrVersionConflict = errors.New("cart version conflict")
)

// IdentityRef names one identity dimension that currently owns more than one
// ACTIVE cart. Exactly one of the fields is set.
type IdentityRef struct {
	UserID    string
	SessionID string
}

// CartRepository is the durable store contract. The store is the source of
// truth; every cache entry must be reconstructible through it.
type CartRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Cart, error)
	// FindActiveByIdentity matches carts holding both identity dimensions.
	FindActiveByIdentity(ctx context.Context, userID, sessionID string) ([]*domain.Cart, error)
	FindActiveByUser(ctx context.Context, userID string) ([]*domain.Cart, error)
	FindActiveBySession(ctx context.Context, sessionID string) ([]*domain.Cart, error)
	Insert(ctx context.Context, cart *domain.Cart) error
	// Update replaces the cart conditional on the version it was loaded with
	// and returns ErrVersionConflict when another writer got there first.
	Update(ctx context.Context, cart *domain.Cart) error
	// FindCheckoutStarted matches carts frozen by an in-flight checkout for
	// either identity dimension, excluding carts past their deadline. Used to
	// reject mutations with a conflict instead of silently opening a second
	// cart; an abandoned checkout stops blocking once it expires.
	FindCheckoutStarted(ctx context.Context, userID, sessionID string) ([]*domain.Cart, error)
	SoftDelete(ctx context.Context, id, reason string) error
	// FindExpired returns carts past their deadline that still hold an
	// identity: ACTIVE and CHECKOUT_STARTED both sweep to EXPIRED.
	FindExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Cart, error)
	FindDuplicateActiveIdentities(ctx context.Context, limit int) ([]IdentityRef, error)
}
