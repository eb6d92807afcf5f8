package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hmonster013/ecommerce-microservice-sub004/internal/catalog"
	"github.com/hmonster013/ecommerce-microservice-sub004/internal/domain"
)

// Checker enforces price integrity: unit prices always come from the catalog
// collaborator, never from the caller. There is deliberately no way to hand it
// a price.
type Checker struct {
	catalog     catalog.Client
	maxPerOrder int
}

func NewChecker(catalogClient catalog.Client, maxPerOrder int) *Checker {
	return &Checker{
		catalog:     catalogClient,
		maxPerOrder: maxPerOrder,
	}
}

func (c *Checker) MaxPerOrder() int {
	return c.maxPerOrder
}

// ValidateQuantity rejects non-positive quantities and quantities above the
// per-order limit.
func (c *Checker) ValidateQuantity(quantity int) error {
	if quantity <= 0 || quantity > c.maxPerOrder {
		return fmt.Errorf("%w: got %d, limit %d", domain.ErrInvalidQuantity, quantity, c.maxPerOrder)
	}
	return nil
}

// NewItem resolves the authoritative price for the product+variant and builds
// a cart item around it.
func (c *Checker) NewItem(ctx context.Context, productID int64, variantID string, quantity int) (*domain.CartItem, error) {
	if err := c.ValidateQuantity(quantity); err != nil {
		return nil, err
	}

	info, err := c.catalog.GetProductInfo(ctx, productID, variantID)
	if err != nil {
		return nil, err
	}
	if !info.Available {
		return nil, fmt.Errorf("product %d is not purchasable: %w", productID, catalog.ErrProductNotFound)
	}

	now := time.Now()
	return &domain.CartItem{
		ID:                    uuid.NewString(),
		ProductID:             productID,
		VariantID:             variantID,
		SKU:                   info.SKU,
		ProductName:           info.Name,
		ImageURL:              info.ImageURL,
		Quantity:              quantity,
		UnitPrice:             info.CurrentPrice,
		OriginalPrice:         info.OriginalPrice,
		StockQuantitySnapshot: info.StockQuantity,
		AddedAt:               now,
		UpdatedAt:             now,
	}, nil
}

// Refresh re-resolves the item's price. Drift updates the stored price and
// raises PriceChanged for caller visibility; a catalog failure keeps the
// last-known price and marks the item stale instead of failing the operation.
// The returned error is for logging only.
func (c *Checker) Refresh(ctx context.Context, item *domain.CartItem) (bool, error) {
	info, err := c.catalog.GetProductInfo(ctx, item.ProductID, item.VariantID)
	if err != nil {
		item.PriceStale = true
		return false, err
	}

	item.StockQuantitySnapshot = info.StockQuantity
	item.OriginalPrice = info.OriginalPrice
	item.PriceStale = false
	item.UpdatedAt = time.Now()

	if info.CurrentPrice.Equal(item.UnitPrice) {
		return false, nil
	}

	item.UnitPrice = info.CurrentPrice
	item.PriceChanged = true
	return true, nil
}
