package catalog

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ProductInfo is the authoritative answer for a product+variant. Prices here
// are the only prices the cart engine will ever store.
type ProductInfo struct {
	ProductID     int64           `json:"product_id"`
	VariantID     string          `json:"variant_id,omitempty"`
	SKU           string          `json:"sku"`
	Name          string          `json:"name"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	OriginalPrice decimal.Decimal `json:"original_price"`
	StockQuantity int             `json:"stock_quantity"`
	Available     bool            `json:"available"`
	ImageURL      string          `json:"image_url,omitempty"`
}

// Client is the catalog collaborator contract. Lookups must be bounded by a
// timeout; the engine never blocks a cart mutation on an unbounded call.
type Client interface {
	GetProductInfo(ctx context.Context, productID int64, variantID string) (*ProductInfo, error)
}

var (
	ErrProductNotFound = errors.New("product not found")
	// ErrUnavailable is returned after retries are exhausted; the caller may
	// retry the whole operation later.
	ErrUnavailable = errors.New("catalog unavailable")
)
