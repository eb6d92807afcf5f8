package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type CartStatus string

const (
	CartStatusActive          CartStatus = "ACTIVE"
	CartStatusCheckoutStarted CartStatus = "CHECKOUT_STARTED"
	CartStatusConverted       CartStatus = "CONVERTED"
	CartStatusAbandoned       CartStatus = "ABANDONED"
	CartStatusExpired         CartStatus = "EXPIRED"
	CartStatusMerged          CartStatus = "MERGED"
)

type CartType string

const (
	CartTypeGuest CartType = "GUEST"
	CartTypeUser  CartType = "USER"
)

// Cart is the authoritative cart record. The durable store owns it; the cache
// holds a disposable projection of it. Monetary aggregates (Subtotal, TaxAmount,
// ShippingAmount, DiscountAmount, TotalAmount) and the counters (ItemCount,
// TotalQuantity) are derived fields written only by RecalculateTotals.
type Cart struct {
	ID        string     `bson:"_id" json:"id"`
	UserID    string     `bson:"user_id,omitempty" json:"user_id,omitempty"`
	SessionID string     `bson:"session_id,omitempty" json:"session_id,omitempty"`
	Status    CartStatus `bson:"status" json:"status"`
	CartType  CartType   `bson:"cart_type" json:"cart_type"`
	Currency  string     `bson:"currency" json:"currency"`

	Items []CartItem `bson:"items" json:"items"`

	Subtotal       decimal.Decimal `bson:"subtotal" json:"subtotal"`
	TaxAmount      decimal.Decimal `bson:"tax_amount" json:"tax_amount"`
	ShippingAmount decimal.Decimal `bson:"shipping_amount" json:"shipping_amount"`
	DiscountAmount decimal.Decimal `bson:"discount_amount" json:"discount_amount"`
	TotalAmount    decimal.Decimal `bson:"total_amount" json:"total_amount"`
	ItemCount      int             `bson:"item_count" json:"item_count"`
	TotalQuantity  int             `bson:"total_quantity" json:"total_quantity"`

	CouponCode string `bson:"coupon_code,omitempty" json:"coupon_code,omitempty"`

	// MergedToCartID is a one-hop redirect set when Status becomes MERGED.
	MergedToCartID string `bson:"merged_to_cart_id,omitempty" json:"merged_to_cart_id,omitempty"`

	ExpiresAt      time.Time `bson:"expires_at" json:"expires_at"`
	LastActivityAt time.Time `bson:"last_activity_at" json:"last_activity_at"`

	// Version guards against lost updates: every write replaces the document
	// conditional on the version it was loaded with.
	Version int64 `bson:"version" json:"-"`

	CreatedAt    time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `bson:"updated_at" json:"updated_at"`
	DeletedAt    *time.Time `bson:"deleted_at,omitempty" json:"-"`
	DeleteReason string     `bson:"delete_reason,omitempty" json:"-"`
}

type CartItem struct {
	ID        string `bson:"id" json:"id"`
	ProductID int64  `bson:"product_id" json:"product_id"`
	VariantID string `bson:"variant_id,omitempty" json:"variant_id,omitempty"`

	SKU         string `bson:"sku,omitempty" json:"sku,omitempty"`
	ProductName string `bson:"product_name,omitempty" json:"product_name,omitempty"`
	ImageURL    string `bson:"image_url,omitempty" json:"image_url,omitempty"`

	Quantity int `bson:"quantity" json:"quantity"`

	// UnitPrice is always catalog-sourced, never taken from the caller.
	UnitPrice      decimal.Decimal `bson:"unit_price" json:"unit_price"`
	OriginalPrice  decimal.Decimal `bson:"original_price" json:"original_price"`
	DiscountAmount decimal.Decimal `bson:"discount_amount" json:"discount_amount"`
	TotalPrice     decimal.Decimal `bson:"total_price" json:"total_price"`

	IsGift       bool   `bson:"is_gift" json:"is_gift"`
	GiftMessage  string `bson:"gift_message,omitempty" json:"gift_message,omitempty"`
	GiftWrapType string `bson:"gift_wrap_type,omitempty" json:"gift_wrap_type,omitempty"`

	StockQuantitySnapshot int  `bson:"stock_quantity_snapshot" json:"stock_quantity_snapshot"`
	PriceChanged          bool `bson:"price_changed" json:"price_changed"`
	// PriceStale marks items whose last refresh could not reach the catalog and
	// kept the last-known price.
	PriceStale bool `bson:"price_stale" json:"price_stale"`

	AddedAt   time.Time `bson:"added_at" json:"added_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// IsModifiable reports whether item or coupon mutations are allowed. Carts that
// started checkout, converted, expired or were merged away are frozen.
func (c *Cart) IsModifiable() bool {
	return c.Status == CartStatusActive && c.DeletedAt == nil
}

// IsExpired compares the cart deadline against the supplied clock.
func (c *Cart) IsExpired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// IsGuest reports whether the cart is owned by a session only.
func (c *Cart) IsGuest() bool {
	return c.UserID == "" && c.SessionID != ""
}

// FindItem returns the item matching the (productID, variantID) pair, or nil.
func (c *Cart) FindItem(productID int64, variantID string) *CartItem {
	for i := range c.Items {
		if c.Items[i].ProductID == productID && c.Items[i].VariantID == variantID {
			return &c.Items[i]
		}
	}
	return nil
}

// FindItemByID returns the item with the given item ID, or nil.
func (c *Cart) FindItemByID(itemID string) *CartItem {
	for i := range c.Items {
		if c.Items[i].ID == itemID {
			return &c.Items[i]
		}
	}
	return nil
}

// RemoveItemByID deletes the item with the given ID and reports whether it existed.
func (c *Cart) RemoveItemByID(itemID string) bool {
	for i := range c.Items {
		if c.Items[i].ID == itemID {
			c.Items = append(c.Items[:i], c.Items[i+1:]...)
			return true
		}
	}
	return false
}
