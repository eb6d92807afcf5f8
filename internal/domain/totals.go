package domain

import "github.com/shopspring/decimal"

// RecalculateTotals recomputes every derived field on the cart from the live
// item list. It is the single writer of item TotalPrice and of the cart's
// Subtotal, TotalAmount, ItemCount and TotalQuantity; no other code may patch
// them incrementally. Called after every item or coupon mutation.
func RecalculateTotals(c *Cart) {
	subtotal := decimal.Zero
	quantity := 0

	for i := range c.Items {
		item := &c.Items[i]
		line := item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))).Sub(item.DiscountAmount)
		if line.IsNegative() {
			line = decimal.Zero
		}
		item.TotalPrice = line
		subtotal = subtotal.Add(line)
		quantity += item.Quantity
	}

	c.ItemCount = len(c.Items)
	c.TotalQuantity = quantity
	c.Subtotal = subtotal

	total := subtotal.Add(c.TaxAmount).Add(c.ShippingAmount).Sub(c.DiscountAmount)
	if total.IsNegative() {
		total = decimal.Zero
	}
	c.TotalAmount = total
}
