package coupon

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// Validator is the coupon/promotion collaborator contract. The real pricing
// rules live outside this service; the engine only needs a discount amount for
// a code at a given subtotal.
type Validator interface {
	ValidateAndPrice(ctx context.Context, code string, subtotal decimal.Decimal) (decimal.Decimal, error)
}

var ErrInvalidCoupon = errors.New("invalid or expired coupon code")

type ruleKind int

const (
	percentOff ruleKind = iota
	fixedOff
)

type rule struct {
	kind  ruleKind
	value decimal.Decimal
}

// StaticValidator is an in-process stand-in for the promotion service with a
// fixed code table.
type StaticValidator struct {
	rules map[string]rule
}

func NewStaticValidator() *StaticValidator {
	return &StaticValidator{
		rules: map[string]rule{
			"WELCOME10": {kind: percentOff, value: decimal.NewFromInt(10)},
			"SAVE20":    {kind: percentOff, value: decimal.NewFromInt(20)},
			"FIVEOFF":   {kind: fixedOff, value: decimal.NewFromInt(5)},
		},
	}
}

func (v *StaticValidator) ValidateAndPrice(_ context.Context, code string, subtotal decimal.Decimal) (decimal.Decimal, error) {
	r, ok := v.rules[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return decimal.Zero, ErrInvalidCoupon
	}

	var discount decimal.Decimal
	switch r.kind {
	case percentOff:
		discount = subtotal.Mul(r.value).Div(decimal.NewFromInt(100)).Round(2)
	case fixedOff:
		discount = r.value
	}

	// A discount never exceeds what is being discounted.
	if discount.GreaterThan(subtotal) {
		discount = subtotal
	}

	return discount, nil
}
