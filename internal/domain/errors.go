package domain

import "errors"

var (
	ErrCartNotModifiable   = errors.New("cart is not modifiable in its current status")
	ErrInvalidQuantity     = errors.New("quantity must be a positive integer within the per-order limit")
	ErrItemNotFound        = errors.New("item not found in cart")
	ErrGiftMessageRequired = errors.New("gift message is required for gift items")
	ErrMissingIdentity     = errors.New("either user id or session id is required")
)
