package domain

import "errors"

var (
	ErrApplicationNotFound     = errors.New("loan application not found")
	ErrProductNotFound         = errors.New("loan product not found")
	ErrInvalidInput            = errors.New("invalid input")
	ErrInvalidApplicationState = errors.New("operation not allowed in current application status")
	ErrInsufficientCollateral  = errors.New("requested amount exceeds eligible collateral value")
	ErrConcurrentModification  = errors.New("application modified concurrently")
)
