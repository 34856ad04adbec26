package domain

import "errors"

var (
	ErrCollateralNotFound     = errors.New("collateral not found")
	ErrInvalidInput           = errors.New("invalid input")
	ErrInvalidCollateralState = errors.New("operation not allowed in current collateral state")
	ErrConcurrentModification = errors.New("collateral modified concurrently")
)
