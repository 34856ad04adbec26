package domain

import "errors"

var (
	ErrLoanNotFound           = errors.New("loan not found")
	ErrInvalidInput           = errors.New("invalid input")
	ErrInvalidAmount          = errors.New("invalid payment amount")
	ErrInvalidLoanState       = errors.New("operation not allowed in current loan status")
	ErrConcurrentModification = errors.New("loan modified concurrently")
)
