package repository

import "errors"

var (
	// ErrInvalidInput is returned when list options fail validation.
	ErrInvalidInput = errors.New("invalid input")
)
