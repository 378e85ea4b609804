package model

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidState    = errors.New("invalid state")
	ErrConflict        = errors.New("conflict")
	ErrTransient       = errors.New("transient failure")
	ErrExternalService = errors.New("external service failure")
	ErrInvalidInput    = errors.New("invalid input")
)
