package models

import "errors"

var (
	// ErrNotFound is returned when a story or page record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrQuotaDenied means the owner has no regenerations left.
	ErrQuotaDenied = errors.New("regeneration quota used up")
)
