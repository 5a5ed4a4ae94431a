package repository

import "errors"

// ErrNotFound is returned when a record does not exist in the store
var ErrNotFound = errors.New("not found")
