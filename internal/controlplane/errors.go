package controlplane

import "errors"

// Sentinel errors for control plane operations.
var (
	ErrNotFound      = errors.New("resource not found")
	ErrItemNotFound  = errors.New("item not found")
	ErrNoCoordinator = errors.New("no coordinator attached")
	ErrNoTracker     = errors.New("no progress tracker attached")
)
