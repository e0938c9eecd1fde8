package labs

import "errors"

// Stable error taxonomy for the lifecycle manager. The routing layer
// maps these to HTTP statuses with errors.Is; nothing should ever
// branch on message text. Port, image and orchestrator failures keep
// their own sentinels (ports.ErrExhausted, image.ErrNotAllowed,
// portainer.ErrUnreachable, portainer.ErrNotConfigured) and propagate
// through the manager unchanged.
var (
	// ErrQuotaExceeded: the non-admin caller already owns the per-user
	// maximum of active labs.
	ErrQuotaExceeded = errors.New("per-user lab quota exceeded")

	// ErrCapacityExceeded: the global active-lab cap is reached.
	ErrCapacityExceeded = errors.New("no lab capacity available")

	// ErrNotFound: no matching active lab, or the caller may not act on it.
	// Deliberately indistinguishable so the API does not leak other
	// users' lab ids.
	ErrNotFound = errors.New("lab not found")

	// ErrConfigIncomplete: the resolved port-range/capacity settings are
	// missing or invalid.
	ErrConfigIncomplete = errors.New("lab configuration incomplete")

	// ErrInvalidExtension: a non-positive hour count was given to Extend.
	ErrInvalidExtension = errors.New("extension hours must be positive")
)
