package mesh

import "errors"

var (
	ErrAlreadyRunning = errors.New("mesh manager already running")
	ErrNoEngine       = errors.New("mesh manager requires an engine")
	ErrNoSignaling    = errors.New("mesh manager requires a signaling sender")
)
