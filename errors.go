package tracemachine

import "errors"

var (
	// ErrTreeInactive is returned when no tree is live or the span's tree was already finalized.
	ErrTreeInactive = errors.New("tracemachine: tracing is inactive")

	// ErrDoubleCompletion marks a second completion of the same span.
	ErrDoubleCompletion = errors.New("tracemachine: span already completed")

	// ErrIncompleteSerialization is returned when serializing a tree that is not complete.
	ErrIncompleteSerialization = errors.New("tracemachine: tree has not been completed")

	// ErrListenerFailure wraps a recovered listener panic.
	ErrListenerFailure = errors.New("tracemachine: listener failed")

	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("tracemachine: invalid config")
)
