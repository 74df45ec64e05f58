package tile

import "errors"

var (
	// ErrOutOfRange is returned for a key whose LOD lies outside the supported window.
	ErrOutOfRange = errors.New("lod out of range")
	// ErrProviderFailure matches every *ProviderError.
	ErrProviderFailure = errors.New("provider failure")
	// ErrCancelled is delivered to requests discarded by a clear.
	ErrCancelled = errors.New("tile request cancelled")
	// ErrClosed is delivered to requests made after, or queued at, shutdown.
	ErrClosed = errors.New("tile coordinator closed")
	// ErrNotFound is returned by providers when the source has no such tile.
	ErrNotFound = errors.New("tile not found")
)

// ProviderError carries a provider failure to every waiter of a key. Its message
// is the provider's message unchanged.
type ProviderError struct {
	Key Key
	Err error
}

func (e *ProviderError) Error() string {
	return e.Err.Error()
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func (e *ProviderError) Is(target error) bool {
	return target == ErrProviderFailure
}
