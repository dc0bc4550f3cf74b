package media

import "github.com/pkg/errors"

// Error kinds shared by pools, stages, the registry and the player.
// NotAvailable and Timeout are transient and are retried by polling loops.
var (
	ErrInvalidConfig = errors.New("invalid config")
	ErrNullSource    = errors.New("null source")
	ErrNotAvailable  = errors.New("not available")
	ErrPoolFull      = errors.New("pool full")
	ErrPoolEmpty     = errors.New("pool empty")
	ErrNotRunning    = errors.New("pool not running")
	ErrUnsupported   = errors.New("unsupported")
	ErrInitFailed    = errors.New("init failed")
	ErrTimeout       = errors.New("timeout")
	ErrEndOfStream   = errors.New("end of stream")
	ErrBad           = errors.New("bad context")
)

// IsTransient reports whether err should be retried by the caller's loop.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNotAvailable) || errors.Is(err, ErrTimeout)
}
