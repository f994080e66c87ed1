package heap

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrInvalidConfig is returned for configuration values that cannot be
	// honoured.
	ErrInvalidConfig = errors.New("heap: invalid configuration")

	// ErrCorrupt is wrapped by every inconsistency Verify reports.
	ErrCorrupt = errors.New("heap: corrupt")

	// ErrClosed is returned by operations on a destroyed heap.
	ErrClosed = errors.New("heap: closed")

	// ErrNoRestart is returned by the restart hook on platforms that cannot
	// re-execute the running program.
	ErrNoRestart = errors.New("heap: restart not supported")
)

// throw reports an internal invariant violation. The heap cannot be trusted
// after one, so it panics rather than returning an error.
func throw(s string) {
	panic(errors.AssertionFailedf("heap: %s", s))
}
