//go:build mprdebug

package heap

import "time"

const debugBuild = true

// syncTimeout is the default SyncTimeout. Long enough to sit at a breakpoint
// without every collection being abandoned.
const syncTimeout = 60 * time.Second
