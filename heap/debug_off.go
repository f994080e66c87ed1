//go:build !mprdebug

package heap

import "time"

const debugBuild = false

// syncTimeout is the default SyncTimeout.
const syncTimeout = 5 * time.Second
