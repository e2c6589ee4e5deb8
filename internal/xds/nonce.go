package xds

import (
	"strconv"
	"sync/atomic"
)

// nonceCounter backs every Session's nonce generation. A process-wide
// monotonic counter is simpler than a UUID and equally process-unique.
var nonceCounter atomic.Uint64

func nextNonce() string {
	return strconv.FormatUint(nonceCounter.Add(1), 10)
}
