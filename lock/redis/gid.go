package redis

import (
	"runtime"
	"strconv"
	"strings"
)

// gid returns the calling goroutine's id. Same technique as the local lock:
// parsed from the first stack-dump line, since the runtime exposes nothing
// better and reentrancy needs a per-goroutine identity.
func gid() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	s := strings.TrimPrefix(string(buf[:n]), "goroutine ")
	if i := strings.IndexByte(s, ' '); i > 0 {
		if id, err := strconv.ParseUint(s[:i], 10, 64); err == nil {
			return id
		}
	}
	return 0
}
