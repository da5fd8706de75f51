package lock

import (
	"runtime"
	"strconv"
	"strings"
)

// gid returns the calling goroutine's id, parsed from the first line of the
// stack dump ("goroutine 123 [running]:"). The runtime offers no direct
// accessor; goroutine-keyed ownership is what makes reentrancy checkable.
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
