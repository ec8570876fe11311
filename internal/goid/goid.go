// Package goid extracts the current goroutine's numeric id. The kernel
// primitives in ksync need a notion of "current thread" for recursive
// mutex ownership and lock-held assertions; the runtime does not expose
// one, so we parse it out of the stack header.
package goid

import (
	"runtime"
	"strconv"
)

// ID returns the id of the calling goroutine.
//
// The first line of a stack trace is "goroutine N [state]:". Parsing it
// costs a few hundred nanoseconds, which is acceptable for mutex
// acquisition in a simulated kernel.
func ID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	s := buf[:n]

	// Skip "goroutine ".
	const prefix = "goroutine "
	if len(s) < len(prefix) {
		return 0
	}
	s = s[len(prefix):]

	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	id, err := strconv.ParseInt(string(s[:i]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
