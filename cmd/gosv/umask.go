package main

import (
	"strconv"

	"golang.org/x/sys/unix"
)

// applyGlobalUmask sets the process-wide umask from global.umask before
// any children are spawned.
func applyGlobalUmask(octal string) {
	v, err := strconv.ParseInt(octal, 8, 32)
	if err != nil {
		return
	}
	unix.Umask(int(v))
}
