//go:build linux

package main

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// processName is what ps and top show for the conductor. The kernel keeps at
// most 15 bytes.
const processName = "github-runners"

// The main goroutine is locked to the main thread while packages initialize,
// so this names the thread that ps reports for the process.
func init() {
	_ = setProcessName(processName)
}

func setProcessName(name string) error {
	p, err := unix.BytePtrFromString(name)
	if err != nil {
		return err
	}
	return unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(p)), 0, 0, 0)
}
