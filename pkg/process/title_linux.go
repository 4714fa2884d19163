//go:build linux

package process

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// maxTitleLen is the kernel limit for a task name, without the terminating NUL.
const maxTitleLen = 15

// SetTitle renames the calling OS thread. ps and top show the name of the main
// thread, so the caller must be locked to it with runtime.LockOSThread from an
// init function. Longer titles are truncated.
func SetTitle(title string) error {
	if len(title) > maxTitleLen {
		title = title[:maxTitleLen]
	}
	name, err := unix.BytePtrFromString(title)
	if err != nil {
		return err
	}
	return unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(name)), 0, 0, 0)
}
