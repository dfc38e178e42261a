package hook

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	mprotectExec = unix.PROT_EXEC
	mprotectRX   = unix.PROT_READ | unix.PROT_EXEC
	mprotectRWX  = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
)

var pageSize = uintptr(unix.Getpagesize())

// mprotect changes the protection of every page overlapping buf.
func mprotect(buf []byte, flags int) error {
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))

	// Round address down to page boundary.
	// Example: addr=4196 with pageSize=4096 becomes 4096.
	start := addr &^ (pageSize - 1)

	// Round up to cover complete pages.
	length := (addr - start + uintptr(cap(buf)) + pageSize - 1) &^ (pageSize - 1)

	// buf is text or arena memory outside the Go heap, so its page is too.
	region := unsafe.Slice((*byte)(unsafe.Pointer(start)), length)
	return unix.Mprotect(region, flags)
}
