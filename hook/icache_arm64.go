//go:build arm64 && cgo

package hook

/*
static void flush_icache(char *start, char *end) {
	__builtin___clear_cache(start, end);
}
*/
import "C"

import "unsafe"

// flushICache discards stale instructions for code that was just written.
func flushICache(code []byte) {
	if len(code) == 0 {
		return
	}
	start := (*C.char)(unsafe.Pointer(unsafe.SliceData(code)))
	end := (*C.char)(unsafe.Add(unsafe.Pointer(start), len(code)))
	C.flush_icache(start, end)
}
