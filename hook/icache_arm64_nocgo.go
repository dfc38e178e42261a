//go:build arm64 && !cgo

package hook

// Patching arm64 code needs cgo for __builtin___clear_cache. Build with
// CGO_ENABLED=1.
func flushICache(code []byte) {
	hook_needs_cgo_on_arm64()
}
