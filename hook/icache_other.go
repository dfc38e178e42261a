//go:build !arm64

package hook

// amd64 keeps instruction fetch coherent with stores.
func flushICache([]byte) {}
