// Package hook patches the entry point of a compiled function in the running
// process so that calls land in a replacement function instead.
//
// The target is found by name inside a loaded module: the first executable
// mapping whose path contains a hint, then the module's ELF symbol tables, and
// for the running Go executable its pclntab. The first instructions of the
// target are overwritten with a jump; the overwritten bytes are kept so the
// original can be called (Precall) or restored for good (Postcall).
//
// Limitations:
//   - Only supports amd64 and arm64 on Linux
//   - Inlined call sites are not affected by the patch
//   - The replacement must be a top-level function, not a closure
//   - Relies on internal Go APIs that can break at any time
package hook
