package hook

import (
	"fmt"
	"os"
	"reflect"
	"runtime"
	"sync"
	"unsafe"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("rilinject.hook")

type state int

const (
	stateActive state = iota
	statePassive
	stateReleased
)

func (s state) String() string {
	switch s {
	case stateActive:
		return "active"
	case statePassive:
		return "passive"
	case stateReleased:
		return "released"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Hook describes a patched function. Hooks live for the rest of the process.
type Hook struct {
	ModuleHint  string
	Function    string
	Module      string
	Target      uintptr
	Replacement uintptr

	mu    sync.Mutex
	state state
	// code covers the whole target when its length is known, otherwise only
	// the patched bytes.
	code  []byte
	sized bool
	saved []byte
	patch []byte
}

var (
	// hooks applied with target addresses as keys
	hooks = make(map[uintptr]*Hook)
	// protect the hooks map
	hooksMu sync.Mutex
)

// protect is swapped out by tests.
var protect = mprotect

// Install locates function inside the first module of pid whose path contains
// moduleHint and redirects it to replacement. Only the current process can be
// hooked.
//
// If Install fails the target is left untouched.
func Install(pid int, moduleHint, function string, replacement any) (*Hook, error) {
	rv := reflect.ValueOf(replacement)
	if rv.Kind() != reflect.Func || rv.IsNil() {
		return nil, fmt.Errorf("%w: replacement kind %v", ErrInputType, rv.Kind())
	}
	return InstallAddr(pid, moduleHint, function, rv.Pointer())
}

// InstallAddr is Install for a replacement given by its entry address, such
// as a C function exported by a cgo preamble. The replacement must follow the
// calling convention of function.
func InstallAddr(pid int, moduleHint, function string, replacement uintptr) (*Hook, error) {
	if replacement == 0 {
		return nil, fmt.Errorf("%w: nil replacement", ErrInputType)
	}
	if pid != os.Getpid() {
		return nil, fmt.Errorf("pid %d: %w", pid, ErrForeignProcess)
	}

	sym, err := resolve(pid, moduleHint, function)
	if err != nil {
		log.Errorf("unable to resolve %s in %q: %s", function, moduleHint, err)
		return nil, err
	}

	h, err := apply(sym, replacement)
	if err != nil {
		log.Errorf("unable to hook %s: %s", function, err)
		return nil, err
	}
	h.ModuleHint = moduleHint
	log.Debugf("hooked %s at 0x%x in %s", function, h.Target, h.Module)
	return h, nil
}

// Func hooks fn with newFn. An error will be returned if fn or newFn are not
// functions or if their signatures do not match.
//
// Note that if fn has been inlined the hook is never reached. If possible, add
// a noinline directive to work-around this problem:
//
//	//go:noinline
//	func myfunc() {
//		...
//	}
func Func(fn, newFn any) (*Hook, error) {
	fnv := reflect.ValueOf(fn)
	if fnv.Kind() != reflect.Func || fnv.IsNil() {
		return nil, fmt.Errorf("%w, kind: %v", ErrInputType, fnv.Kind())
	}
	newFnv := reflect.ValueOf(newFn)
	if newFnv.Kind() != reflect.Func || newFnv.IsNil() {
		return nil, fmt.Errorf("%w, kind: %v", ErrInputType, newFnv.Kind())
	}
	if !funcsAreEqual(fnv, newFnv) {
		return nil, fmt.Errorf("function signatures do not match: %w", diffFuncs(fnv, newFnv).Error())
	}

	entry := fnv.Pointer()
	sym := symbol{addr: entry}
	if f := runtime.FuncForPC(entry); f != nil {
		sym.name = f.Name()
	}
	if exe, err := os.Executable(); err == nil {
		sym.module = exe
	}
	if size, ok := funcLength(entry); ok {
		sym.size = size
	}

	return apply(sym, newFnv.Pointer())
}

func apply(sym symbol, dest uintptr) (*Hook, error) {
	hooksMu.Lock()
	defer hooksMu.Unlock()

	if _, ok := hooks[sym.addr]; ok {
		return nil, ErrDoubleHook
	}

	patch, err := jumpCode(sym.addr, dest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPatch, err)
	}

	size := sym.size
	if size == 0 {
		size = uintptr(len(patch))
	}
	if size < uintptr(len(patch)) {
		return nil, fmt.Errorf("%w: function is %d bytes, jump needs %d", ErrPatch, size, len(patch))
	}

	// sym.addr is in a mapped text segment, which the GC never moves or
	// frees, so code stays valid for the life of the process.
	h := &Hook{
		Function:    sym.name,
		Module:      sym.module,
		Target:      sym.addr,
		Replacement: dest,
		state:       statePassive,
		code:        unsafe.Slice((*byte)(unsafe.Pointer(sym.addr)), size),
		sized:       sym.size != 0,
		patch:       patch,
	}
	h.saved = make([]byte, len(patch))
	copy(h.saved, h.code)

	if err := h.write(h.patch); err != nil {
		return nil, err
	}
	h.state = stateActive

	hooks[sym.addr] = h
	return h, nil
}

// write copies b over the entry point. Nothing is written unless the page
// could be made writable.
func (h *Hook) write(b []byte) error {
	region := h.code[:len(b)]

	err := protect(region, mprotectRWX)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPatch, err)
	}
	copy(region, b)
	flushICache(region)

	if err := protect(region, mprotectRX); err != nil {
		// The code is correct, the page is just left writable.
		log.Warningf("unable to restore protection at 0x%x: %s", h.Target, err)
	}
	return nil
}

// Precall restores the original entry bytes so the original function can be
// called without landing in the replacement. Calling it on a hook that is
// already passive does nothing.
func (h *Hook) Precall() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != stateActive {
		return nil
	}
	if err := h.write(h.saved); err != nil {
		return err
	}
	h.state = statePassive
	return nil
}

// Postcall leaves the original function in place for good. The hook can not
// be armed again afterwards.
func (h *Hook) Postcall() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == stateActive {
		if err := h.write(h.saved); err != nil {
			return err
		}
	}
	h.state = stateReleased
	return nil
}

// Rearm reinstalls the jump after Precall.
func (h *Hook) Rearm() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case stateActive:
		return nil
	case stateReleased:
		return ErrReleased
	}
	if err := h.write(h.patch); err != nil {
		return err
	}
	h.state = stateActive
	return nil
}

// Active reports whether calls to the target currently reach the replacement.
func (h *Hook) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == stateActive
}

// Released reports whether Postcall has been called.
func (h *Hook) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == stateReleased
}

// String implements fmt.Stringer.
func (h *Hook) String() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return fmt.Sprintf("%s@0x%x -> 0x%x (%s)", h.Function, h.Target, h.Replacement, h.state)
}

func funcsAreEqual(a, b reflect.Value) bool {
	at := a.Type()
	bt := b.Type()
	if at.NumIn() != bt.NumIn() {
		return false
	}
	if at.NumOut() != bt.NumOut() {
		return false
	}

	for i := 0; i < at.NumIn(); i++ {
		if at.In(i) != bt.In(i) {
			return false
		}
	}

	for i := 0; i < at.NumOut(); i++ {
		if at.Out(i) != bt.Out(i) {
			return false
		}
	}

	return true
}
