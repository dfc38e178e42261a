package hook

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"unsafe"

	"github.com/pboyd/malloc"
)

// Trampoline returns a function with the behavior of the unpatched target of h
// that can be called while the hook is active. fn only supplies the type and
// must have the target's signature.
//
// The copy is relocated into an executable arena and lives as long as the
// process. Only hooks whose full function length is known can be copied.
func Trampoline[T any](h *Hook, fn T) (T, error) {
	var zero T

	fnv := reflect.ValueOf(fn)
	if fnv.Kind() != reflect.Func {
		return zero, fmt.Errorf("%w, kind: %v", ErrInputType, fnv.Kind())
	}

	h.mu.Lock()
	if !h.sized {
		h.mu.Unlock()
		return zero, fmt.Errorf("%w: length of %s is unknown", ErrPatch, h.Function)
	}
	src := make([]byte, len(h.code))
	copy(src, h.code)
	copy(src, h.saved)
	h.mu.Unlock()

	code, err := trampolineArena.clone(src, h.Target)
	if err != nil {
		return zero, fmt.Errorf("copy %s: %w", h.Function, err)
	}

	// The idea is to take the relocated machine instructions and convince Go
	// that they are really a func value of type T.
	codeData := unsafe.SliceData(code)
	ref := &codeData
	trampolineRefs.Store(h.Target, ref)
	return *(*T)(unsafe.Pointer(&ref)), nil
}

// trampolineRefs keeps every func value's code pointer reachable.
var trampolineRefs sync.Map

type arena struct {
	*malloc.Arena
	mprotect func(int) error
	mu       sync.Mutex
	initOnce sync.Once
	initErr  error
}

var trampolineArena = &arena{}

func (a *arena) init(startSize int) error {
	a.initOnce.Do(func() {
		be := malloc.MmapBackend(malloc.MmapProt(mprotectExec), malloc.MmapFlags(map_32bit))
		if protBE, ok := be.(malloc.ProtectedArenaBackend); ok {
			a.mprotect = protBE.Protect
		} else {
			a.mprotect = func(int) error { return nil }
		}

		a.Arena = malloc.NewArena(uint64(startSize), malloc.Backend(be))
		if a.Arena == nil {
			a.initErr = errors.New("unable to initialize arena")
		}
	})
	return a.initErr
}

// clone relocates src, compiled to run at srcBase, into the arena.
func (a *arena) clone(src []byte, srcBase uintptr) ([]byte, error) {
	// Far calls grow into an 18 byte sequence each.
	size := len(src)*4 + 16

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.init(size); err != nil {
		return nil, err
	}
	if err := a.mprotect(mprotectRWX); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPatch, err)
	}
	defer func() {
		if err := a.mprotect(mprotectRX); err != nil {
			log.Warningf("unable to protect trampoline arena: %s", err)
		}
	}()

	buf, err := malloc.MallocSlice[byte](a.Arena, size)
	if err != nil {
		return nil, err
	}

	code, err := relocateFunc(src, srcBase, buf)
	if err == nil && unsafe.SliceData(code) != unsafe.SliceData(buf) {
		err = errors.New("relocated code outgrew its allocation")
	}
	if err != nil {
		malloc.FreeSlice(a.Arena, buf)
		return nil, err
	}
	flushICache(code)
	if listing, err := disassemble(code); err == nil {
		log.Debugf("relocated 0x%x:\n%s", srcBase, listing)
	}
	return code, nil
}
