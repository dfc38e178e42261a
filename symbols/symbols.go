// Package symbols resolves the internal entry points and structure layout of
// an attached legacy runtime. Everything here reads and writes another
// runtime's memory directly, so resolution refuses to hand out a Table unless
// the layout has been checked against a method whose shape is known.
package symbols

import (
	"errors"
	"fmt"
	"path"
	"sync/atomic"
	"unsafe"

	"github.com/tliron/commonlog"

	"github.com/scintill/rilinject/jni"
	"github.com/scintill/rilinject/locator"
)

var log = commonlog.GetLogger("rilinject.symbols")

// ErrUnavailable means the internals could not be resolved. Method hooking
// stays disabled.
var ErrUnavailable = errors.New("runtime internals unavailable")

// Access flags read from dispatch records.
const (
	AccNative      uint32 = 0x0100
	AccConstructor uint32 = 0x10000
)

// EntryInfo is what Inspect reads out of a dispatch entry.
type EntryInfo struct {
	AccessFlags uint32
	InsSize     uint16
}

// Native reports whether the entry runs a native function.
func (i EntryInfo) Native() bool {
	return i.AccessFlags&AccNative != 0
}

// Table is the narrow view of runtime internals the method hook works
// through. Classes, methods and entries are raw runtime pointers.
type Table interface {
	Build() string
	// FindClass takes a descriptor such as "Ljava/lang/Object;".
	FindClass(descriptor string) unsafe.Pointer
	// FindMethod looks static methods up among the direct methods of the
	// class and instance methods through the class hierarchy.
	FindMethod(class unsafe.Pointer, name, descriptor string, static bool) unsafe.Pointer
	LoadEntry(method unsafe.Pointer) unsafe.Pointer
	StoreEntry(method, entry unsafe.Pointer)
	// UseJNIBridge redirects method to a native function.
	UseJNIBridge(method unsafe.Pointer, fn jni.NativeFunc)
	Inspect(entry unsafe.Pointer) EntryInfo
}

type (
	findClassFunc  = func(descriptor string) unsafe.Pointer
	findMethodFunc = func(class unsafe.Pointer, name, descriptor string) unsafe.Pointer
	jniBridgeFunc  = func(method unsafe.Pointer, fn jni.NativeFunc)
)

// Candidate names per entry point, plain first.
var (
	findLoadedClassNames = []string{"dvmFindLoadedClass", "_Z18dvmFindLoadedClassPKc"}
	findDirectNames      = []string{"dvmFindDirectMethodByDescriptor", "_Z31dvmFindDirectMethodByDescriptorPK11ClassObjectPKcS3_"}
	findVirtualNames     = []string{"dvmFindVirtualMethodHierByDescriptor", "_Z36dvmFindVirtualMethodHierByDescriptorPK11ClassObjectPKcS3_"}
	useJNIBridgeNames    = []string{"dvmUseJNIBridge", "_Z15dvmUseJNIBridgeP6MethodPv"}
	buildVersionNames    = []string{"gDvmBuildVersion"}
)

type table struct {
	build  string
	layout Layout

	findClass   findClassFunc
	findDirect  findMethodFunc
	findVirtual findMethodFunc
	useBridge   jniBridgeFunc
}

// Resolve builds the Table of the runtime behind h.
func Resolve(h *locator.Handle) (Table, error) {
	if h.Family() != locator.Dalvik {
		return nil, fmt.Errorf("%w: %s runtime exports no internals", ErrUnavailable, h.Family())
	}

	t := &table{}
	var errs []error
	var err error
	if t.build, err = lookup[string](h.Library, buildVersionNames); err != nil {
		errs = append(errs, err)
	}
	if t.findClass, err = lookup[findClassFunc](h.Library, findLoadedClassNames); err != nil {
		errs = append(errs, err)
	}
	if t.findDirect, err = lookup[findMethodFunc](h.Library, findDirectNames); err != nil {
		errs = append(errs, err)
	}
	if t.findVirtual, err = lookup[findMethodFunc](h.Library, findVirtualNames); err != nil {
		errs = append(errs, err)
	}
	if t.useBridge, err = lookup[jniBridgeFunc](h.Library, useJNIBridgeNames); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, errors.Join(errs...))
	}

	layout, ok := DetectLayout(t.build)
	if !ok {
		return nil, fmt.Errorf("%w: no known layout for build %q", ErrUnavailable, t.build)
	}
	t.layout = layout

	if err := t.validate(); err != nil {
		return nil, fmt.Errorf("%w: build %q: %w", ErrUnavailable, t.build, err)
	}
	log.Infof("resolved internals of %s", t.build)
	return t, nil
}

func lookup[T any](lib locator.Library, names []string) (T, error) {
	var zero T
	for _, name := range names {
		sym, ok := lib.Lookup(name)
		if !ok {
			continue
		}
		v, ok := sym.(T)
		if !ok {
			return zero, fmt.Errorf("%s has type %T", name, sym)
		}
		log.Debugf("found %s", name)
		return v, nil
	}
	return zero, fmt.Errorf("none of %v exported", names)
}

// validate reads java.lang.Object.<init>()V through the layout. It takes only
// its receiver and is neither native nor anything but a constructor.
func (t *table) validate() error {
	class := t.FindClass("Ljava/lang/Object;")
	if class == nil {
		return errors.New("java.lang.Object not loaded")
	}
	// Constructors are direct methods.
	m := t.FindMethod(class, "<init>", "()V", true)
	if m == nil {
		return errors.New("java.lang.Object.<init> not found")
	}
	entry := t.LoadEntry(m)
	if entry == nil {
		return errors.New("java.lang.Object.<init> has no entry")
	}
	info := t.Inspect(entry)
	if info.InsSize != 1 || info.Native() || info.AccessFlags&AccConstructor == 0 {
		return fmt.Errorf("layout check failed: flags 0x%x, ins %d", info.AccessFlags, info.InsSize)
	}
	return nil
}

func (t *table) Build() string {
	return t.build
}

func (t *table) FindClass(descriptor string) unsafe.Pointer {
	return t.findClass(descriptor)
}

func (t *table) FindMethod(class unsafe.Pointer, name, descriptor string, static bool) unsafe.Pointer {
	if static {
		return t.findDirect(class, name, descriptor)
	}
	return t.findVirtual(class, name, descriptor)
}

func (t *table) entryField(method unsafe.Pointer) *unsafe.Pointer {
	return (*unsafe.Pointer)(unsafe.Add(method, t.layout.Entry))
}

func (t *table) LoadEntry(method unsafe.Pointer) unsafe.Pointer {
	return atomic.LoadPointer(t.entryField(method))
}

func (t *table) StoreEntry(method, entry unsafe.Pointer) {
	atomic.StorePointer(t.entryField(method), entry)
}

func (t *table) UseJNIBridge(method unsafe.Pointer, fn jni.NativeFunc) {
	t.useBridge(method, fn)
}

func (t *table) Inspect(entry unsafe.Pointer) EntryInfo {
	return EntryInfo{
		AccessFlags: *(*uint32)(unsafe.Add(entry, t.layout.DispatchFlags)),
		InsSize:     *(*uint16)(unsafe.Add(entry, t.layout.InsSize)),
	}
}

// Layout holds byte offsets into the method structures of one build.
type Layout struct {
	Entry         uintptr
	DispatchFlags uintptr
	InsSize       uintptr
}

const ptrSize = unsafe.Sizeof(uintptr(0))

// KnownLayouts are keyed by exact build string.
var KnownLayouts = map[string]Layout{
	"dvm/1.6": {Entry: ptrSize, DispatchFlags: 2 * ptrSize, InsSize: 2*ptrSize + 8},
	"dvm/0.9": {Entry: ptrSize, DispatchFlags: 2 * ptrSize, InsSize: 2*ptrSize + 6},
}

// layoutPatterns cover builds without an exact entry, by major version.
var layoutPatterns = []struct {
	pattern string
	build   string
}{
	{"dvm/1.*", "dvm/1.6"},
}

// DetectLayout picks the layout for build.
func DetectLayout(build string) (Layout, bool) {
	if l, ok := KnownLayouts[build]; ok {
		return l, true
	}
	for _, p := range layoutPatterns {
		if ok, _ := path.Match(p.pattern, build); ok {
			log.Infof("no exact layout for %s, using %s", build, p.build)
			return KnownLayouts[p.build], true
		}
	}
	return Layout{}, false
}
