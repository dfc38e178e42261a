package dvm

import (
	"unsafe"

	"github.com/scintill/rilinject/jni"
)

// Library is the shared library a runtime is loaded from. Lookup plays the
// part of dlsym.
type Library struct {
	name    string
	symbols map[string]any
}

// Name returns the library file name.
func (l *Library) Name() string {
	return l.name
}

// Lookup returns the exported symbol called name.
func (l *Library) Lookup(name string) (any, bool) {
	sym, ok := l.symbols[name]
	return sym, ok
}

func newLibrary(vm *Runtime) *Library {
	l := &Library{
		name: vm.family.Library(),
		symbols: map[string]any{
			jni.CreatedVMsSymbol: jni.GetCreatedVMsFunc(vm.getCreatedVMs),
		},
	}
	if vm.family == ART {
		return l
	}

	// Some internals are only exported under their mangled names.
	l.symbols["dvmFindLoadedClass"] = vm.findLoadedClass
	l.symbols["_Z31dvmFindDirectMethodByDescriptorPK11ClassObjectPKcS3_"] = findDirectMethod
	l.symbols["_Z36dvmFindVirtualMethodHierByDescriptorPK11ClassObjectPKcS3_"] = findVirtualMethod
	l.symbols["dvmUseJNIBridge"] = useJNIBridge
	l.symbols["gDvmBuildVersion"] = vm.build
	return l
}

func (vm *Runtime) getCreatedVMs(buf []jni.VM) (int, int32) {
	if len(buf) > 0 {
		buf[0] = vm
	}
	return 1, jni.OK
}

// findLoadedClass takes a descriptor such as "Ljava/lang/Object;".
func (vm *Runtime) findLoadedClass(descriptor string) unsafe.Pointer {
	c := vm.FindLoadedClass(descriptor)
	if c == nil {
		return nil
	}
	return unsafe.Pointer(c)
}

func findDirectMethod(clazz unsafe.Pointer, name, descriptor string) unsafe.Pointer {
	c := (*Class)(clazz)
	if c == nil {
		return nil
	}
	if m := c.declared(name, descriptor); m != nil && m.direct() {
		return unsafe.Pointer(m)
	}
	return nil
}

func findVirtualMethod(clazz unsafe.Pointer, name, descriptor string) unsafe.Pointer {
	for c := (*Class)(clazz); c != nil; c = c.super {
		if m := c.declared(name, descriptor); m != nil && !m.direct() {
			return unsafe.Pointer(m)
		}
	}
	return nil
}

func useJNIBridge(m unsafe.Pointer, fn jni.NativeFunc) {
	(*method)(m).bindNative(fn)
}

// Layout gives the byte offsets of the method structures that hooks read and
// write directly.
type Layout struct {
	// Entry is the offset of the dispatch pointer inside a method.
	Entry uintptr
	// DispatchFlags is the offset of the access flags inside a dispatch record.
	DispatchFlags uintptr
	// InsSize is the offset of the argument register count.
	InsSize uintptr
}

// MethodLayout is the layout of this build.
func MethodLayout() Layout {
	var m method
	var d dispatch
	return Layout{
		Entry:         unsafe.Offsetof(m.entry),
		DispatchFlags: unsafe.Offsetof(d.accessFlags),
		InsSize:       unsafe.Offsetof(d.insSize),
	}
}
