// Package dalvikhook redirects an interpreted method of the legacy runtime to
// a native interceptor and lets the interceptor call the original body.
//
// The runtime has exactly one dispatch entry per method. Calling the original
// therefore means swapping the original entry back in (Prepare), calling the
// method, and swapping the interceptor back (Postcall). Calls made by other
// threads between the two swaps run the original without interception.
package dalvikhook

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/davecgh/go-spew/spew"
	"github.com/tliron/commonlog"

	"github.com/scintill/rilinject/jni"
	"github.com/scintill/rilinject/symbols"
)

var log = commonlog.GetLogger("rilinject.dalvikhook")

var (
	// ErrMethodNotFound means the class or method could not be resolved.
	ErrMethodNotFound = errors.New("method not found")
	// ErrInstall means the runtime did not accept the new entry.
	ErrInstall = errors.New("unable to install method hook")
)

// Hook describes one intercepted method.
type Hook struct {
	// Class is a descriptor such as "Ljava/lang/Object;".
	Class       string
	Method      string
	Descriptor  string
	Static      bool
	Interceptor jni.NativeFunc
	// Debug dumps the resolved entries when the hook is installed.
	Debug bool

	table    symbols.Table
	method   unsafe.Pointer
	original unsafe.Pointer
	hooked   unsafe.Pointer
}

// Setup describes a hook. Nothing is resolved until Install.
func Setup(class, method, descriptor string, static bool, interceptor jni.NativeFunc) *Hook {
	return &Hook{
		Class:       class,
		Method:      method,
		Descriptor:  descriptor,
		Static:      static,
		Interceptor: interceptor,
	}
}

func (h *Hook) String() string {
	return h.Class + "->" + h.Method + h.Descriptor
}

// Install resolves the method through t and redirects it to the interceptor.
// A method that cannot be redirected is left untouched.
func (h *Hook) Install(t symbols.Table) error {
	if h.Interceptor == nil {
		return fmt.Errorf("%w: %s has no interceptor", ErrInstall, h)
	}
	class := t.FindClass(h.Class)
	if class == nil {
		return fmt.Errorf("%w: class %s is not loaded", ErrMethodNotFound, h.Class)
	}
	m := t.FindMethod(class, h.Method, h.Descriptor, h.Static)
	if m == nil {
		return fmt.Errorf("%w: %s", ErrMethodNotFound, h)
	}

	original := t.LoadEntry(m)
	if t.Inspect(original).Native() {
		return fmt.Errorf("%w: %s is already native", ErrInstall, h)
	}

	t.UseJNIBridge(m, h.Interceptor)
	hooked := t.LoadEntry(m)
	if hooked == original || !t.Inspect(hooked).Native() {
		t.StoreEntry(m, original)
		return fmt.Errorf("%w: %s did not become native", ErrInstall, h)
	}

	h.table = t
	h.method = m
	h.original = original
	h.hooked = hooked

	log.Infof("hooked %s", h)
	if h.Debug {
		log.Debugf("%s", spew.Sdump(h.dump()))
	}
	return nil
}

type hookDump struct {
	Build    string
	Target   string
	Method   uintptr
	Original symbols.EntryInfo
	Hooked   symbols.EntryInfo
}

func (h *Hook) dump() hookDump {
	return hookDump{
		Build:    h.table.Build(),
		Target:   h.String(),
		Method:   uintptr(h.method),
		Original: h.table.Inspect(h.original),
		Hooked:   h.table.Inspect(h.hooked),
	}
}

// Installed reports whether Install succeeded.
func (h *Hook) Installed() bool {
	return h.method != nil
}

// MethodID identifies the hooked method for calls made between Prepare and
// Postcall.
func (h *Hook) MethodID() jni.MethodID {
	return h.method
}

// Prepare restores the original entry and clears any stale exception.
func (h *Hook) Prepare(env jni.Env) {
	h.table.StoreEntry(h.method, h.original)
	env.ExceptionClear()
}

// Postcall reinstalls the interceptor.
func (h *Hook) Postcall() {
	h.table.StoreEntry(h.method, h.hooked)
}

// Intercepting reports whether calls currently reach the interceptor.
func (h *Hook) Intercepting() bool {
	return h.Installed() && h.table.LoadEntry(h.method) == h.hooked
}
