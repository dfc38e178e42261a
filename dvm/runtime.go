package dvm

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"

	"github.com/scintill/rilinject/jni"
)

var log = commonlog.GetLogger("dvm")

// Family selects which runtime a Runtime pretends to be.
type Family int

const (
	// Dalvik is the legacy interpreter. Its internals can be hooked.
	Dalvik Family = iota
	// ART is the ahead-of-time runtime. It exports no internals.
	ART
)

// Library returns the file name the family is loaded from.
func (f Family) Library() string {
	if f == ART {
		return "libart.so"
	}
	return "libdvm.so"
}

func (f Family) String() string {
	if f == ART {
		return "art"
	}
	return "dalvik"
}

// DefaultBuild is the build string a Dalvik runtime reports unless told
// otherwise.
const DefaultBuild = "dvm/1.6"

// Options configure New.
type Options struct {
	Family Family
	// Build overrides the reported build string.
	Build string
}

// Runtime is one virtual machine instance.
type Runtime struct {
	family Family
	build  string

	mu     sync.RWMutex
	boot   map[string]*Class
	loaded map[string]*Class
	system *Object
	main   *Env

	globalsMu sync.Mutex
	globals   map[jni.Object]int

	loadersCreated atomic.Int64
	lib            *Library
}

type loaderState struct {
	parent *Object

	mu      sync.Mutex
	defs    map[string]ClassDef
	classes map[string]*Class
}

// New boots a runtime.
func New(opts Options) (*Runtime, error) {
	vm := &Runtime{
		family:  opts.Family,
		build:   opts.Build,
		boot:    make(map[string]*Class),
		loaded:  make(map[string]*Class),
		globals: make(map[jni.Object]int),
	}
	if vm.build == "" {
		vm.build = DefaultBuild
		if vm.family == ART {
			vm.build = "art/2.1"
		}
	}

	if err := vm.bootstrap(); err != nil {
		return nil, err
	}

	vm.system = newObject(vm.mustClass("dalvik/system/PathClassLoader"))
	vm.system.native = &loaderState{
		defs:    make(map[string]ClassDef),
		classes: make(map[string]*Class),
	}
	vm.main = &Env{vm: vm}
	vm.lib = newLibrary(vm)

	log.Infof("started %s runtime %s", vm.family, vm.build)
	return vm, nil
}

// Family returns the family the runtime was created with.
func (vm *Runtime) Family() Family {
	return vm.family
}

// Build returns the build string.
func (vm *Runtime) Build() string {
	return vm.build
}

// Env returns the environment of the thread that created the runtime.
func (vm *Runtime) Env() *Env {
	return vm.main
}

// Library returns the runtime's library as a process would see it.
func (vm *Runtime) Library() *Library {
	return vm.lib
}

// GetEnv implements jni.VM. Goroutines have no identity, so every caller gets
// the environment of the thread that created the runtime. Concurrent callers
// use AttachCurrentThread instead.
func (vm *Runtime) GetEnv(version int32) (jni.Env, int32) {
	switch version {
	case jni.Version1_1, jni.Version1_2, jni.Version1_4, jni.Version1_6:
	default:
		return nil, jni.EVERSION
	}
	return vm.main, jni.OK
}

// AttachCurrentThread implements jni.VM.
func (vm *Runtime) AttachCurrentThread() (jni.Env, int32) {
	return &Env{vm: vm}, jni.OK
}

// Define makes the classes of b visible to the system class loader.
func (vm *Runtime) Define(b *Bundle) error {
	if err := b.check(); err != nil {
		return err
	}
	st := vm.system.native.(*loaderState)
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, def := range b.Classes {
		if _, dup := st.defs[def.Name]; dup {
			return fmt.Errorf("class %s already defined", def.Name)
		}
		st.defs[def.Name] = def
	}
	return nil
}

// FindLoadedClass returns a class that has already been linked by any loader.
// name may be in slash, dot or descriptor form.
func (vm *Runtime) FindLoadedClass(name string) *Class {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.loaded[className(name)]
}

// PeekStatic reads a static field without initializing its class.
func (vm *Runtime) PeekStatic(class, field string) (jni.Value, bool) {
	c := vm.FindLoadedClass(class)
	if c == nil {
		return nil, false
	}
	owner := c.staticOwner(field)
	if owner == nil {
		return nil, false
	}
	return owner.getStatic(field)
}

// LoadersCreated counts bundle class loader constructions.
func (vm *Runtime) LoadersCreated() int64 {
	return vm.loadersCreated.Load()
}

// GlobalRefs returns the number of live global references.
func (vm *Runtime) GlobalRefs() int {
	vm.globalsMu.Lock()
	defer vm.globalsMu.Unlock()
	n := 0
	for _, count := range vm.globals {
		n += count
	}
	return n
}

func (vm *Runtime) mustClass(name string) *Class {
	vm.mu.RLock()
	c := vm.boot[name]
	vm.mu.RUnlock()
	if c == nil {
		panic("dvm: missing boot class " + name)
	}
	return c
}

// resolve finds name through loader, asking the parent first. A nil loader
// is the boot loader.
func (vm *Runtime) resolve(loader *Object, name string) *Class {
	if loader == nil {
		vm.mu.RLock()
		defer vm.mu.RUnlock()
		return vm.boot[name]
	}
	st, ok := loader.payload().(*loaderState)
	if !ok {
		return nil
	}
	if c := vm.resolve(st.parent, name); c != nil {
		return c
	}

	st.mu.Lock()
	if c, ok := st.classes[name]; ok {
		st.mu.Unlock()
		return c
	}
	def, ok := st.defs[name]
	st.mu.Unlock()
	if !ok {
		return nil
	}

	c, err := vm.link(loader, def)
	if err != nil {
		log.Errorf("linking %s: %s", name, err)
		return nil
	}

	st.mu.Lock()
	if prev, ok := st.classes[name]; ok {
		// Lost a race with another thread linking the same class.
		st.mu.Unlock()
		return prev
	}
	st.classes[name] = c
	st.mu.Unlock()

	vm.mu.Lock()
	if _, ok := vm.loaded[name]; !ok {
		vm.loaded[name] = c
	}
	vm.mu.Unlock()
	log.Debugf("loaded %s", c)
	return c
}

var errNoSuper = errors.New("superclass not found")

func (vm *Runtime) link(loader *Object, def ClassDef) (*Class, error) {
	superName := def.Super
	if superName == "" {
		superName = "java/lang/Object"
	}
	super := vm.resolve(loader, className(superName))
	if super == nil {
		return nil, fmt.Errorf("%s: %w", superName, errNoSuper)
	}

	c := newClass(vm, def.Name, super, loader)
	for _, name := range def.Statics {
		c.statics[name] = nil
	}
	for _, md := range def.Methods {
		m, err := linkMethod(c, md)
		if err != nil {
			return nil, err
		}
		c.methods = append(c.methods, m)
	}
	return c, nil
}
