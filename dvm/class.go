package dvm

import (
	"sync"

	"github.com/scintill/rilinject/jni"
)

type classState int

const (
	classLoaded classState = iota
	classInitializing
	classInitialized
	classErroneous
)

// Class is a linked class. A *Class is also the java.lang.Class instance
// handed out for it.
type Class struct {
	name    string
	super   *Class
	loader  *Object
	vm      *Runtime
	methods []*method

	mu      sync.Mutex
	cond    *sync.Cond
	state   classState
	initEnv *Env

	staticsMu sync.RWMutex
	statics   map[string]jni.Value
}

func newClass(vm *Runtime, name string, super *Class, loader *Object) *Class {
	c := &Class{
		name:    name,
		super:   super,
		loader:  loader,
		vm:      vm,
		statics: make(map[string]jni.Value),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Name returns the class name in slash form.
func (c *Class) Name() string {
	return c.name
}

// Descriptor returns the class descriptor, for example "Ljava/lang/Object;".
func (c *Class) Descriptor() string {
	return classDescriptor(c.name)
}

func (c *Class) String() string {
	return "class " + dotted(c.name)
}

// Initialized reports whether the static initializer has completed.
func (c *Class) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == classInitialized
}

func (c *Class) isSubclassOf(other *Class) bool {
	for k := c; k != nil; k = k.super {
		if k == other {
			return true
		}
	}
	return false
}

// declared finds a method declared by c itself.
func (c *Class) declared(name, desc string) *method {
	for _, m := range c.methods {
		if m.name == name && m.descriptor == desc {
			return m
		}
	}
	return nil
}

// findMethod searches c and its superclasses.
func (c *Class) findMethod(name, desc string, static bool) *method {
	for k := c; k != nil; k = k.super {
		if m := k.declared(name, desc); m != nil && m.static() == static {
			return m
		}
	}
	return nil
}

// findVirtual resolves a call on a receiver of class c. Constructors and
// private methods are never inherited.
func (c *Class) findVirtual(name, desc string) *method {
	for k := c; k != nil; k = k.super {
		m := k.declared(name, desc)
		if m == nil || m.static() {
			continue
		}
		if k != c && m.flags&(AccPrivate|AccConstructor) != 0 {
			continue
		}
		return m
	}
	return nil
}

func (c *Class) getStatic(name string) (jni.Value, bool) {
	c.staticsMu.RLock()
	defer c.staticsMu.RUnlock()
	v, ok := c.statics[name]
	return v, ok
}

func (c *Class) putStatic(name string, v jni.Value) bool {
	c.staticsMu.Lock()
	defer c.staticsMu.Unlock()
	if _, ok := c.statics[name]; !ok {
		return false
	}
	c.statics[name] = v
	return true
}

// staticOwner finds the class in the hierarchy declaring the static field.
func (c *Class) staticOwner(name string) *Class {
	for k := c; k != nil; k = k.super {
		if _, ok := k.getStatic(name); ok {
			return k
		}
	}
	return nil
}

// initialize runs the static initializers of c and its superclasses once.
// The env already initializing c may re-enter; other callers wait for it.
func (c *Class) initialize(env *Env) *Object {
	c.mu.Lock()
	for {
		switch c.state {
		case classInitialized:
			c.mu.Unlock()
			return nil
		case classErroneous:
			c.mu.Unlock()
			return c.vm.newThrowable("java/lang/NoClassDefFoundError", dotted(c.name))
		case classInitializing:
			if c.initEnv == env {
				c.mu.Unlock()
				return nil
			}
			c.cond.Wait()
			continue
		}
		break
	}
	c.state = classInitializing
	c.initEnv = env
	c.mu.Unlock()

	var thrown *Object
	if c.super != nil {
		thrown = c.super.initialize(env)
	}
	if thrown == nil {
		if clinit := c.declared("<clinit>", "()V"); clinit != nil {
			log.Debugf("initializing %s", c)
			if _, t := c.vm.invoke(env, clinit, c, nil); t != nil {
				thrown = c.vm.newThrowable("java/lang/ExceptionInInitializerError", t.Describe())
			}
		}
	}

	c.mu.Lock()
	if thrown != nil {
		c.state = classErroneous
	} else {
		c.state = classInitialized
	}
	c.initEnv = nil
	c.cond.Broadcast()
	c.mu.Unlock()
	return thrown
}
