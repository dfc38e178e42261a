package dvm

import (
	"unsafe"

	"github.com/scintill/rilinject/jni"
)

// Env is the jni.Env of one thread. It must not be shared between goroutines.
type Env struct {
	vm      *Runtime
	pending *Object
}

var _ jni.Env = (*Env)(nil)

// Runtime returns the runtime the environment belongs to.
func (e *Env) Runtime() *Runtime {
	return e.vm
}

func (e *Env) takePending() *Object {
	t := e.pending
	e.pending = nil
	return t
}

func (e *Env) raise(name, message string) {
	e.pending = e.vm.newThrowable(name, message)
}

// poisoned reports whether an exception is pending. Most calls refuse to run
// until it has been cleared.
func (e *Env) poisoned(op string) bool {
	if e.pending == nil {
		return false
	}
	log.Warningf("%s called with pending %s", op, e.pending.Describe())
	return true
}

func asClass(c jni.Class) *Class {
	k, _ := c.(*Class)
	return k
}

func asMethod(id jni.MethodID) *method {
	switch m := id.(type) {
	case *method:
		return m
	case unsafe.Pointer:
		return (*method)(m)
	}
	return nil
}

func (e *Env) GetVersion() int32 {
	return jni.Version1_6
}

func (e *Env) GetJavaVM() jni.VM {
	return e.vm
}

func (e *Env) FindClass(name string) jni.Class {
	if e.poisoned("FindClass") {
		return nil
	}
	c := e.vm.resolve(e.vm.system, className(name))
	if c == nil {
		e.raise("java/lang/NoClassDefFoundError", dotted(className(name)))
		return nil
	}
	return c
}

func (e *Env) GetObjectClass(obj jni.Object) jni.Class {
	switch o := obj.(type) {
	case *Object:
		if o != nil {
			return o.class
		}
	case *Class:
		if o != nil {
			return e.vm.mustClass("java/lang/Class")
		}
	}
	return nil
}

func (e *Env) ExceptionCheck() bool {
	return e.pending != nil
}

func (e *Env) ExceptionOccurred() jni.Throwable {
	if e.pending == nil {
		return nil
	}
	return e.pending
}

func (e *Env) ExceptionDescribe() string {
	t := e.takePending()
	if t == nil {
		return ""
	}
	desc := t.Describe()
	log.Infof("%s", desc)
	return desc
}

func (e *Env) ExceptionClear() {
	e.pending = nil
}

func (e *Env) Throw(t jni.Throwable) int32 {
	o, ok := t.(*Object)
	if !ok || o == nil || !o.class.isSubclassOf(e.vm.mustClass("java/lang/Throwable")) {
		return jni.ERR
	}
	e.pending = o
	return jni.OK
}

func (e *Env) ThrowNew(c jni.Class, message string) int32 {
	k := asClass(c)
	if k == nil || !k.isSubclassOf(e.vm.mustClass("java/lang/Throwable")) {
		return jni.ERR
	}
	o := newObject(k)
	o.native = message
	e.pending = o
	return jni.OK
}

func (e *Env) GetMethodID(c jni.Class, name, sig string) jni.MethodID {
	return e.methodID("GetMethodID", c, name, sig, false)
}

func (e *Env) GetStaticMethodID(c jni.Class, name, sig string) jni.MethodID {
	return e.methodID("GetStaticMethodID", c, name, sig, true)
}

// methodID looks a method up after initializing its class.
func (e *Env) methodID(op string, c jni.Class, name, sig string, static bool) jni.MethodID {
	if e.poisoned(op) {
		return nil
	}
	k := asClass(c)
	if k == nil {
		e.raise("java/lang/NullPointerException", op+" on null class")
		return nil
	}
	if t := k.initialize(e); t != nil {
		e.pending = t
		return nil
	}
	m := k.findMethod(name, sig, static)
	if m == nil {
		e.raise("java/lang/NoSuchMethodError", dotted(k.name)+"."+name+sig)
		return nil
	}
	return m
}

func (e *Env) GetStaticFieldValue(c jni.Class, name string) jni.Value {
	owner := e.staticOwner("GetStaticFieldValue", c, name)
	if owner == nil {
		return nil
	}
	v, _ := owner.getStatic(name)
	return v
}

func (e *Env) SetStaticFieldValue(c jni.Class, name string, v jni.Value) {
	if owner := e.staticOwner("SetStaticFieldValue", c, name); owner != nil {
		owner.putStatic(name, v)
	}
}

func (e *Env) staticOwner(op string, c jni.Class, name string) *Class {
	if e.poisoned(op) {
		return nil
	}
	k := asClass(c)
	if k == nil {
		e.raise("java/lang/NullPointerException", op+" on null class")
		return nil
	}
	owner := k.staticOwner(name)
	if owner == nil {
		e.raise("java/lang/NoSuchFieldError", dotted(k.name)+"."+name)
		return nil
	}
	if t := owner.initialize(e); t != nil {
		e.pending = t
		return nil
	}
	return owner
}

func (e *Env) NewObject(c jni.Class, m jni.MethodID, args ...jni.Value) jni.Object {
	if e.poisoned("NewObject") {
		return nil
	}
	k, ctor := asClass(c), asMethod(m)
	if k == nil || ctor == nil || ctor.name != "<init>" {
		e.raise("java/lang/IllegalArgumentException", "NewObject needs a class and a constructor")
		return nil
	}
	if t := k.initialize(e); t != nil {
		e.pending = t
		return nil
	}
	obj := newObject(k)
	if _, t := e.vm.invoke(e, ctor, obj, args); t != nil {
		e.pending = t
		return nil
	}
	return obj
}

func (e *Env) NewStringUTF(s string) jni.Object {
	return e.vm.newString(s)
}

func (e *Env) GetStringUTFChars(s jni.Object) string {
	v, _ := stringValue(s)
	return v
}

func (e *Env) NewObjectArray(elems ...jni.Value) jni.Object {
	return e.vm.newArray(elems)
}

func (e *Env) CallObjectMethod(obj jni.Object, m jni.MethodID, args ...jni.Value) jni.Object {
	return e.callVirtual("CallObjectMethod", obj, m, args)
}

func (e *Env) CallVoidMethod(obj jni.Object, m jni.MethodID, args ...jni.Value) {
	e.callVirtual("CallVoidMethod", obj, m, args)
}

func (e *Env) CallStaticObjectMethod(c jni.Class, m jni.MethodID, args ...jni.Value) jni.Object {
	return e.callStatic("CallStaticObjectMethod", c, m, args)
}

func (e *Env) CallStaticVoidMethod(c jni.Class, m jni.MethodID, args ...jni.Value) {
	e.callStatic("CallStaticVoidMethod", c, m, args)
}

func (e *Env) callVirtual(op string, obj jni.Object, id jni.MethodID, args []jni.Value) jni.Value {
	if e.poisoned(op) {
		return nil
	}
	recv, _ := obj.(*Object)
	m := asMethod(id)
	if recv == nil || m == nil {
		e.raise("java/lang/NullPointerException", op+" on null")
		return nil
	}
	if !m.direct() {
		if impl := recv.class.findVirtual(m.name, m.descriptor); impl != nil {
			m = impl
		}
	}
	return e.call(m, recv, args)
}

func (e *Env) callStatic(op string, c jni.Class, id jni.MethodID, args []jni.Value) jni.Value {
	if e.poisoned(op) {
		return nil
	}
	k, m := asClass(c), asMethod(id)
	if k == nil || m == nil {
		e.raise("java/lang/NullPointerException", op+" on null")
		return nil
	}
	if t := k.initialize(e); t != nil {
		e.pending = t
		return nil
	}
	return e.call(m, k, args)
}

func (e *Env) call(m *method, target jni.Object, args []jni.Value) jni.Value {
	v, t := e.vm.invoke(e, m, target, args)
	if t != nil {
		e.pending = t
		return nil
	}
	return v
}

func (e *Env) NewGlobalRef(obj jni.Object) jni.Object {
	switch o := obj.(type) {
	case *Object:
		if o == nil {
			return nil
		}
	case *Class:
		if o == nil {
			return nil
		}
	default:
		return nil
	}
	e.vm.globalsMu.Lock()
	e.vm.globals[obj]++
	e.vm.globalsMu.Unlock()
	return obj
}

func (e *Env) DeleteGlobalRef(obj jni.Object) {
	e.vm.globalsMu.Lock()
	defer e.vm.globalsMu.Unlock()
	if n, ok := e.vm.globals[obj]; ok {
		if n <= 1 {
			delete(e.vm.globals, obj)
		} else {
			e.vm.globals[obj] = n - 1
		}
	}
}

func (e *Env) IsSameObject(a, b jni.Object) bool {
	if isNull(a) || isNull(b) {
		return isNull(a) && isNull(b)
	}
	return a == b
}

func (e *Env) IsInstanceOf(obj jni.Object, c jni.Class) bool {
	k := asClass(c)
	if k == nil {
		return false
	}
	switch o := obj.(type) {
	case nil:
		return true
	case *Object:
		return o == nil || o.class.isSubclassOf(k)
	case *Class:
		return o == nil || e.vm.mustClass("java/lang/Class").isSubclassOf(k)
	}
	return false
}

func (e *Env) RegisterNatives(c jni.Class, methods []jni.NativeMethod) int32 {
	k := asClass(c)
	if k == nil {
		return jni.ERR
	}
	for _, nm := range methods {
		m := k.declared(nm.Name, nm.Signature)
		if m == nil || m.flags&AccNative == 0 || nm.Fn == nil {
			e.raise("java/lang/NoSuchMethodError", "no native "+dotted(k.name)+"."+nm.Name+nm.Signature)
			return jni.ERR
		}
		m.bindNative(nm.Fn)
	}
	return jni.OK
}
