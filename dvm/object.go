package dvm

import (
	"fmt"
	"sync"

	"github.com/scintill/rilinject/jni"
)

// Object is a managed object. Strings, arrays, files, class loaders and
// throwables keep their Go payload in native.
type Object struct {
	class *Class

	mu     sync.Mutex
	fields map[string]jni.Value
	native any
}

func newObject(c *Class) *Object {
	return &Object{class: c, fields: make(map[string]jni.Value)}
}

// Class returns the class of o.
func (o *Object) Class() *Class {
	return o.class
}

func (o *Object) field(name string) jni.Value {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fields[name]
}

func (o *Object) setField(name string, v jni.Value) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fields[name] = v
}

func (o *Object) payload() any {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.native
}

func (o *Object) setPayload(v any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.native = v
}

func (o *Object) String() string {
	switch v := o.payload().(type) {
	case string:
		if o.class.name == "java/lang/String" {
			return v
		}
	case []jni.Value:
		return fmt.Sprintf("%s[%d]", o.class.name, len(v))
	}
	return fmt.Sprintf("%s@%p", o.class.name, o)
}

// Message returns the detail message of a throwable.
func (o *Object) Message() string {
	if s, ok := o.payload().(string); ok {
		return s
	}
	return ""
}

// Describe formats a throwable the way the runtime prints it.
func (o *Object) Describe() string {
	name := dotted(o.class.name)
	if msg := o.Message(); msg != "" {
		return name + ": " + msg
	}
	return name
}

func (vm *Runtime) newString(s string) *Object {
	o := newObject(vm.mustClass("java/lang/String"))
	o.native = s
	return o
}

func (vm *Runtime) newArray(elems []jni.Value) *Object {
	o := newObject(vm.mustClass("[Ljava/lang/Object;"))
	o.native = append([]jni.Value(nil), elems...)
	return o
}

// newThrowable builds an instance of the boot throwable class name.
func (vm *Runtime) newThrowable(name, message string) *Object {
	o := newObject(vm.mustClass(name))
	o.native = message
	return o
}

// stringValue unwraps a managed string.
func stringValue(v jni.Value) (string, bool) {
	o, ok := v.(*Object)
	if !ok || o == nil || o.class.name != "java/lang/String" {
		return "", false
	}
	s, ok := o.payload().(string)
	return s, ok
}

// ArrayElements returns a copy of the elements of a managed array.
func ArrayElements(v jni.Value) ([]jni.Value, bool) {
	o, ok := v.(*Object)
	if !ok || o == nil {
		return nil, false
	}
	elems, ok := o.payload().([]jni.Value)
	if !ok {
		return nil, false
	}
	return append([]jni.Value(nil), elems...), true
}
