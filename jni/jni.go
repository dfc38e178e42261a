// Package jni describes the native embedding interface used to drive a managed
// runtime from Go: a VM, the per-thread environment bound to it, and the opaque
// references the environment hands out.
//
// Like the C interface it mirrors, failures inside the runtime are not returned
// as Go errors. A call that raises leaves an exception pending on the Env; it
// must be inspected and cleared before any further runtime call.
package jni

// Status codes returned by VM and Env operations.
const (
	OK        int32 = 0
	ERR       int32 = -1
	EDETACHED int32 = -2
	EVERSION  int32 = -3
)

// Interface versions accepted by VM.GetEnv.
const (
	Version1_1 int32 = 0x00010001
	Version1_2 int32 = 0x00010002
	Version1_4 int32 = 0x00010004
	Version1_6 int32 = 0x00010006
)

// CreatedVMsSymbol is the exported entry point every runtime library provides
// to enumerate the VMs alive in the process.
const CreatedVMsSymbol = "JNI_GetCreatedJavaVMs"

type (
	// Value is any argument or return value crossing the interface: nil,
	// bool, int32, int64, string, an Object or a []Value array.
	Value any

	// Object is an opaque reference to a managed object.
	Object any

	// Class is an opaque reference to a managed class.
	Class any

	// Throwable is an opaque reference to a managed exception object.
	Throwable any

	// MethodID identifies a resolved method.
	MethodID any
)

// NativeFunc is the Go shape of a native method body. target is the Class for
// static methods and the receiver otherwise.
type NativeFunc func(env Env, target Object, args []Value) Value

// GetCreatedVMsFunc is the signature of the CreatedVMsSymbol entry point. It
// fills buf with up to len(buf) VMs and returns the total number alive.
type GetCreatedVMsFunc func(buf []VM) (n int, status int32)

// VM is an attached virtual machine instance.
type VM interface {
	// GetEnv returns the environment bound to the calling thread.
	GetEnv(version int32) (Env, int32)
	// AttachCurrentThread binds a new environment for a thread that the VM
	// has not seen yet.
	AttachCurrentThread() (Env, int32)
}

// Env is the per-thread environment.
type Env interface {
	GetVersion() int32
	GetJavaVM() VM

	FindClass(name string) Class
	GetObjectClass(obj Object) Class

	ExceptionCheck() bool
	ExceptionOccurred() Throwable
	// ExceptionDescribe returns a description of the pending exception and
	// clears it.
	ExceptionDescribe() string
	ExceptionClear()
	Throw(t Throwable) int32
	ThrowNew(c Class, message string) int32

	GetMethodID(c Class, name, sig string) MethodID
	GetStaticMethodID(c Class, name, sig string) MethodID
	GetStaticFieldValue(c Class, name string) Value
	SetStaticFieldValue(c Class, name string, v Value)

	NewObject(c Class, m MethodID, args ...Value) Object
	NewStringUTF(s string) Object
	GetStringUTFChars(s Object) string
	NewObjectArray(elems ...Value) Object

	CallObjectMethod(obj Object, m MethodID, args ...Value) Object
	CallVoidMethod(obj Object, m MethodID, args ...Value)
	CallStaticObjectMethod(c Class, m MethodID, args ...Value) Object
	CallStaticVoidMethod(c Class, m MethodID, args ...Value)

	NewGlobalRef(obj Object) Object
	DeleteGlobalRef(obj Object)
	IsSameObject(a, b Object) bool
	IsInstanceOf(obj Object, c Class) bool

	RegisterNatives(c Class, methods []NativeMethod) int32
}

// NativeMethod binds a Go function to a method declared native.
type NativeMethod struct {
	Name      string
	Signature string
	Fn        NativeFunc
}
