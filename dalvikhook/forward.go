package dalvikhook

import (
	"sync"

	"github.com/scintill/rilinject/jni"
)

// Fault is an exception raised by the original method. The runtime has
// already been cleared of it.
type Fault struct {
	Throwable   jni.Throwable
	Description string
}

// Result is the outcome of calling the original method: a value, or a fault.
type Result struct {
	Value jni.Value
	Fault *Fault
}

// Forwarder is an interceptor that calls the original method and hands its
// outcome to a static payload method.
//
// The payload receives the returned value, which is null when the original
// raised. The throwable goes to the optional fault method of the same class.
// The caller of the hooked method then gets exactly what the original
// produced: the value is returned, or the exception is raised again.
type Forwarder struct {
	Hook          *Hook
	PayloadClass  jni.Class
	PayloadMethod string
	PayloadSig    string
	FaultMethod   string
	FaultSig      string

	once    sync.Once
	payload jni.MethodID
	fault   jni.MethodID
}

// Intercept is the jni.NativeFunc to install.
func (f *Forwarder) Intercept(env jni.Env, target jni.Object, args []jni.Value) jni.Value {
	res := f.CallThrough(env, target, args)
	f.forward(env, res)

	env.ExceptionClear()
	if res.Fault != nil {
		env.Throw(res.Fault.Throwable)
		return nil
	}
	return res.Value
}

// CallThrough runs the original method with the interceptor swapped out.
func (f *Forwarder) CallThrough(env jni.Env, target jni.Object, args []jni.Value) Result {
	h := f.Hook
	h.Prepare(env)

	var v jni.Value
	if h.Static {
		v = env.CallStaticObjectMethod(target, h.MethodID(), args...)
	} else {
		v = env.CallObjectMethod(target, h.MethodID(), args...)
	}

	var res Result
	if env.ExceptionCheck() {
		t := env.ExceptionOccurred()
		res.Fault = &Fault{Throwable: t, Description: env.ExceptionDescribe()}
		log.Debugf("%s raised %s", h, res.Fault.Description)
	} else {
		res.Value = v
	}

	h.Postcall()
	return res
}

// forward calls the payload. Its methods are resolved on first use; a method
// that cannot be found is skipped from then on.
func (f *Forwarder) forward(env jni.Env, res Result) {
	f.once.Do(func() {
		f.payload = f.resolve(env, f.PayloadMethod, f.PayloadSig)
		if f.FaultMethod != "" {
			f.fault = f.resolve(env, f.FaultMethod, f.FaultSig)
		}
	})

	f.call(env, f.payload, f.PayloadMethod, res.Value)
	if res.Fault != nil {
		f.call(env, f.fault, f.FaultMethod, res.Fault.Throwable)
	}
}

func (f *Forwarder) resolve(env jni.Env, method, sig string) jni.MethodID {
	env.ExceptionClear()
	m := env.GetStaticMethodID(f.PayloadClass, method, sig)
	if env.ExceptionCheck() {
		log.Errorf("resolving %s%s: %s", method, sig, env.ExceptionDescribe())
	}
	if m == nil {
		log.Errorf("%s%s not found, payload calls are skipped", method, sig)
	}
	return m
}

func (f *Forwarder) call(env jni.Env, m jni.MethodID, name string, arg jni.Value) {
	if m == nil {
		return
	}
	env.ExceptionClear()
	env.CallStaticVoidMethod(f.PayloadClass, m, arg)
	if env.ExceptionCheck() {
		log.Errorf("%s threw: %s", name, env.ExceptionDescribe())
	}
}

// Forward makes h call the payload method of class after every call to the
// original. It replaces the interceptor of h, so it must be called before
// Install.
func Forward(h *Hook, class jni.Class, method, sig string) *Forwarder {
	f := &Forwarder{Hook: h, PayloadClass: class, PayloadMethod: method, PayloadSig: sig}
	h.Interceptor = f.Intercept
	return f
}

// OnFault also hands the throwable of a failed original to method, a static
// method of the payload class taking one argument.
func (f *Forwarder) OnFault(method, sig string) *Forwarder {
	f.FaultMethod = method
	f.FaultSig = sig
	return f
}
