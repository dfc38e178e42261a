package dvm

import (
	"fmt"

	"github.com/oleiade/lane"

	"github.com/scintill/rilinject/jni"
)

// invoke calls m through its current dispatch record. target is the class for
// static methods and the receiver otherwise. A non-nil throwable means the
// call raised.
func (vm *Runtime) invoke(env *Env, m *method, target jni.Object, args []jni.Value) (jni.Value, *Object) {
	if len(args) != len(m.params) {
		return nil, vm.newThrowable("java/lang/IllegalArgumentException",
			fmt.Sprintf("%s: expected %d arguments, got %d", m, len(m.params), len(args)))
	}

	d := m.load()
	if d.accessFlags&AccNative != 0 {
		if d.nativeFunc == nil {
			return nil, vm.newThrowable("java/lang/UnsatisfiedLinkError", m.String())
		}
		v := d.nativeFunc(env, target, args)
		if t := env.takePending(); t != nil {
			return nil, t
		}
		return v, nil
	}
	if d.code == nil {
		return nil, vm.newThrowable("java/lang/AbstractMethodError", m.String())
	}

	regs := args
	if !m.static() {
		regs = append([]jni.Value{target}, args...)
	}
	return vm.interpret(env, m, d.code.insns, regs)
}

type frame struct {
	vm    *Runtime
	env   *Env
	m     *method
	args  []jni.Value
	stack *lane.Stack
}

func (f *frame) push(v jni.Value) {
	f.stack.Push(v)
}

func (f *frame) pop() (jni.Value, *Object) {
	if f.stack.Empty() {
		return nil, f.verifyError("stack underflow")
	}
	return f.stack.Pop(), nil
}

// popN pops n values and returns them in push order.
func (f *frame) popN(n int) ([]jni.Value, *Object) {
	vals := make([]jni.Value, n)
	for i := n - 1; i >= 0; i-- {
		v, t := f.pop()
		if t != nil {
			return nil, t
		}
		vals[i] = v
	}
	return vals, nil
}

func (f *frame) verifyError(format string, args ...any) *Object {
	return f.vm.newThrowable("java/lang/VerifyError", f.m.String()+": "+fmt.Sprintf(format, args...))
}

func (vm *Runtime) interpret(env *Env, m *method, insns []Insn, args []jni.Value) (jni.Value, *Object) {
	f := &frame{vm: vm, env: env, m: m, args: args, stack: lane.NewStack()}

	for pc := 0; pc < len(insns); {
		in := insns[pc]
		pc++

		switch in.Op {
		case OpNop:

		case OpConst:
			f.push(in.A)

		case OpConstString:
			f.push(vm.newString(in.Str))

		case OpConstNull:
			f.push(nil)

		case OpLoadArg:
			if in.A < 0 || int(in.A) >= len(f.args) {
				return nil, f.verifyError("argument %d out of range", in.A)
			}
			f.push(f.args[in.A])

		case OpDup:
			v, t := f.pop()
			if t != nil {
				return nil, t
			}
			f.push(v)
			f.push(v)

		case OpPop:
			if _, t := f.pop(); t != nil {
				return nil, t
			}

		case OpAdd:
			vals, t := f.popN(2)
			if t != nil {
				return nil, t
			}
			a, aok := vals[0].(int64)
			b, bok := vals[1].(int64)
			if !aok || !bok {
				return nil, f.verifyError("add of %T and %T", vals[0], vals[1])
			}
			f.push(a + b)

		case OpGetStatic:
			c, t := f.staticClass(in)
			if t != nil {
				return nil, t
			}
			v, _ := c.getStatic(in.Name)
			f.push(v)

		case OpPutStatic:
			c, t := f.staticClass(in)
			if t != nil {
				return nil, t
			}
			v, t := f.pop()
			if t != nil {
				return nil, t
			}
			c.putStatic(in.Name, v)

		case OpGetField:
			v, t := f.pop()
			if t != nil {
				return nil, t
			}
			obj, ok := v.(*Object)
			if !ok || obj == nil {
				return nil, vm.newThrowable("java/lang/NullPointerException", "read of field "+in.Name)
			}
			f.push(obj.field(in.Name))

		case OpPutField:
			vals, t := f.popN(2)
			if t != nil {
				return nil, t
			}
			obj, ok := vals[0].(*Object)
			if !ok || obj == nil {
				return nil, vm.newThrowable("java/lang/NullPointerException", "write of field "+in.Name)
			}
			obj.setField(in.Name, vals[1])

		case OpNew:
			c, t := f.resolveClass(in.Class)
			if t != nil {
				return nil, t
			}
			if t := c.initialize(env); t != nil {
				return nil, t
			}
			f.push(newObject(c))

		case OpInvokeStatic, OpInvokeDirect, OpInvokeVirtual:
			v, t := f.call(in)
			if t != nil {
				return nil, t
			}
			if v != nil {
				f.push(v.value)
			}

		case OpIfNull:
			v, t := f.pop()
			if t != nil {
				return nil, t
			}
			if isNull(v) {
				pc = int(in.A)
			}

		case OpGoto:
			pc = int(in.A)

		case OpThrow:
			v, t := f.pop()
			if t != nil {
				return nil, t
			}
			obj, ok := v.(*Object)
			if !ok || obj == nil {
				return nil, vm.newThrowable("java/lang/NullPointerException", "throw of null")
			}
			return nil, obj

		case OpReturn:
			return f.pop()

		case OpReturnVoid:
			return nil, nil

		default:
			return nil, f.verifyError("bad opcode %s at %d", in.Op, pc-1)
		}

		if pc < 0 || pc > len(insns) {
			return nil, f.verifyError("branch to %d", pc)
		}
	}
	return nil, f.verifyError("fell off the end of the code")
}

func isNull(v jni.Value) bool {
	if v == nil {
		return true
	}
	if o, ok := v.(*Object); ok && o == nil {
		return true
	}
	return false
}

// resolveClass finds name from the point of view of the executing method.
func (f *frame) resolveClass(name string) (*Class, *Object) {
	if name == "" {
		return f.m.clazz, nil
	}
	if c := f.vm.resolve(f.m.clazz.loader, className(name)); c != nil {
		return c, nil
	}
	return nil, f.vm.newThrowable("java/lang/NoClassDefFoundError", dotted(className(name)))
}

func (f *frame) staticClass(in Insn) (*Class, *Object) {
	c, t := f.resolveClass(in.Class)
	if t != nil {
		return nil, t
	}
	owner := c.staticOwner(in.Name)
	if owner == nil {
		return nil, f.vm.newThrowable("java/lang/NoSuchFieldError", dotted(c.name)+"."+in.Name)
	}
	if t := owner.initialize(f.env); t != nil {
		return nil, t
	}
	return owner, nil
}

type result struct {
	value jni.Value
}

// call performs an invoke instruction. The result is nil for void methods.
func (f *frame) call(in Insn) (*result, *Object) {
	params, _, err := parseDescriptor(in.Desc)
	if err != nil {
		return nil, f.verifyError("%v", err)
	}
	args, t := f.popN(len(params))
	if t != nil {
		return nil, t
	}

	var m *method
	var target jni.Object
	switch in.Op {
	case OpInvokeStatic:
		c, t := f.resolveClass(in.Class)
		if t != nil {
			return nil, t
		}
		if t := c.initialize(f.env); t != nil {
			return nil, t
		}
		m = c.findMethod(in.Name, in.Desc, true)
		target = m.classOr(c)

	default:
		recv, t := f.pop()
		if t != nil {
			return nil, t
		}
		obj, ok := recv.(*Object)
		if !ok || obj == nil {
			return nil, f.vm.newThrowable("java/lang/NullPointerException", "call to "+in.Name)
		}
		target = obj
		if in.Op == OpInvokeDirect {
			c, t := f.resolveClass(in.Class)
			if t != nil {
				return nil, t
			}
			m = c.findMethod(in.Name, in.Desc, false)
		} else {
			m = obj.class.findVirtual(in.Name, in.Desc)
		}
	}
	if m == nil {
		return nil, f.vm.newThrowable("java/lang/NoSuchMethodError", in.Class+"."+in.Name+in.Desc)
	}

	v, t := f.vm.invoke(f.env, m, target, args)
	if t != nil {
		return nil, t
	}
	if m.returnsVoid() {
		return nil, nil
	}
	return &result{value: v}, nil
}

// classOr returns the declaring class of m, or c when m is nil.
func (m *method) classOr(c *Class) *Class {
	if m == nil {
		return c
	}
	return m.clazz
}
