package dvm

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/scintill/rilinject/jni"
)

// Access flags.
const (
	AccPublic      uint32 = 0x0001
	AccPrivate     uint32 = 0x0002
	AccStatic      uint32 = 0x0008
	AccNative      uint32 = 0x0100
	AccAbstract    uint32 = 0x0400
	AccConstructor uint32 = 0x10000
)

type code struct {
	insns []Insn
}

// dispatch is what a call to a method executes. Records are never modified
// once published; redirecting a method publishes a new record.
//
// The field order is part of the exported layout. See Layout.
type dispatch struct {
	code          *code
	nativeFunc    jni.NativeFunc
	accessFlags   uint32
	registersSize uint16
	outsSize      uint16
	insSize       uint16
}

// method is the runtime representation of a method. entry points at the
// current *dispatch and is only accessed atomically.
type method struct {
	clazz *Class
	entry unsafe.Pointer

	name       string
	descriptor string
	params     []string
	ret        string
	flags      uint32
}

func (m *method) load() *dispatch {
	return (*dispatch)(atomic.LoadPointer(&m.entry))
}

func (m *method) store(d *dispatch) {
	atomic.StorePointer(&m.entry, unsafe.Pointer(d))
}

func (m *method) static() bool {
	return m.flags&AccStatic != 0
}

func (m *method) direct() bool {
	return m.flags&(AccStatic|AccPrivate|AccConstructor) != 0
}

func (m *method) returnsVoid() bool {
	return m.ret == "V"
}

func (m *method) String() string {
	return fmt.Sprintf("%s.%s%s", dotted(m.clazz.name), m.name, m.descriptor)
}

func linkMethod(c *Class, def MethodDef) (*method, error) {
	params, ret, err := parseDescriptor(def.Descriptor)
	if err != nil {
		return nil, err
	}
	m := &method{
		clazz:      c,
		name:       def.Name,
		descriptor: def.Descriptor,
		params:     params,
		ret:        ret,
		flags:      def.Flags,
	}
	if def.Name == "<init>" {
		m.flags |= AccConstructor
	}

	ins := argSlots(params)
	if !m.static() {
		ins++
	}
	regs := max(def.Registers, uint16(ins))

	d := &dispatch{
		accessFlags:   m.flags,
		registersSize: regs,
		insSize:       uint16(ins),
	}
	if m.flags&AccNative == 0 {
		d.code = &code{insns: def.Code}
		d.outsSize = outsSize(def.Code)
	}
	m.store(d)
	return m, nil
}

// outsSize is the largest argument count of any call made by insns.
func outsSize(insns []Insn) uint16 {
	var n uint16
	for _, in := range insns {
		switch in.Op {
		case OpInvokeStatic, OpInvokeDirect, OpInvokeVirtual:
			params, _, err := parseDescriptor(in.Desc)
			if err != nil {
				continue
			}
			outs := argSlots(params)
			if in.Op != OpInvokeStatic {
				outs++
			}
			n = max(n, uint16(outs))
		}
	}
	return n
}

// bindNative publishes a native dispatch record that runs fn.
func (m *method) bindNative(fn jni.NativeFunc) {
	old := m.load()
	m.store(&dispatch{
		nativeFunc:    fn,
		accessFlags:   old.accessFlags | AccNative,
		registersSize: old.insSize,
		insSize:       old.insSize,
	})
}
