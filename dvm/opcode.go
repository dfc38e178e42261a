package dvm

import "fmt"

// Opcode is a bytecode instruction.
type Opcode byte

// Constants and locals.
const (
	OpNop         Opcode = 0x00 // no operation
	OpConst       Opcode = 0x01 // push integer A
	OpConstString Opcode = 0x02 // push string Str
	OpConstNull   Opcode = 0x03 // push null
	OpLoadArg     Opcode = 0x04 // push argument A (the receiver is argument 0)
	OpDup         Opcode = 0x05 // duplicate top of stack
	OpPop         Opcode = 0x06 // discard top of stack
	OpAdd         Opcode = 0x07 // pop b, a; push a+b
)

// Fields and objects.
const (
	OpGetStatic Opcode = 0x10 // push static Name of Class
	OpPutStatic Opcode = 0x11 // pop into static Name of Class
	OpGetField  Opcode = 0x12 // pop object; push its field Name
	OpPutField  Opcode = 0x13 // pop value, object; store field Name
	OpNew       Opcode = 0x14 // push an uninitialised instance of Class
)

// Calls.
const (
	OpInvokeStatic  Opcode = 0x20 // call static Class.Name Desc
	OpInvokeDirect  Opcode = 0x21 // call Class.Name Desc on a receiver, no virtual lookup
	OpInvokeVirtual Opcode = 0x22 // call Name Desc on the receiver's class
)

// Control flow.
const (
	OpIfNull     Opcode = 0x30 // pop; jump to A when null
	OpGoto       Opcode = 0x31 // jump to A
	OpThrow      Opcode = 0x32 // pop a throwable and raise it
	OpReturn     Opcode = 0x33 // pop and return
	OpReturnVoid Opcode = 0x34 // return
)

var opcodeNames = map[Opcode]string{
	OpNop:           "nop",
	OpConst:         "const",
	OpConstString:   "const-string",
	OpConstNull:     "const-null",
	OpLoadArg:       "load-arg",
	OpDup:           "dup",
	OpPop:           "pop",
	OpAdd:           "add",
	OpGetStatic:     "sget",
	OpPutStatic:     "sput",
	OpGetField:      "iget",
	OpPutField:      "iput",
	OpNew:           "new-instance",
	OpInvokeStatic:  "invoke-static",
	OpInvokeDirect:  "invoke-direct",
	OpInvokeVirtual: "invoke-virtual",
	OpIfNull:        "if-null",
	OpGoto:          "goto",
	OpThrow:         "throw",
	OpReturn:        "return",
	OpReturnVoid:    "return-void",
}

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("op(0x%02x)", byte(op))
}

// Insn is one instruction with its operands. Unused operands are left zero.
type Insn struct {
	Op    Opcode `cbor:"1,keyasint"`
	A     int64  `cbor:"2,keyasint,omitempty"`
	Class string `cbor:"3,keyasint,omitempty"`
	Name  string `cbor:"4,keyasint,omitempty"`
	Desc  string `cbor:"5,keyasint,omitempty"`
	Str   string `cbor:"6,keyasint,omitempty"`
}

func (in Insn) String() string {
	switch in.Op {
	case OpConst, OpLoadArg, OpIfNull, OpGoto:
		return fmt.Sprintf("%s %d", in.Op, in.A)
	case OpConstString:
		return fmt.Sprintf("%s %q", in.Op, in.Str)
	case OpGetStatic, OpPutStatic, OpNew:
		return fmt.Sprintf("%s %s %s", in.Op, in.Class, in.Name)
	case OpGetField, OpPutField:
		return fmt.Sprintf("%s %s", in.Op, in.Name)
	case OpInvokeStatic, OpInvokeDirect, OpInvokeVirtual:
		return fmt.Sprintf("%s %s.%s%s", in.Op, in.Class, in.Name, in.Desc)
	}
	return in.Op.String()
}
