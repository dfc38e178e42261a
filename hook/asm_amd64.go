package hook

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"unsafe"

	"golang.org/x/arch/x86/x86asm"
)

const (
	opcodeCALL  = 0xe8 // CALL rel32
	opcodeJMP   = 0xe9 // JMP rel32
	opcodeINT3  = 0xcc
	opcodeLEA   = 0x8d
	opcodeMOVrm = 0x8b // MOV r/m64, r64
	opcodeGrp5  = 0xff // CALL r/m64 with /2

	rexB      = 0x41
	rexWB     = 0x49
	movabsR12 = 0xbc // MOV imm64, R12
	callR12   = 0xd4 // ModRM: direct, /2, R12
	jmpRIP    = 0x25 // ModRM: RIP relative, /4
)

// farCallSize is the length of the block a distant CALL is rewritten into.
const farCallSize = 10 + 3 + 5

// jumpCode returns a JMP rel32 from the instruction at src to dest, or an
// indirect JMP through an inline address when dest is out of rel32 range.
func jumpCode(src, dest uintptr) ([]byte, error) {
	const size = 5

	rel, ok := rel32(src+size, dest)
	if !ok {
		// JMP [RIP+0] followed by the target.
		buf := []byte{opcodeGrp5, jmpRIP, 0, 0, 0, 0}
		return binary.LittleEndian.AppendUint64(buf, uint64(dest)), nil
	}
	buf := make([]byte, size)
	buf[0] = opcodeJMP
	binary.LittleEndian.PutUint32(buf[1:], uint32(rel))
	return buf, nil
}

func rel32(from, to uintptr) (int32, bool) {
	d := int64(to) - int64(from)
	if d < math.MinInt32 || d > math.MaxInt32 {
		return 0, false
	}
	return int32(d), true
}

// relocator rewrites a function body so it can run from another address.
// Instructions keep their offsets; a CALL that can no longer reach its target
// becomes a JMP into a block appended after the body.
type relocator struct {
	src      []byte
	srcBase  uintptr
	out      []byte
	destBase uintptr
}

// relocateFunc copies the code in src, compiled to run at srcBase, into dest
// and fixes every PC-relative reference that leaves the function. dest is
// assumed to be where the copy will run. The copy is appended to dest[:0]
// and padded to 16 bytes; callers check whether it still fits.
func relocateFunc(src []byte, srcBase uintptr, dest []byte) ([]byte, error) {
	end := len(src)
	for end > 1 && src[end-1] == opcodeINT3 {
		end--
	}
	r := &relocator{
		src:      src[:end],
		srcBase:  srcBase,
		out:      append(dest[:0], src[:end]...),
		destBase: uintptr(unsafe.Pointer(unsafe.SliceData(dest))),
	}

	for off := 0; off < len(r.src); {
		inst, err := x86asm.Decode(r.src[off:], 64)
		if err != nil {
			return nil, fmt.Errorf("decode error at offset %d: %w", off, err)
		}
		if err := r.fix(off, inst); err != nil {
			return nil, fmt.Errorf("offset %d (%s): %w", off, inst, err)
		}
		off += inst.Len
	}

	for len(r.out)%16 != 0 {
		r.out = append(r.out, opcodeINT3)
	}
	return r.out, nil
}

func (r *relocator) fix(off int, inst x86asm.Inst) error {
	next := off + inst.Len

	switch inst.Opcode >> 24 {
	case opcodeCALL, opcodeJMP:
		if inst.Len != 5 {
			return nil
		}
		rel, ok := inst.Args[0].(x86asm.Rel)
		if !ok {
			return fmt.Errorf("unexpected operand %v", inst.Args[0])
		}
		target := int(rel) + next
		if target >= 0 && target <= len(r.src) {
			return nil
		}
		abs := r.srcBase + uintptr(next) + uintptr(int64(rel))
		if d, ok := rel32(r.destBase+uintptr(next), abs); ok {
			binary.LittleEndian.PutUint32(r.out[off+1:], uint32(d))
			return nil
		}
		if inst.Opcode>>24 == opcodeJMP {
			return fmt.Errorf("jump to 0x%x out of range", abs)
		}
		return r.farCall(off, next, abs)

	case opcodeLEA, opcodeMOVrm:
		mem, ok := inst.Args[1].(x86asm.Mem)
		if !ok || mem.Base != x86asm.RIP {
			return nil
		}
		abs := int64(r.srcBase) + int64(next) + mem.Disp
		d, ok := rel32(r.destBase+uintptr(next), uintptr(abs))
		if !ok {
			return fmt.Errorf("RIP-relative operand 0x%x out of range", abs)
		}
		// The displacement is the last field when there is no immediate.
		binary.LittleEndian.PutUint32(r.out[next-4:], uint32(d))
	}
	return nil
}

// farCall replaces the CALL at off with a JMP to the block below. R12 is a
// scratch register in the Go internal ABI.
//
//	MOVQ $abs, R12
//	CALL R12
//	JMP  next
func (r *relocator) farCall(off, next int, abs uintptr) error {
	block := len(r.out)

	buf := make([]byte, 0, farCallSize)
	buf = append(buf, rexWB, movabsR12)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(abs))
	buf = append(buf, rexB, opcodeGrp5, callR12, opcodeJMP)
	back := int32(next - (block + farCallSize))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(back))
	r.out = append(r.out, buf...)

	r.out[off] = opcodeJMP
	binary.LittleEndian.PutUint32(r.out[off+1:], uint32(int32(block-next)))
	return nil
}

func disassemble(code []byte) (string, error) {
	var sb strings.Builder
	base := uintptr(unsafe.Pointer(unsafe.SliceData(code)))

	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			return "", fmt.Errorf("decode error at offset %d: %w", off, err)
		}
		fmt.Fprintf(&sb, "0x%08x\t%-20s\t%s\n", base+uintptr(off), hex.EncodeToString(code[off:off+inst.Len]), inst)
		off += inst.Len
	}
	return sb.String(), nil
}
