package hook

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"unsafe"

	"golang.org/x/arch/arm64/arm64asm"
)

// Branch encodings. imm26 holds the offset in instructions.
const (
	insnB  = uint32(0b000101) << 26
	insnBL = uint32(0b100101) << 26
	imm26  = uint32(1)<<26 - 1

	insnLDRX16 = uint32(0x58000050) // LDR X16, #8
	insnBRX16  = uint32(0xd61f0200) // BR X16

	// ADRP keeps two low bits of the page offset in 30:29 and the rest in 23:5.
	adrpImmMask = uint32(3)<<29 | uint32(0x7ffff)<<5
)

const branchRange = 1 << 27

// jumpCode returns a B instruction at src branching to dest. A dest beyond
// the reach of B is loaded into X16 from a literal after the branch.
func jumpCode(src, dest uintptr) ([]byte, error) {
	insn, err := branch(insnB, src, dest)
	if err != nil {
		buf := binary.LittleEndian.AppendUint32(nil, insnLDRX16)
		buf = binary.LittleEndian.AppendUint32(buf, insnBRX16)
		return binary.LittleEndian.AppendUint64(buf, uint64(dest)), nil
	}
	return binary.LittleEndian.AppendUint32(nil, insn), nil
}

func branch(op uint32, from, to uintptr) (uint32, error) {
	d := int64(to) - int64(from)
	if d < -branchRange || d >= branchRange {
		return 0, fmt.Errorf("branch from 0x%x to 0x%x exceeds 128MiB", from, to)
	}
	return op | uint32(d>>2)&imm26, nil
}

// relocateFunc copies the code in src, compiled to run at srcBase, into dest
// and fixes the PC-relative instructions that leave the function. dest is
// assumed to be where the copy will run and must be at least as large as src.
func relocateFunc(src []byte, srcBase uintptr, dest []byte) ([]byte, error) {
	out := dest[:len(src)]
	copy(out, src)
	destBase := uintptr(unsafe.Pointer(unsafe.SliceData(dest)))

	for off := 0; off+4 <= len(out); off += 4 {
		word := out[off : off+4]
		inst, err := arm64asm.Decode(word)
		if err != nil {
			// Functions are padded with zero words.
			if binary.LittleEndian.Uint32(word) == 0 {
				break
			}
			return nil, fmt.Errorf("decode error at offset %d %x: %w", off, word, err)
		}

		from := srcBase + uintptr(off)
		to := destBase + uintptr(off)
		if err := fixPCRel(inst, from, to, len(src), off, word); err != nil {
			return nil, fmt.Errorf("offset %d (%s): %w", off, inst, err)
		}
	}
	return out, nil
}

// fixPCRel rewrites word, the instruction inst moved from address from to
// address to. Branches that stay inside the function are left alone.
func fixPCRel(inst arm64asm.Inst, from, to uintptr, size, off int, word []byte) error {
	switch inst.Op {
	case arm64asm.ADRP:
		rel := int64(inst.Args[1].(arm64asm.PCRel))
		target := int64(from&^0xfff) + rel
		pages := (target - int64(to&^0xfff)) >> 12
		if pages < -(1<<20) || pages >= 1<<20 {
			return fmt.Errorf("ADRP target is %d pages away", pages)
		}
		p := uint32(pages)
		enc := binary.LittleEndian.Uint32(word) &^ adrpImmMask
		enc |= (p&3)<<29 | (p>>2&0x7ffff)<<5
		binary.LittleEndian.PutUint32(word, enc)

	case arm64asm.BL, arm64asm.B:
		rel, ok := inst.Args[0].(arm64asm.PCRel)
		if !ok {
			return nil
		}
		if local := off + int(rel); local >= 0 && local < size {
			return nil
		}
		op := insnB
		if inst.Op == arm64asm.BL {
			op = insnBL
		}
		enc, err := branch(op, to, uintptr(int64(from)+int64(rel)))
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(word, enc)
	}
	// Other PC-relative forms only reach inside the function in Go code.
	return nil
}

func disassemble(code []byte) (string, error) {
	var sb strings.Builder
	base := uintptr(unsafe.Pointer(unsafe.SliceData(code)))

	for off := 0; off+4 <= len(code); off += 4 {
		text := "?"
		if inst, err := arm64asm.Decode(code[off:]); err == nil {
			text = inst.String()
		}
		fmt.Fprintf(&sb, "0x%08x\t%-20s\t%s\n", base+uintptr(off), hex.EncodeToString(code[off:off+4]), text)
	}
	return sb.String(), nil
}
