package hook

import (
	"reflect"
	"unsafe"
)

// The types below mirror the runtime's pclntab structures and must keep
// their layout. Only the fields read here are named meaningfully.

type funcInfo struct {
	*_func
	datap *moduledata
}

func (f funcInfo) valid() bool {
	return f._func != nil
}

type _func struct {
	entryOff uint32
	nameOff  int32

	args        int32
	deferreturn uint32

	pcsp      uint32
	pcfile    uint32
	pcln      uint32
	npcdata   uint32
	cuOffset  uint32
	startLine int32
	funcID    uint8
	flag      uint8
	_         [1]byte
	nfuncdata uint8
}

// moduledata is written by the linker. The struct continues past gofunc.
type moduledata struct {
	pcHeader     *pcHeader
	funcnametab  []byte
	cutab        []uint32
	filetab      []byte
	pctab        []byte
	pclntable    []byte
	ftab         []functab
	findfunctab  uintptr
	minpc, maxpc uintptr

	text, etext           uintptr
	noptrdata, enoptrdata uintptr
	data, edata           uintptr
	bss, ebss             uintptr
	noptrbss, enoptrbss   uintptr
	covctrs, ecovctrs     uintptr
	end, gcdata, gcbss    uintptr
	types, etypes         uintptr
	rodata                uintptr
	gofunc                uintptr
}

type pcHeader struct {
	magic          uint32
	pad1, pad2     uint8
	minLC          uint8
	ptrSize        uint8
	nfunc          int
	nfiles         uint
	textStart      uintptr
	funcnameOffset uintptr
	cuOffset       uintptr
	filetabOffset  uintptr
	pctabOffset    uintptr
	pclnOffset     uintptr
}

// functab offsets are relative to moduledata.text and pclntable.
type functab struct {
	entryoff uint32
	funcoff  uint32
}

//go:linkname findfunc runtime.findfunc
func findfunc(pc uintptr) funcInfo

// funcLength returns the size of the Go function starting at entry: the
// distance to the next function in the module's function table.
func funcLength(entry uintptr) (uintptr, bool) {
	info := findfunc(entry)
	if !info.valid() {
		return 0, false
	}

	funcOffset := uint32(entry - info.datap.text)
	length := uint32(info.datap.etext - entry)

	for _, ft := range info.datap.ftab {
		if ft.entryoff <= funcOffset {
			continue
		}
		if d := ft.entryoff - funcOffset; d < length {
			length = d
		}
	}
	return uintptr(length), true
}

// goFunc looks up a function by its fully qualified Go name in the pclntab of
// the module this package is linked into.
func goFunc(name string) (entry, size uintptr, ok bool) {
	info := findfunc(reflect.ValueOf(goFunc).Pointer())
	if !info.valid() {
		return 0, 0, false
	}
	datap := info.datap

	// The last entry of ftab is a sentinel marking the end of text.
	n := len(datap.ftab) - 1
	for i := 0; i < n; i++ {
		ft := datap.ftab[i]
		f := (*_func)(unsafe.Pointer(&datap.pclntable[ft.funcoff]))
		if !nameIs(datap, f.nameOff, name) {
			continue
		}
		entry = datap.text + uintptr(ft.entryoff)
		size = uintptr(datap.ftab[i+1].entryoff - ft.entryoff)
		return entry, size, true
	}
	return 0, 0, false
}

// nameIs compares the NUL terminated name at nameOff with name without
// copying it.
func nameIs(datap *moduledata, nameOff int32, name string) bool {
	if nameOff <= 0 {
		return false
	}
	end := int(nameOff) + len(name)
	if end >= len(datap.funcnametab) {
		return false
	}
	return datap.funcnametab[end] == 0 && string(datap.funcnametab[nameOff:end]) == name
}
