package hook

import (
	"debug/elf"
	"fmt"
	"os"
	"strings"

	"github.com/scintill/rilinject/internal/procmaps"
)

// This const is missing from the standard library.
const sttGNUIFunc elf.SymType = 10

type symbol struct {
	module string
	name   string
	addr   uintptr
	size   uintptr
}

// resolve finds function inside the first executable module of pid whose path
// contains hint.
func resolve(pid int, hint, function string) (symbol, error) {
	maps, err := procmaps.Read(pid)
	if err != nil {
		return symbol{}, fmt.Errorf("%w: %v", ErrModuleNotFound, err)
	}

	mod, ok := procmaps.FindModule(maps, hint)
	if !ok {
		return symbol{}, fmt.Errorf("%w: no module matching %q", ErrModuleNotFound, hint)
	}

	sym := symbol{module: mod.Path, name: function}

	addr, size, err := elfSymbol(maps, mod.Path, function)
	if err != nil && isExecutable(mod.Path) {
		// Stripped Go binaries still carry a pclntab.
		var ok bool
		addr, size, ok = goFunc(function)
		if ok {
			err = nil
		}
	}
	if err != nil {
		return symbol{}, err
	}
	sym.addr = addr
	sym.size = size

	if !inModule(maps, mod.Path, addr) {
		return symbol{}, fmt.Errorf("%w: %s resolved to 0x%x outside %s", ErrSymbolNotFound, function, addr, mod.Path)
	}

	if sym.size == 0 && isExecutable(mod.Path) {
		if n, ok := funcLength(addr); ok {
			sym.size = n
		}
	}
	return sym, nil
}

// elfSymbol looks function up in the symbol tables of the ELF file at path and
// returns its runtime address.
func elfSymbol(maps []procmaps.Mapping, path, function string) (uintptr, uintptr, error) {
	f, err := elf.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: open %s: %v", ErrSymbolNotFound, path, err)
	}
	defer f.Close()

	bias, err := loadBias(f, maps, path)
	if err != nil {
		return 0, 0, err
	}

	for _, table := range []func() ([]elf.Symbol, error){f.Symbols, f.DynamicSymbols} {
		syms, err := table()
		if err != nil {
			continue
		}
		if s, ok := matchSymbol(syms, function); ok {
			return bias + uintptr(s.Value), uintptr(s.Size), nil
		}
	}
	return 0, 0, fmt.Errorf("%w: %s in %s", ErrSymbolNotFound, function, path)
}

func matchSymbol(syms []elf.Symbol, want string) (elf.Symbol, bool) {
	for _, s := range syms {
		if s.Value == 0 {
			continue
		}
		if t := elf.ST_TYPE(s.Info); t != elf.STT_FUNC && t != sttGNUIFunc {
			continue
		}
		if s.Name == want || strings.HasPrefix(s.Name, want+"@") {
			return s, true
		}
	}
	return elf.Symbol{}, false
}

// loadBias is the difference between where the file was mapped and where it
// asked to be mapped. Position dependent executables have no bias.
func loadBias(f *elf.File, maps []procmaps.Mapping, path string) (uintptr, error) {
	if f.Type != elf.ET_DYN {
		return 0, nil
	}

	var first *elf.Prog
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD {
			first = p
			break
		}
	}
	if first == nil {
		return 0, fmt.Errorf("%w: %s has no loadable segment", ErrSymbolNotFound, path)
	}

	base, ok := procmaps.LoadBase(maps, path)
	if !ok {
		return 0, fmt.Errorf("%w: %s is not mapped", ErrModuleNotFound, path)
	}

	pageMask := uintptr(os.Getpagesize() - 1)
	return base - uintptr(first.Vaddr)&^pageMask + uintptr(first.Off)&^pageMask, nil
}

func inModule(maps []procmaps.Mapping, path string, addr uintptr) bool {
	for _, m := range maps {
		if m.Path == path && m.Executable() && m.Contains(addr) {
			return true
		}
	}
	return false
}

func isExecutable(path string) bool {
	exe, err := os.Executable()
	return err == nil && exe == path
}
