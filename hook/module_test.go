package hook

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchSymbol(t *testing.T) {
	syms := []elf.Symbol{
		{Name: "epoll_wait", Info: elf.ST_INFO(elf.STB_GLOBAL, elf.STT_OBJECT), Value: 0x10},
		{Name: "epoll_wait@@GLIBC_2.3.2", Info: elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC), Value: 0x20},
		{Name: "memcpy", Info: elf.ST_INFO(elf.STB_GLOBAL, sttGNUIFunc), Value: 0x30},
		{Name: "undefined", Info: elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC)},
	}

	s, ok := matchSymbol(syms, "epoll_wait")
	if assert.True(t, ok) {
		assert.Equal(t, uint64(0x20), s.Value)
	}

	s, ok = matchSymbol(syms, "memcpy")
	if assert.True(t, ok) {
		assert.Equal(t, uint64(0x30), s.Value)
	}

	_, ok = matchSymbol(syms, "undefined")
	assert.False(t, ok)

	_, ok = matchSymbol(syms, "epoll")
	assert.False(t, ok)
}

func TestGoFunc(t *testing.T) {
	entry, size, ok := goFunc(pkgPath + "b")
	if assert.True(t, ok) {
		assert.NotZero(t, entry)
		assert.NotZero(t, size)
	}

	_, _, ok = goFunc(pkgPath + "doesNotExist")
	assert.False(t, ok)
}
