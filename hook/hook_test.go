package hook

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pkgPath = "github.com/scintill/rilinject/hook."

func exeHint(t *testing.T) string {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	return filepath.Base(exe)
}

//go:noinline
func a() string {
	return "a"
}

func b() string {
	return "b"
}

func TestFunc(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("a", a())
	h, err := Func(a, b)
	if assert.NoError(err) {
		assert.Equal("b", a())
		assert.True(h.Active())
	}
}

func TestFunc_NotAFunction(t *testing.T) {
	t.Run("first arg not a function", func(t *testing.T) {
		_, err := Func("not a function", b)
		assert.ErrorIs(t, err, ErrInputType)
	})

	t.Run("second arg not a function", func(t *testing.T) {
		_, err := Func(a, 42)
		assert.ErrorIs(t, err, ErrInputType)
	})

	t.Run("nil first arg", func(t *testing.T) {
		_, err := Func(nil, b)
		assert.Error(t, err)
	})
}

func TestFunc_SignatureMismatch(t *testing.T) {
	t.Run("different number of inputs", func(t *testing.T) {
		fn1 := func(x int) int { return x }
		fn2 := func(x, y int) int { return x + y }
		_, err := Func(fn1, fn2)
		assert.ErrorContains(t, err, "signatures do not match")
	})

	t.Run("different output types", func(t *testing.T) {
		fn1 := func() int { return 1 }
		fn2 := func() string { return "1" }
		_, err := Func(fn1, fn2)
		assert.ErrorContains(t, err, "signatures do not match")
		assert.ErrorContains(t, err, "output 0")
	})
}

//go:noinline
func multipleReturns(x int) (int, string, error) {
	return x * 2, "original", nil
}

func multipleReturnsReplacement(x int) (int, string, error) {
	return x * 10, "replaced", nil
}

func TestFunc_MultipleReturns(t *testing.T) {
	n, s, err := multipleReturns(5)
	assert.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, "original", s)

	_, err = Func(multipleReturns, multipleReturnsReplacement)
	require.NoError(t, err)

	n, s, err = multipleReturns(5)
	assert.NoError(t, err)
	assert.Equal(t, 50, n)
	assert.Equal(t, "replaced", s)
}

//go:noinline
func doubled(v int) int {
	return v * 2
}

func doubledReplacement(v int) int {
	return -v
}

func TestFunc_DoubleHook(t *testing.T) {
	_, err := Func(doubled, doubledReplacement)
	require.NoError(t, err)

	_, err = Func(doubled, doubledReplacement)
	assert.ErrorIs(t, err, ErrDoubleHook)
	assert.Equal(t, -4, doubled(4))
}

//go:noinline
func toggled(v int) int {
	return v + 1
}

func toggledReplacement(v int) int {
	return v - 1
}

func TestInstall_Toggle(t *testing.T) {
	assert := assert.New(t)

	h, err := Install(os.Getpid(), exeHint(t), pkgPath+"toggled", toggledReplacement)
	require.NoError(t, err)
	assert.Equal(pkgPath+"toggled", h.Function)
	assert.NotZero(h.Target)

	assert.Equal(9, toggled(10))

	require.NoError(t, h.Precall())
	assert.False(h.Active())
	assert.Equal(11, toggled(10))
	// Idempotent while passive.
	require.NoError(t, h.Precall())
	assert.Equal(11, toggled(10))

	require.NoError(t, h.Rearm())
	assert.True(h.Active())
	assert.Equal(9, toggled(10))

	require.NoError(t, h.Postcall())
	assert.True(h.Released())
	assert.Equal(11, toggled(10))
	require.NoError(t, h.Postcall())

	assert.ErrorIs(h.Rearm(), ErrReleased)
	assert.Equal(11, toggled(10))
	assert.Contains(h.String(), "released")
}

//go:noinline
func untouched(v int) int {
	return v * 7
}

func untouchedReplacement(v int) int {
	return 0
}

func TestInstall_FailureLeavesTargetIntact(t *testing.T) {
	before := untouched(6)
	hint := exeHint(t)

	t.Run("missing module", func(t *testing.T) {
		_, err := Install(os.Getpid(), "libnothere.so", pkgPath+"untouched", untouchedReplacement)
		assert.ErrorIs(t, err, ErrModuleNotFound)
		assert.Equal(t, before, untouched(6))
	})

	t.Run("missing symbol", func(t *testing.T) {
		_, err := Install(os.Getpid(), hint, pkgPath+"noSuchFunction", untouchedReplacement)
		assert.ErrorIs(t, err, ErrSymbolNotFound)
		assert.Equal(t, before, untouched(6))
	})

	t.Run("foreign process", func(t *testing.T) {
		_, err := Install(os.Getpid()+1, hint, pkgPath+"untouched", untouchedReplacement)
		assert.ErrorIs(t, err, ErrForeignProcess)
		assert.Equal(t, before, untouched(6))
	})

	t.Run("replacement not a function", func(t *testing.T) {
		_, err := Install(os.Getpid(), hint, pkgPath+"untouched", 7)
		assert.ErrorIs(t, err, ErrInputType)
	})

	t.Run("protection denied", func(t *testing.T) {
		orig := protect
		protect = func([]byte, int) error { return errors.New("permission denied") }
		t.Cleanup(func() { protect = orig })

		_, err := Install(os.Getpid(), hint, pkgPath+"untouched", untouchedReplacement)
		assert.ErrorIs(t, err, ErrPatch)
		assert.Equal(t, before, untouched(6))
	})

	// Nothing was registered by the failed attempts.
	h, err := Install(os.Getpid(), hint, pkgPath+"untouched", untouchedReplacement)
	require.NoError(t, err)
	assert.Equal(t, 0, untouched(6))
	require.NoError(t, h.Postcall())
	assert.Equal(t, before, untouched(6))
}

//go:noinline
func byAddress(v int) int {
	return v * 3
}

func byAddressReplacement(v int) int {
	return -v
}

func TestInstallAddr(t *testing.T) {
	hint := exeHint(t)

	_, err := InstallAddr(os.Getpid(), hint, pkgPath+"byAddress", 0)
	assert.ErrorIs(t, err, ErrInputType)
	assert.Equal(t, 12, byAddress(4))

	entry := reflect.ValueOf(byAddressReplacement).Pointer()
	h, err := InstallAddr(os.Getpid(), hint, pkgPath+"byAddress", entry)
	require.NoError(t, err)
	assert.Equal(t, entry, h.Replacement)
	assert.Equal(t, -4, byAddress(4))

	require.NoError(t, h.Postcall())
	assert.Equal(t, 12, byAddress(4))
}
