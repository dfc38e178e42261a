package locator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scintill/rilinject/dvm"
	"github.com/scintill/rilinject/internal/procmaps"
	"github.com/scintill/rilinject/jni"
)

type fakeLib struct {
	name    string
	symbols map[string]any
}

func (l *fakeLib) Name() string { return l.name }

func (l *fakeLib) Lookup(symbol string) (any, bool) {
	s, ok := l.symbols[symbol]
	return s, ok
}

type fakeVM struct {
	env    jni.Env
	status int32
}

func (vm *fakeVM) GetEnv(int32) (jni.Env, int32)         { return vm.env, vm.status }
func (vm *fakeVM) AttachCurrentThread() (jni.Env, int32) { return vm.env, vm.status }

func vmsFunc(vms ...jni.VM) jni.GetCreatedVMsFunc {
	return func(buf []jni.VM) (int, int32) {
		copy(buf, vms)
		return len(vms), jni.OK
	}
}

func testRegistry(libs ...Library) *Registry {
	r := NewRegistry()
	r.maps = func() ([]procmaps.Mapping, error) {
		return []procmaps.Mapping{{Path: "[stack]"}}, nil
	}
	for _, lib := range libs {
		r.Register(lib)
	}
	return r
}

func newRuntime(t *testing.T, family dvm.Family) *dvm.Runtime {
	t.Helper()
	rt, err := dvm.New(dvm.Options{Family: family})
	require.NoError(t, err)
	return rt
}

func TestLocatePrefersLegacy(t *testing.T) {
	legacy := newRuntime(t, dvm.Dalvik)
	art := newRuntime(t, dvm.ART)
	r := testRegistry(legacy.Library(), art.Library())

	h, err := Locate(r, DefaultCandidates)
	require.NoError(t, err)
	assert.Equal(t, Dalvik, h.Family())
	assert.Same(t, legacy, h.VM)
	assert.Same(t, legacy.Env(), h.Env)
	assert.Equal(t, "libdvm.so", h.Library.Name())
}

func TestLocateFallsBackToART(t *testing.T) {
	art := newRuntime(t, dvm.ART)
	r := testRegistry(art.Library())

	h, err := Locate(r, DefaultCandidates)
	require.NoError(t, err)
	assert.Equal(t, ART, h.Family())
	assert.Same(t, art, h.VM)
}

func TestLocateSkipsBrokenCandidates(t *testing.T) {
	good := &fakeVM{env: newRuntime(t, dvm.ART).Env(), status: jni.OK}

	tests := []struct {
		name   string
		legacy Library
	}{
		{"missing entry point", &fakeLib{name: "libdvm.so"}},
		{"no VM", &fakeLib{name: "libdvm.so", symbols: map[string]any{jni.CreatedVMsSymbol: vmsFunc()}}},
		{"two VMs", &fakeLib{name: "libdvm.so", symbols: map[string]any{jni.CreatedVMsSymbol: vmsFunc(good, good)}}},
		{"detached", &fakeLib{name: "libdvm.so", symbols: map[string]any{jni.CreatedVMsSymbol: vmsFunc(&fakeVM{status: jni.EDETACHED})}}},
		{"wrong symbol type", &fakeLib{name: "libdvm.so", symbols: map[string]any{jni.CreatedVMsSymbol: 42}}},
		{"enumeration fails", &fakeLib{name: "libdvm.so", symbols: map[string]any{
			jni.CreatedVMsSymbol: func([]jni.VM) (int, int32) { return 0, jni.ERR },
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			art := &fakeLib{name: "libart.so", symbols: map[string]any{jni.CreatedVMsSymbol: vmsFunc(good)}}
			h, err := Locate(testRegistry(tt.legacy, art), DefaultCandidates)
			require.NoError(t, err)
			assert.Equal(t, ART, h.Family())
			assert.Same(t, good, h.VM)
		})
	}
}

func TestLocateFails(t *testing.T) {
	_, err := Locate(testRegistry(), DefaultCandidates)
	assert.ErrorIs(t, err, ErrAttach)
	assert.ErrorIs(t, err, errNotLoaded)
	assert.ErrorContains(t, err, "libdvm.so")
	assert.ErrorContains(t, err, "libart.so")
}

func TestRegistryMappedButUnbound(t *testing.T) {
	r := NewRegistry()
	r.maps = func() ([]procmaps.Mapping, error) {
		return []procmaps.Mapping{
			{Path: "/system/lib/libdvm.so", Perms: "r-xp"},
			{Path: "[stack]"},
		}, nil
	}

	assert.True(t, r.Loaded("libdvm.so"))
	assert.False(t, r.Loaded("libart.so"))

	_, err := r.Open("libdvm.so")
	assert.ErrorIs(t, err, errNotBound)

	_, err = Locate(r, DefaultCandidates)
	assert.ErrorIs(t, err, errNotBound)
}

func TestRegistryBrokenMaps(t *testing.T) {
	r := NewRegistry()
	r.maps = func() ([]procmaps.Mapping, error) {
		return []procmaps.Mapping{{Path: "/system/lib/libdvm.so"}}, nil
	}
	assert.False(t, r.Loaded("libdvm.so"), "no [stack] mapping")

	r.maps = func() ([]procmaps.Mapping, error) { return nil, errors.New("no proc") }
	assert.False(t, r.Loaded("libdvm.so"))
}

func TestRegistryUnregister(t *testing.T) {
	rt := newRuntime(t, dvm.Dalvik)
	r := testRegistry(rt.Library())
	assert.True(t, r.Loaded("libdvm.so"))

	r.Unregister("libdvm.so")
	assert.False(t, r.Loaded("libdvm.so"))
}

func TestCandidateFor(t *testing.T) {
	c, ok := CandidateFor("libart.so")
	assert.True(t, ok)
	assert.Equal(t, ART, c.Family)

	_, ok = CandidateFor("libc.so")
	assert.False(t, ok)
}
