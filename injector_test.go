package rilinject

import (
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scintill/rilinject/dalvikhook"
	"github.com/scintill/rilinject/dvm"
	"github.com/scintill/rilinject/hook"
	"github.com/scintill/rilinject/jni"
	"github.com/scintill/rilinject/loader"
	"github.com/scintill/rilinject/locator"
	"github.com/scintill/rilinject/symbols"
)

const (
	smsClass = "com/android/internal/telephony/gsm/SmsMessage"
	cmtSig   = "([Ljava/lang/String;)Lcom/android/internal/telephony/gsm/SmsMessage;"
)

func smsMessage() dvm.ClassDef {
	return dvm.ClassDef{
		Name: smsClass,
		Methods: []dvm.MethodDef{{
			Name: "newFromCMT", Descriptor: cmtSig, Flags: dvm.AccPublic | dvm.AccStatic,
			Code: []dvm.Insn{
				{Op: dvm.OpNew, Class: smsClass},
				{Op: dvm.OpDup},
				{Op: dvm.OpLoadArg, A: 0},
				{Op: dvm.OpPutField, Name: "pdu"},
				{Op: dvm.OpReturn},
			},
		}},
	}
}

func payloadClass() dvm.ClassDef {
	return dvm.ClassDef{
		Name:    "net/example/Payload",
		Statics: []string{"ready", "count"},
		Methods: []dvm.MethodDef{
			{
				Name: "<clinit>", Descriptor: "()V", Flags: dvm.AccStatic,
				Code: []dvm.Insn{
					{Op: dvm.OpConst, A: 1},
					{Op: dvm.OpPutStatic, Name: "ready"},
					{Op: dvm.OpConst, A: 0},
					{Op: dvm.OpPutStatic, Name: "count"},
					{Op: dvm.OpReturnVoid},
				},
			},
			{
				Name: "onNewFromCMT", Descriptor: "(Ljava/lang/Object;)V", Flags: dvm.AccPublic | dvm.AccStatic,
				Code: []dvm.Insn{
					{Op: dvm.OpGetStatic, Name: "count"},
					{Op: dvm.OpConst, A: 1},
					{Op: dvm.OpAdd},
					{Op: dvm.OpPutStatic, Name: "count"},
					{Op: dvm.OpReturnVoid},
				},
			},
		},
	}
}

// host is a process with a runtime that has already used the SMS class.
func host(t *testing.T, opts dvm.Options) (*dvm.Runtime, *locator.Registry) {
	t.Helper()
	rt, err := dvm.New(opts)
	require.NoError(t, err)
	require.NoError(t, rt.Define(dvm.NewBundle(smsMessage())))
	require.NotNil(t, rt.Env().FindClass(smsClass))

	reg := locator.NewRegistry()
	reg.Register(rt.Library())
	return rt, reg
}

func testConfig(t *testing.T) Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.dvmb")
	require.NoError(t, dvm.WriteBundle(path, dvm.NewBundle(payloadClass())))

	cfg := DefaultConfig()
	cfg.Trigger = GoTrigger
	cfg.Bundle = Bundle{
		Path:     path,
		CacheDir: t.TempDir(),
		Class:    "net/example/Payload",
	}
	return cfg
}

func newInjector(t *testing.T, cfg Config, libs locator.Libraries) *Injector {
	t.Helper()
	in, err := New(cfg, WithLibraries(libs))
	require.NoError(t, err)
	assert.Equal(t, Uninitialized, in.State())
	return in
}

// receive calls the intercepted method like the host would.
func receive(t *testing.T, env jni.Env) jni.Value {
	t.Helper()
	c := env.FindClass(smsClass)
	m := env.GetStaticMethodID(c, "newFromCMT", cmtSig)
	require.NotNil(t, m)
	msg := env.CallStaticObjectMethod(c, m, env.NewObjectArray(env.NewStringUTF("0791")))
	require.False(t, env.ExceptionCheck())
	return msg
}

func payloadCount(t *testing.T, rt *dvm.Runtime) int64 {
	t.Helper()
	v, _ := rt.PeekStatic("net/example/Payload", "count")
	if v == nil {
		return 0
	}
	return v.(int64)
}

// Triggers are patched for good, so every test needs its own.
var current *Injector

//go:noinline
func pollPipeline(n int) string {
	return strconv.Itoa(n) + "/pipeline"
}

func pollPipelineHook(n int) string {
	current.Fire()
	return pollPipeline(n)
}

//go:noinline
func pollBroken(n int) string {
	return strconv.Itoa(n) + "/broken"
}

func pollBrokenHook(n int) string {
	current.Fire()
	return pollBroken(n)
}

//go:noinline
func pollART(n int) string {
	return strconv.Itoa(n) + "/art"
}

func pollARTHook(n int) string {
	current.Fire()
	return pollART(n)
}

//go:noinline
func pollDenied(n int) string {
	return strconv.Itoa(n) + "/denied"
}

func pollDeniedHook(n int) string {
	if current.Fire() {
		return pollDenied(n)
	}
	orig, err := Original(current, pollDenied)
	if err != nil {
		return "unreachable original: " + err.Error()
	}
	return orig(n)
}

func TestPipeline(t *testing.T) {
	rt, reg := host(t, dvm.Options{})
	in := newInjector(t, testConfig(t), reg)
	current = in

	require.NoError(t, in.ArmFunc(pollPipeline, pollPipelineHook))
	assert.Equal(t, NativeHookInstalled, in.State())
	assert.True(t, in.Trigger().Active())
	assert.ErrorIs(t, in.ArmFunc(pollPipeline, pollPipelineHook), ErrArmed)

	assert.Equal(t, "3/pipeline", pollPipeline(3))

	require.NoError(t, in.Err())
	assert.Equal(t, Passive, in.State())
	assert.Equal(t, MethodHooked, in.Reached())
	assert.True(t, in.Trigger().Released())
	assert.Equal(t, locator.Dalvik, in.Handle().Family())
	assert.Equal(t, int64(1), rt.LoadersCreated())
	assert.Equal(t, 1, rt.GlobalRefs(), "payload class is pinned")

	ready, _ := rt.PeekStatic("net/example/Payload", "ready")
	assert.Equal(t, int64(1), ready)

	require.NotNil(t, in.MethodHook())
	assert.True(t, in.MethodHook().Intercepting())
	env := rt.Env()
	msg := receive(t, env)
	assert.True(t, env.IsInstanceOf(msg, env.FindClass(smsClass)))
	assert.Equal(t, int64(1), payloadCount(t, rt))

	// The trigger is back to the original and setup never runs again.
	assert.Equal(t, "4/pipeline", pollPipeline(4))
	assert.Equal(t, int64(1), rt.LoadersCreated())
	receive(t, env)
	assert.Equal(t, int64(2), payloadCount(t, rt))
}

func TestFailureLeavesTriggerIntact(t *testing.T) {
	rt, reg := host(t, dvm.Options{})
	cfg := testConfig(t)
	cfg.Bundle.Path = filepath.Join(t.TempDir(), "missing.dvmb")
	in := newInjector(t, cfg, reg)
	current = in

	before := pollBroken(7)
	require.NoError(t, in.ArmFunc(pollBroken, pollBrokenHook))

	for range 3 {
		assert.Equal(t, before, pollBroken(7))
	}
	assert.Equal(t, Passive, in.State())
	assert.Equal(t, RuntimeAttached, in.Reached())
	assert.ErrorIs(t, in.Err(), loader.ErrConstruction)
	assert.True(t, in.Trigger().Released())
	assert.Nil(t, in.Class())
	assert.Zero(t, rt.GlobalRefs())

	// The host's own method is untouched.
	env := rt.Env()
	assert.NotNil(t, receive(t, env))
	assert.False(t, env.ExceptionCheck())
}

func TestUnsupportedRuntime(t *testing.T) {
	rt, reg := host(t, dvm.Options{Family: dvm.ART})
	in := newInjector(t, testConfig(t), reg)
	current = in

	before := pollART(5)
	require.NoError(t, in.ArmFunc(pollART, pollARTHook))

	for range 3 {
		assert.Equal(t, before, pollART(5))
	}
	require.NoError(t, in.Err())
	assert.Equal(t, Passive, in.State())
	assert.Equal(t, CodeLoaded, in.Reached())
	assert.True(t, in.Trigger().Released())
	assert.True(t, in.Unsupported())
	assert.Equal(t, locator.ART, in.Handle().Family())
	assert.NotNil(t, in.Class())
	assert.Equal(t, 1, rt.GlobalRefs())
	assert.Equal(t, int64(1), rt.LoadersCreated())
	assert.Nil(t, in.MethodHook())

	receive(t, rt.Env())
	assert.Equal(t, int64(0), payloadCount(t, rt), "method is not intercepted")
}

func TestTriggerRestoreDenied(t *testing.T) {
	rt, reg := host(t, dvm.Options{})
	in := newInjector(t, testConfig(t), reg)
	current = in

	before := pollDenied(3)
	require.NoError(t, in.ArmFunc(pollDenied, pollDeniedHook))

	orig := precall
	precall = func(*hook.Hook) error { return errors.New("permission denied") }
	t.Cleanup(func() { precall = orig })

	for range 3 {
		assert.Equal(t, before, pollDenied(3))
	}
	assert.True(t, in.Trigger().Active(), "entry is still patched")
	assert.Equal(t, Passive, in.State())
	assert.Equal(t, NativeHookInstalled, in.Reached())
	assert.ErrorContains(t, in.Err(), "restoring trigger: permission denied")
	assert.Nil(t, in.Handle(), "setup is skipped")
	assert.Zero(t, rt.LoadersCreated())

	// Once the entry can be written again the trigger is released and setup
	// stays abandoned.
	precall = orig
	assert.Equal(t, before, pollDenied(3))
	assert.True(t, in.Trigger().Released())
	assert.Equal(t, before, pollDenied(3))
	assert.Nil(t, in.Handle())
}

func TestOriginalWithoutTrigger(t *testing.T) {
	in := newInjector(t, testConfig(t), locator.NewRegistry())
	_, err := Original(in, pollDenied)
	assert.ErrorIs(t, err, ErrNotArmed)
}

func TestSetupFailures(t *testing.T) {
	tests := []struct {
		name    string
		opts    dvm.Options
		libs    func(*locator.Registry) locator.Libraries
		edit    func(*Config)
		err     error
		reached State
		pinned  bool
	}{
		{
			name:    "no runtime",
			libs:    func(*locator.Registry) locator.Libraries { return locator.NewRegistry() },
			err:     locator.ErrAttach,
			reached: Uninitialized,
		},
		{
			name:    "class not in bundle",
			edit:    func(c *Config) { c.Bundle.Class = "net/example/Other" },
			err:     loader.ErrClassNotFound,
			reached: RuntimeAttached,
		},
		{
			name:    "unknown build",
			opts:    dvm.Options{Build: "dvm/3.0"},
			err:     symbols.ErrUnavailable,
			reached: CodeLoaded,
			pinned:  true,
		},
		{
			name:    "target method missing",
			edit:    func(c *Config) { c.Hook.Method = "newFromCDS" },
			err:     dalvikhook.ErrMethodNotFound,
			reached: CodeLoaded,
			pinned:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt, reg := host(t, tt.opts)
			cfg := testConfig(t)
			if tt.edit != nil {
				tt.edit(&cfg)
			}
			var libs locator.Libraries = reg
			if tt.libs != nil {
				libs = tt.libs(reg)
			}
			in := newInjector(t, cfg, libs)

			in.Fire()
			assert.ErrorIs(t, in.Err(), tt.err)
			assert.Equal(t, Passive, in.State())
			assert.Equal(t, tt.reached, in.Reached())
			assert.Nil(t, in.MethodHook())
			if tt.pinned {
				assert.Equal(t, 1, rt.GlobalRefs())
			}

			receive(t, rt.Env())
			assert.Equal(t, int64(0), payloadCount(t, rt))
		})
	}
}

type panickingLibraries struct{}

func (panickingLibraries) Loaded(string) bool { return true }

func (panickingLibraries) Open(name string) (locator.Library, error) {
	panic("open " + name)
}

func TestSetupPanic(t *testing.T) {
	in := newInjector(t, testConfig(t), panickingLibraries{})
	assert.NotPanics(t, func() { in.Fire() })
	assert.ErrorContains(t, in.Err(), "setup panicked: open libdvm.so")
	assert.Equal(t, Passive, in.State())
}

func TestArmFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Trigger.Function = "github.com/scintill/rilinject.noSuchTrigger"
	_, reg := host(t, dvm.Options{})
	in := newInjector(t, cfg, reg)

	err := in.Arm(pollPipelineHook)
	assert.ErrorIs(t, err, hook.ErrSymbolNotFound)
	assert.Equal(t, Passive, in.State())
	assert.Nil(t, in.Trigger())

	in.Fire()
	assert.Nil(t, in.Handle(), "setup does not run without a trigger")
	assert.ErrorIs(t, in.Arm(pollPipelineHook), ErrArmed)
}

func TestConcurrentFirstCalls(t *testing.T) {
	rt, reg := host(t, dvm.Options{})
	in := newInjector(t, testConfig(t), reg)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			in.Fire()
		}()
	}
	wg.Wait()

	require.NoError(t, in.Err())
	assert.Equal(t, MethodHooked, in.Reached())
	assert.Equal(t, int64(1), rt.LoadersCreated())
	assert.Equal(t, 1, rt.GlobalRefs())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bundle.Path = ""
	_, err := New(cfg)
	assert.ErrorContains(t, err, "bundle.path is required")
}
