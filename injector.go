package rilinject

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/scintill/rilinject/dalvikhook"
	"github.com/scintill/rilinject/hook"
	"github.com/scintill/rilinject/jni"
	"github.com/scintill/rilinject/loader"
	"github.com/scintill/rilinject/locator"
	"github.com/scintill/rilinject/symbols"
)

var log = commonlog.GetLogger("rilinject")

// State is a stage of setup.
type State int

const (
	Uninitialized State = iota
	NativeHookInstalled
	RuntimeAttached
	CodeLoaded
	MethodHooked
	Passive
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case NativeHookInstalled:
		return "native hook installed"
	case RuntimeAttached:
		return "runtime attached"
	case CodeLoaded:
		return "code loaded"
	case MethodHooked:
		return "method hooked"
	case Passive:
		return "passive"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	// ErrArmed means the injector already has a trigger.
	ErrArmed = errors.New("injector already armed")
	// ErrNotArmed means the injector has no trigger to copy.
	ErrNotArmed = errors.New("injector has no trigger")
)

// precall is swapped out by tests.
var precall = (*hook.Hook).Precall

// Option configures an Injector.
type Option func(*Injector)

// WithLibraries replaces the process-wide locator.Default registry.
func WithLibraries(libs locator.Libraries) Option {
	return func(in *Injector) {
		in.libs = libs
	}
}

// Injector drives setup from the first call of its trigger.
type Injector struct {
	cfg        Config
	libs       locator.Libraries
	candidates []locator.Candidate

	once sync.Once

	mu          sync.Mutex
	state       State
	reached     State
	err         error
	trigger     *hook.Hook
	handle      *locator.Handle
	class       jni.Class
	method      *dalvikhook.Hook
	unsupported bool
	original    any
}

// New validates cfg and returns an injector in the Uninitialized state.
func New(cfg Config, opts ...Option) (*Injector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	in := &Injector{
		cfg:        cfg,
		libs:       locator.Default,
		candidates: cfg.Candidates(),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in, nil
}

// Arm patches the configured trigger function to jump to replacement, a Go
// function with the trigger's signature. The replacement must call Fire and
// then the trigger itself, or Original when Fire reports false.
func (in *Injector) Arm(replacement any) error {
	hint, err := in.moduleHint()
	if err != nil {
		return in.armFailed(err)
	}
	return in.arm(func() (*hook.Hook, error) {
		return hook.Install(os.Getpid(), hint, in.cfg.Trigger.Function, replacement)
	})
}

// ArmAddr is Arm for a native replacement given by its entry address.
func (in *Injector) ArmAddr(replacement uintptr) error {
	hint, err := in.moduleHint()
	if err != nil {
		return in.armFailed(err)
	}
	return in.arm(func() (*hook.Hook, error) {
		return hook.InstallAddr(os.Getpid(), hint, in.cfg.Trigger.Function, replacement)
	})
}

// ArmFunc is Arm for a trigger given as a Go function rather than by name.
func (in *Injector) ArmFunc(target, replacement any) error {
	return in.arm(func() (*hook.Hook, error) {
		return hook.Func(target, replacement)
	})
}

func (in *Injector) moduleHint() (string, error) {
	if in.cfg.Trigger.Module != "" {
		return in.cfg.Trigger.Module, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("%w: %v", hook.ErrModuleNotFound, err)
	}
	return filepath.Base(exe), nil
}

func (in *Injector) arm(install func() (*hook.Hook, error)) error {
	in.mu.Lock()
	if in.state != Uninitialized {
		in.mu.Unlock()
		return ErrArmed
	}
	in.mu.Unlock()

	h, err := install()
	if err != nil {
		return in.armFailed(err)
	}

	in.mu.Lock()
	in.trigger = h
	in.mu.Unlock()
	in.advance(NativeHookInstalled)
	return nil
}

func (in *Injector) armFailed(err error) error {
	in.fail(fmt.Errorf("arming trigger: %w", err))
	return err
}

// Fire is called by the trigger replacement on every call. The first call
// runs setup; concurrent callers wait for it. The trigger is restored for
// good before Fire returns true, so the caller then reaches the original.
//
// Fire returns false when the original entry could not be written back. The
// trigger still jumps to the replacement then, so the caller must not call it
// and uses Original instead. Setup is abandoned in that case.
func (in *Injector) Fire() bool {
	in.mu.Lock()
	trigger := in.trigger
	in.mu.Unlock()

	if trigger == nil {
		in.once.Do(in.setup)
		return true
	}

	if err := precall(trigger); err != nil {
		err = fmt.Errorf("restoring trigger: %w", err)
		ran := false
		in.once.Do(func() {
			ran = true
			in.fail(err)
		})
		if !ran {
			log.Errorf("%s", err)
		}
		return false
	}

	in.once.Do(in.setup)

	if err := trigger.Postcall(); err != nil {
		log.Errorf("releasing trigger: %s", err)
	}
	return true
}

// Original returns a callable copy of the trigger's unpatched code, for
// replacements whose Fire call returned false. fn is the trigger and only
// supplies the type. The copy is made once and kept.
func Original[T any](in *Injector, fn T) (T, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if f, ok := in.original.(T); ok {
		return f, nil
	}
	var zero T
	if in.trigger == nil {
		return zero, ErrNotArmed
	}
	f, err := hook.Trampoline(in.trigger, fn)
	if err != nil {
		return zero, fmt.Errorf("copying trigger: %w", err)
	}
	in.original = f
	return f, nil
}

func (in *Injector) setup() {
	if in.State() == Passive {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			in.fail(fmt.Errorf("setup panicked: %v", r))
		}
	}()

	if err := in.run(); err != nil {
		in.fail(err)
		return
	}
	in.advance(Passive)
}

func (in *Injector) run() error {
	h, err := locator.Locate(in.libs, in.candidates)
	if err != nil {
		return err
	}
	in.mu.Lock()
	in.handle = h
	in.mu.Unlock()
	in.advance(RuntimeAttached)

	env := h.Env
	b := in.cfg.Bundle
	class, err := loader.Load(env, b.Class, strings.ReplaceAll(b.Class, "/", "."), b.Path, b.CacheDir)
	if err != nil {
		return err
	}
	// Never released: the payload is called for the rest of the process.
	pinned := env.NewGlobalRef(class)
	in.mu.Lock()
	in.class = pinned
	in.mu.Unlock()
	in.advance(CodeLoaded)

	if h.Family() != locator.Dalvik {
		log.Infof("method hooks are unsupported on %s, leaving %s loaded", h.Family(), b.Class)
		in.mu.Lock()
		in.unsupported = true
		in.mu.Unlock()
		return nil
	}

	table, err := symbols.Resolve(h)
	if err != nil {
		return err
	}

	hc := in.cfg.Hook
	mh := dalvikhook.Setup(hc.Class, hc.Method, hc.Descriptor, hc.Static, nil)
	mh.Debug = hc.Debug
	fwd := dalvikhook.Forward(mh, pinned, hc.Payload, hc.PayloadSig)
	if hc.Fault != "" {
		fwd.OnFault(hc.Fault, hc.FaultSig)
	}
	if err := mh.Install(table); err != nil {
		return err
	}
	in.mu.Lock()
	in.method = mh
	in.mu.Unlock()
	in.advance(MethodHooked)
	return nil
}

func (in *Injector) advance(s State) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if s != Passive {
		in.reached = s
	}
	in.state = s
	log.Infof("%s", s)
}

func (in *Injector) fail(err error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.err = errors.Join(in.err, err)
	in.state = Passive
	log.Errorf("setup stopped after %s: %s", in.reached, err)
}

// State returns the current state.
func (in *Injector) State() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// Reached returns the last setup stage completed. It stays put once the
// injector is Passive.
func (in *Injector) Reached() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.reached
}

// Err returns what stopped setup, if anything.
func (in *Injector) Err() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.err
}

// Class returns the pinned payload class once the bundle is loaded.
func (in *Injector) Class() jni.Class {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.class
}

// Handle returns the attached runtime.
func (in *Injector) Handle() *locator.Handle {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.handle
}

// MethodHook returns the installed method hook.
func (in *Injector) MethodHook() *dalvikhook.Hook {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.method
}

// Unsupported reports whether the attached runtime cannot have its methods
// hooked.
func (in *Injector) Unsupported() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.unsupported
}

// Trigger returns the native hook installed by Arm.
func (in *Injector) Trigger() *hook.Hook {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.trigger
}
