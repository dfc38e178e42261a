package rilinject

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	// ErrStarted means Start has already been called in this process.
	ErrStarted = errors.New("injector already started")
	// ErrTriggerKind means the trigger is not of the kind the entry point
	// arms: a Go function for Start, a C symbol for StartNative.
	ErrTriggerKind = errors.New("wrong kind of trigger")
)

var started atomic.Pointer[Injector]

// Start creates the process-wide injector for a host written in Go and arms
// it on the configured trigger, which must be a Go function with the
// signature of unix.EpollWait, such as GoTrigger.
func Start(cfg Config, opts ...Option) (*Injector, error) {
	if !goSymbol(cfg.Trigger.Function) {
		return nil, fmt.Errorf("%w: %s is not a Go function", ErrTriggerKind, cfg.Trigger.Function)
	}
	in, err := start(cfg, opts)
	if err != nil {
		return in, err
	}
	return in, in.Arm(epollWait)
}

// StartNative is Start for hosts that enter the trigger from C. replacement
// is the entry address of a C function with the trigger's prototype that
// calls Fire through an exported Go function.
func StartNative(cfg Config, replacement uintptr, opts ...Option) (*Injector, error) {
	if goSymbol(cfg.Trigger.Function) {
		return nil, fmt.Errorf("%w: %s is a Go function", ErrTriggerKind, cfg.Trigger.Function)
	}
	in, err := start(cfg, opts)
	if err != nil {
		return in, err
	}
	return in, in.ArmAddr(replacement)
}

func start(cfg Config, opts []Option) (*Injector, error) {
	in, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	if !started.CompareAndSwap(nil, in) {
		return nil, ErrStarted
	}
	return in, nil
}

// Started returns the injector created by Start, if any.
func Started() *Injector {
	return started.Load()
}

// goSymbol reports whether name is a package qualified Go function name.
// C symbols never contain a dot.
func goSymbol(name string) bool {
	return strings.Contains(name, ".")
}

func epollWait(epfd int, events []unix.EpollEvent, msec int) (int, error) {
	in := started.Load()
	if in.Fire() {
		return unix.EpollWait(epfd, events, msec)
	}
	if orig, err := Original(in, unix.EpollWait); err == nil {
		return orig(epfd, events, msec)
	}
	return epollPwait(epfd, events, msec)
}

// epollPwait enters the kernel directly. It is the last resort when neither
// the trigger nor a copy of it can be called.
func epollPwait(epfd int, events []unix.EpollEvent, msec int) (int, error) {
	var p unsafe.Pointer
	if len(events) > 0 {
		p = unsafe.Pointer(&events[0])
	}
	n, _, errno := unix.Syscall6(unix.SYS_EPOLL_PWAIT, uintptr(epfd), uintptr(p), uintptr(len(events)), uintptr(msec), 0, 0)
	if errno != 0 {
		return int(n), errno
	}
	return int(n), nil
}
