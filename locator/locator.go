// Package locator finds the managed runtime loaded in the current process and
// attaches to it.
package locator

import (
	"errors"
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/scintill/rilinject/jni"
)

var log = commonlog.GetLogger("rilinject.locator")

// Family identifies a runtime implementation. Downstream steps depend on it:
// only the legacy interpreter can have its methods hooked.
type Family int

const (
	Dalvik Family = iota
	ART
)

func (f Family) String() string {
	switch f {
	case Dalvik:
		return "dalvik"
	case ART:
		return "art"
	}
	return fmt.Sprintf("family(%d)", int(f))
}

// Candidate is a runtime library that may be loaded.
type Candidate struct {
	Library string
	Family  Family
}

// DefaultCandidates lists the legacy interpreter first.
var DefaultCandidates = []Candidate{
	{Library: "libdvm.so", Family: Dalvik},
	{Library: "libart.so", Family: ART},
}

// CandidateFor returns the default candidate for a library name.
func CandidateFor(library string) (Candidate, bool) {
	for _, c := range DefaultCandidates {
		if c.Library == library {
			return c, true
		}
	}
	return Candidate{}, false
}

var (
	// ErrAttach means no candidate runtime could be attached to.
	ErrAttach = errors.New("unable to attach to a managed runtime")

	errNotLoaded = errors.New("library not loaded")
	errNoEntry   = errors.New("missing " + jni.CreatedVMsSymbol)
)

// Library is an opened runtime library.
type Library interface {
	Name() string
	// Lookup returns an exported symbol.
	Lookup(symbol string) (any, bool)
}

// Libraries gives access to the libraries of the process.
type Libraries interface {
	Loaded(name string) bool
	Open(name string) (Library, error)
}

// Handle is an attached runtime. It is obtained once and kept for the life of
// the process.
type Handle struct {
	Candidate Candidate
	Library   Library
	VM        jni.VM
	Env       jni.Env
}

// Family returns the family of the runtime that was attached.
func (h *Handle) Family() Family {
	return h.Candidate.Family
}

// Locate tries candidates in order and returns the first runtime that is
// loaded, enumerates exactly one VM and hands out an environment for the
// calling thread.
func Locate(libs Libraries, candidates []Candidate) (*Handle, error) {
	var errs []error
	for _, c := range candidates {
		h, err := attach(libs, c)
		if err != nil {
			log.Errorf("%s: %s", c.Library, err)
			errs = append(errs, fmt.Errorf("%s: %w", c.Library, err))
			continue
		}
		log.Infof("attached to %s runtime in %s", c.Family, c.Library)
		return h, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrAttach, errors.Join(errs...))
}

func attach(libs Libraries, c Candidate) (*Handle, error) {
	if !libs.Loaded(c.Library) {
		return nil, errNotLoaded
	}
	lib, err := libs.Open(c.Library)
	if err != nil {
		return nil, err
	}

	sym, ok := lib.Lookup(jni.CreatedVMsSymbol)
	if !ok {
		return nil, errNoEntry
	}
	var getVMs jni.GetCreatedVMsFunc
	switch fn := sym.(type) {
	case jni.GetCreatedVMsFunc:
		getVMs = fn
	case func([]jni.VM) (int, int32):
		getVMs = fn
	default:
		return nil, fmt.Errorf("%s has type %T", jni.CreatedVMsSymbol, sym)
	}

	buf := make([]jni.VM, 1)
	n, status := getVMs(buf)
	if status != jni.OK {
		return nil, fmt.Errorf("%s failed with status %d", jni.CreatedVMsSymbol, status)
	}
	if n != 1 || buf[0] == nil {
		return nil, fmt.Errorf("expected exactly one VM, found %d", n)
	}

	env, status := buf[0].GetEnv(jni.Version1_6)
	if status != jni.OK || env == nil {
		return nil, fmt.Errorf("GetEnv failed with status %d", status)
	}

	return &Handle{Candidate: c, Library: lib, VM: buf[0], Env: env}, nil
}
