package locator

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/scintill/rilinject/internal/procmaps"
)

var errNotBound = errors.New("mapped but not bound in-process")

// Registry holds the runtime libraries living in this process. A library
// mapped into the process without being registered is reported loaded but
// cannot be opened.
type Registry struct {
	mu   sync.RWMutex
	libs map[string]Library
	maps func() ([]procmaps.Mapping, error)
}

// Default is the registry of the process.
var Default = NewRegistry()

// NewRegistry returns an empty registry backed by /proc/self/maps.
func NewRegistry() *Registry {
	return &Registry{
		libs: make(map[string]Library),
		maps: func() ([]procmaps.Mapping, error) {
			return procmaps.Read(os.Getpid())
		},
	}
}

// Register adds lib under its name, replacing any previous library.
func (r *Registry) Register(lib Library) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.libs[lib.Name()] = lib
}

// Unregister removes the library called name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.libs, name)
}

// Loaded implements Libraries.
func (r *Registry) Loaded(name string) bool {
	r.mu.RLock()
	_, ok := r.libs[name]
	r.mu.RUnlock()
	if ok {
		return true
	}

	maps, err := r.maps()
	if err != nil {
		log.Debugf("reading mappings: %s", err)
		return false
	}
	found, err := procmaps.HasLibrary(maps, name)
	if err != nil {
		log.Warningf("checking for %s: %s", name, err)
		return false
	}
	return found
}

// Open implements Libraries.
func (r *Registry) Open(name string) (Library, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if lib, ok := r.libs[name]; ok {
		return lib, nil
	}
	return nil, fmt.Errorf("%s: %w", name, errNotBound)
}
