package dvm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/sys/unix"
)

const (
	bundleMagic   = "dvmb"
	bundleVersion = 1
)

var (
	// ErrBadBundle means a bundle could not be decoded.
	ErrBadBundle = errors.New("bad bundle")
	// ErrCacheNotOwned means the optimisation cache directory belongs to
	// another user.
	ErrCacheNotOwned = errors.New("cache directory is not owned by the current user")
)

// Bundle is a unit of classes loaded together by one class loader.
type Bundle struct {
	Magic   string     `cbor:"magic"`
	Version int        `cbor:"version"`
	Classes []ClassDef `cbor:"classes"`
}

// ClassDef declares a class. Super defaults to java/lang/Object.
type ClassDef struct {
	Name    string      `cbor:"name"`
	Super   string      `cbor:"super,omitempty"`
	Statics []string    `cbor:"statics,omitempty"`
	Methods []MethodDef `cbor:"methods,omitempty"`
}

// MethodDef declares a method. Native methods carry no code and are bound
// with RegisterNatives.
type MethodDef struct {
	Name       string `cbor:"name"`
	Descriptor string `cbor:"desc"`
	Flags      uint32 `cbor:"flags"`
	Registers  uint16 `cbor:"regs,omitempty"`
	Code       []Insn `cbor:"code,omitempty"`
}

// NewBundle returns a bundle holding classes.
func NewBundle(classes ...ClassDef) *Bundle {
	return &Bundle{Magic: bundleMagic, Version: bundleVersion, Classes: classes}
}

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("dvm: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// Marshal encodes b in canonical CBOR.
func (b *Bundle) Marshal() ([]byte, error) {
	return encMode.Marshal(b)
}

// ParseBundle decodes and checks a bundle.
func ParseBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := cbor.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadBundle, err)
	}
	if err := b.check(); err != nil {
		return nil, err
	}
	return &b, nil
}

func (b *Bundle) check() error {
	if b.Magic != bundleMagic {
		return fmt.Errorf("%w: magic %q", ErrBadBundle, b.Magic)
	}
	if b.Version != bundleVersion {
		return fmt.Errorf("%w: version %d", ErrBadBundle, b.Version)
	}
	for _, c := range b.Classes {
		if c.Name == "" {
			return fmt.Errorf("%w: class without a name", ErrBadBundle)
		}
		for _, m := range c.Methods {
			if _, _, err := parseDescriptor(m.Descriptor); err != nil {
				return fmt.Errorf("%w: %s.%s: %v", ErrBadBundle, c.Name, m.Name, err)
			}
		}
	}
	return nil
}

// WriteBundle writes b to path.
func WriteBundle(path string, b *Bundle) error {
	data, err := b.Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadBundle reads the bundle at path.
func ReadBundle(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseBundle(data)
}

// image is the optimised form of a bundle kept in the cache directory. It is
// reused while the source file is unchanged.
type image struct {
	Source  string `cbor:"source"`
	Size    int64  `cbor:"size"`
	ModTime int64  `cbor:"mtime"`
	Bundle  Bundle `cbor:"bundle"`
}

// imagePath names the cached image of bundlePath the way the system cache
// does: the path with slashes replaced by '@'.
func imagePath(bundlePath, cacheDir string) string {
	name := strings.ReplaceAll(strings.TrimPrefix(bundlePath, "/"), "/", "@")
	return filepath.Join(cacheDir, name+"@classes.odex")
}

// checkOwner refuses a cache directory that does not belong to the current
// user. Another user could otherwise plant code in it.
func checkOwner(dir string) error {
	var st unix.Stat_t
	if err := unix.Stat(dir, &st); err != nil {
		return fmt.Errorf("cache directory %s: %w", dir, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		return fmt.Errorf("cache directory %s: not a directory", dir)
	}
	if int(st.Uid) != unix.Getuid() {
		return fmt.Errorf("%s: %w", dir, ErrCacheNotOwned)
	}
	return nil
}

// optimize returns the bundle at bundlePath, going through its cached image
// in cacheDir.
func optimize(bundlePath, cacheDir string) (*Bundle, error) {
	if err := checkOwner(cacheDir); err != nil {
		return nil, err
	}

	fi, err := os.Stat(bundlePath)
	if err != nil {
		return nil, err
	}
	cached := imagePath(bundlePath, cacheDir)

	if data, err := os.ReadFile(cached); err == nil {
		var img image
		if err := cbor.Unmarshal(data, &img); err == nil &&
			img.Source == bundlePath && img.Size == fi.Size() && img.ModTime == fi.ModTime().UnixNano() &&
			img.Bundle.check() == nil {
			log.Debugf("using cached image %s", cached)
			return &img.Bundle, nil
		}
		log.Infof("stale cached image %s", cached)
	}

	b, err := ReadBundle(bundlePath)
	if err != nil {
		return nil, err
	}

	data, err := encMode.Marshal(image{
		Source:  bundlePath,
		Size:    fi.Size(),
		ModTime: fi.ModTime().UnixNano(),
		Bundle:  *b,
	})
	if err != nil {
		return nil, err
	}
	tmp := cached + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, cached); err != nil {
		return nil, err
	}
	log.Debugf("wrote cached image %s", cached)
	return b, nil
}
