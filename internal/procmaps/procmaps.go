// Package procmaps reads the memory map of a process from /proc.
package procmaps

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Mapping is one line of /proc/<pid>/maps.
type Mapping struct {
	Start  uintptr
	End    uintptr
	Perms  string
	Offset uintptr
	Path   string
	// Deleted is set when the kernel reports the backing file as removed.
	Deleted bool
}

// Executable reports whether the mapping has execute permission.
func (m Mapping) Executable() bool {
	return strings.Contains(m.Perms, "x")
}

// Contains reports whether addr falls inside the mapping.
func (m Mapping) Contains(addr uintptr) bool {
	return addr >= m.Start && addr < m.End
}

var errNoStack = errors.New("no [stack] mapping; the maps file was read incorrectly")

// Path returns the maps file for pid. A pid of 0 means the current process.
func Path(pid int) string {
	if pid == 0 {
		return "/proc/self/maps"
	}
	return "/proc/" + strconv.Itoa(pid) + "/maps"
}

// Read parses the maps file of pid.
func Read(pid int) ([]Mapping, error) {
	path := Path(pid)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse parses the contents of a maps file. Malformed lines are skipped.
func Parse(raw []byte) ([]Mapping, error) {
	var out []Mapping
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		m, ok := parseLine(sc.Text())
		if ok {
			out = append(out, m)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func parseLine(line string) (Mapping, bool) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Mapping{}, false
	}

	bounds := strings.SplitN(fields[0], "-", 2)
	if len(bounds) != 2 {
		return Mapping{}, false
	}
	start, err := strconv.ParseUint(bounds[0], 16, 64)
	if err != nil {
		return Mapping{}, false
	}
	end, err := strconv.ParseUint(bounds[1], 16, 64)
	if err != nil {
		return Mapping{}, false
	}
	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return Mapping{}, false
	}

	m := Mapping{
		Start:  uintptr(start),
		End:    uintptr(end),
		Perms:  fields[1],
		Offset: uintptr(offset),
	}
	if len(fields) >= 6 {
		m.Path = strings.Join(fields[5:], " ")
		if strings.HasSuffix(m.Path, " (deleted)") {
			m.Path = strings.TrimSuffix(m.Path, " (deleted)")
			m.Deleted = true
		}
	}
	return m, true
}

// FindModule returns the first executable, file-backed mapping whose path
// contains hint.
func FindModule(maps []Mapping, hint string) (Mapping, bool) {
	for _, m := range maps {
		if m.Path == "" || !strings.HasPrefix(m.Path, "/") || !m.Executable() {
			continue
		}
		if strings.Contains(m.Path, hint) {
			return m, true
		}
	}
	return Mapping{}, false
}

// LoadBase returns the lowest mapped address of the file at path, which is
// where its first loadable segment was placed.
func LoadBase(maps []Mapping, path string) (uintptr, bool) {
	var base uintptr
	found := false
	for _, m := range maps {
		if m.Path != path {
			continue
		}
		if !found || m.Start-m.Offset < base {
			base = m.Start - m.Offset
			found = true
		}
	}
	return base, found
}

// HasLibrary reports whether a mapping whose path contains name is present.
// Deleted files still count. A table without a [stack] mapping was not read
// correctly and yields an error.
func HasLibrary(maps []Mapping, name string) (bool, error) {
	sawStack, sawLib := false, false
	for _, m := range maps {
		switch {
		case m.Path == "[stack]":
			sawStack = true
		case strings.Contains(m.Path, name):
			sawLib = true
		}
		if sawStack && sawLib {
			break
		}
	}
	if !sawStack {
		return false, errNoStack
	}
	return sawLib, nil
}
