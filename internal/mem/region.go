// Package mem implements the emulated address space: an ordered set of
// non-overlapping, permissioned regions with pluggable backing.
package mem

import (
	"errors"
	"fmt"
	"strings"
)

// Perm is a region permission mask.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
)

// ParsePerm parses a permission string such as "rw" or "r-x".
func ParsePerm(s string) (Perm, error) {
	var p Perm
	for _, c := range strings.ToLower(s) {
		switch c {
		case 'r':
			p |= PermRead
		case 'w':
			p |= PermWrite
		case 'x':
			p |= PermExec
		case '-':
		default:
			return 0, fmt.Errorf("invalid permission %q", s)
		}
	}
	return p, nil
}

func (p Perm) String() string {
	out := []byte("---")
	if p&PermRead != 0 {
		out[0] = 'r'
	}
	if p&PermWrite != 0 {
		out[1] = 'w'
	}
	if p&PermExec != 0 {
		out[2] = 'x'
	}
	return string(out)
}

// Backing stores or produces the content of a region. Offsets are relative
// to the region base and always lie inside the region.
type Backing interface {
	ReadAt(p []byte, off uint32) error
	WriteAt(p []byte, off uint32) error
}

// RAM is a plain byte-slice backing, zero-filled unless initialized.
type RAM struct {
	data []byte
}

// NewRAM returns a zero-filled backing of size bytes.
func NewRAM(size uint32) *RAM {
	return &RAM{data: make([]byte, size)}
}

// NewRAMFrom returns a backing of size bytes whose prefix is init.
func NewRAMFrom(size uint32, init []byte) *RAM {
	r := NewRAM(size)
	copy(r.data, init)
	return r
}

func (r *RAM) ReadAt(p []byte, off uint32) error {
	copy(p, r.data[off:])
	return nil
}

func (r *RAM) WriteAt(p []byte, off uint32) error {
	copy(r.data[off:], p)
	return nil
}

// Bytes exposes the backing slice. Callers outside the run loop must copy.
func (r *RAM) Bytes() []byte {
	return r.data
}

// ErrReadOnlyDevice is returned by a Device without a write function.
var ErrReadOnlyDevice = errors.New("device is read-only")

// Device is a host-function backing used for memory-mapped I/O.
type Device struct {
	Read  func(p []byte, off uint32) error
	Write func(p []byte, off uint32) error
	// Volatile marks reads that change device state. Space.Peek skips them.
	Volatile bool
}

func (d *Device) ReadAt(p []byte, off uint32) error {
	if d.Read == nil {
		for i := range p {
			p[i] = 0
		}
		return nil
	}
	return d.Read(p, off)
}

func (d *Device) WriteAt(p []byte, off uint32) error {
	if d.Write == nil {
		return ErrReadOnlyDevice
	}
	return d.Write(p, off)
}

// Region is a contiguous, permissioned slice of the address space.
type Region struct {
	Name    string
	Base    uint32
	Size    uint32
	Perm    Perm
	Backing Backing
}

// NewRegion creates a region. A nil backing means zero-filled RAM.
func NewRegion(name string, base, size uint32, perm Perm, backing Backing) *Region {
	if backing == nil {
		backing = NewRAM(size)
	}
	return &Region{Name: name, Base: base, Size: size, Perm: perm, Backing: backing}
}

// End returns the first address past the region.
func (r *Region) End() uint64 {
	return uint64(r.Base) + uint64(r.Size)
}

// Contains reports whether addr lies inside the region.
func (r *Region) Contains(addr uint32) bool {
	return addr >= r.Base && uint64(addr) < r.End()
}

// ContainsRange reports whether [addr, addr+size) lies inside the region.
func (r *Region) ContainsRange(addr uint32, size int) bool {
	return r.Contains(addr) && uint64(addr)+uint64(size) <= r.End()
}

// Overlaps reports whether the two regions share any address.
func (r *Region) Overlaps(o *Region) bool {
	return uint64(r.Base) < o.End() && uint64(o.Base) < r.End()
}

func (r *Region) String() string {
	desc := fmt.Sprintf("0x%08x-0x%08x %s", r.Base, r.End(), r.Perm)
	if r.Name != "" {
		desc += fmt.Sprintf(" [%s]", r.Name)
	}
	return desc
}

// Info is a read-only description of a region, safe to hand to collaborators.
type Info struct {
	Name string
	Base uint32
	Size uint32
	Perm Perm
}
