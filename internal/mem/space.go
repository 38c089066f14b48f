package mem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// ErrSealed is returned when mapping into a sealed address space.
var ErrSealed = errors.New("address space is sealed")

// Space is the set of regions for one session. Regions never overlap and
// every access must fall entirely inside a single region.
type Space struct {
	regions []*Region
	sealed  bool

	// last region hit by fetch; code runs from one region most of the time
	lastFetch *Region
}

// NewSpace creates an address space from the given regions.
func NewSpace(regions ...*Region) (*Space, error) {
	s := &Space{}
	for _, r := range regions {
		if err := s.Map(r); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Map adds a region. It fails on overlap, on a region wrapping past 4GiB,
// or once the space is sealed.
func (s *Space) Map(r *Region) error {
	if s.sealed {
		return ErrSealed
	}
	if r.Size == 0 {
		return fmt.Errorf("map %s: empty region", r.Name)
	}
	if r.End() > 1<<32 {
		return fmt.Errorf("map %s (0x%x): region wraps address space", r.Name, r.Base)
	}
	for _, o := range s.regions {
		if o.Overlaps(r) {
			return fmt.Errorf("map %s (0x%x): overlaps %s", r.Name, r.Base, o)
		}
	}
	s.regions = append(s.regions, r)
	sort.Slice(s.regions, func(i, j int) bool { return s.regions[i].Base < s.regions[j].Base })
	return nil
}

// Seal freezes the region layout. Content stays mutable per permissions.
func (s *Space) Seal() {
	s.sealed = true
}

// Find returns the region containing addr, or nil.
func (s *Space) Find(addr uint32) *Region {
	l, r := 0, len(s.regions)-1
	for l <= r {
		mid := (l + r) / 2
		e := s.regions[mid]
		switch {
		case addr < e.Base:
			r = mid - 1
		case uint64(addr) >= e.End():
			l = mid + 1
		default:
			return e
		}
	}
	return nil
}

// Region returns the region with the given name, or nil.
func (s *Space) Region(name string) *Region {
	for _, r := range s.regions {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// Regions returns a description of every mapped region in address order.
func (s *Space) Regions() []Info {
	out := make([]Info, len(s.regions))
	for i, r := range s.regions {
		out[i] = Info{Name: r.Name, Base: r.Base, Size: r.Size, Perm: r.Perm}
	}
	return out
}

func (s *Space) resolve(addr uint32, size int, access Access, need Perm) (*Region, error) {
	var r *Region
	if access == AccessFetch && s.lastFetch != nil && s.lastFetch.ContainsRange(addr, size) {
		r = s.lastFetch
	} else {
		r = s.Find(addr)
	}
	if r == nil || !r.ContainsRange(addr, size) {
		f := &Fault{Addr: addr, Size: size, Access: access, Kind: FaultUnmapped}
		if r != nil {
			f.Region = r.Name
		}
		return nil, f
	}
	if r.Perm&need != need {
		return nil, &Fault{Addr: addr, Size: size, Access: access, Kind: FaultProtected, Region: r.Name}
	}
	if access == AccessFetch {
		s.lastFetch = r
	}
	return r, nil
}

func deviceFault(r *Region, addr uint32, size int, access Access, err error) error {
	var f *Fault
	if errors.As(err, &f) {
		return err
	}
	return &Fault{Addr: addr, Size: size, Access: access, Kind: FaultDevice, Region: r.Name, Err: err}
}

// ReadInto fills p from guest memory at addr.
func (s *Space) ReadInto(addr uint32, p []byte) error {
	r, err := s.resolve(addr, len(p), AccessRead, PermRead)
	if err != nil {
		return err
	}
	if err := r.Backing.ReadAt(p, addr-r.Base); err != nil {
		return deviceFault(r, addr, len(p), AccessRead, err)
	}
	return nil
}

// Read returns a copy of n bytes of guest memory at addr.
func (s *Space) Read(addr uint32, n int) ([]byte, error) {
	p := make([]byte, n)
	if err := s.ReadInto(addr, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Peek is Read without side effects: volatile Device regions read as zeros
// and their host functions are not called.
func (s *Space) Peek(addr uint32, n int) ([]byte, error) {
	r, err := s.resolve(addr, n, AccessRead, PermRead)
	if err != nil {
		return nil, err
	}
	p := make([]byte, n)
	if d, ok := r.Backing.(*Device); ok && d.Volatile {
		return p, nil
	}
	if err := r.Backing.ReadAt(p, addr-r.Base); err != nil {
		return nil, deviceFault(r, addr, n, AccessRead, err)
	}
	return p, nil
}

// Write stores p into guest memory at addr.
func (s *Space) Write(addr uint32, p []byte) error {
	r, err := s.resolve(addr, len(p), AccessWrite, PermWrite)
	if err != nil {
		return err
	}
	if err := r.Backing.WriteAt(p, addr-r.Base); err != nil {
		return deviceFault(r, addr, len(p), AccessWrite, err)
	}
	return nil
}

// Fetch reads n instruction bytes at addr from an executable region.
func (s *Space) Fetch(addr uint32, p []byte) error {
	r, err := s.resolve(addr, len(p), AccessFetch, PermExec)
	if err != nil {
		return err
	}
	if err := r.Backing.ReadAt(p, addr-r.Base); err != nil {
		return deviceFault(r, addr, len(p), AccessFetch, err)
	}
	return nil
}

// Executable reports whether size bytes at addr can be fetched.
func (s *Space) Executable(addr uint32, size int) bool {
	r := s.Find(addr)
	return r != nil && r.ContainsRange(addr, size) && r.Perm&PermExec != 0
}

// ReadU8 reads a byte.
func (s *Space) ReadU8(addr uint32) (uint8, error) {
	var b [1]byte
	if err := s.ReadInto(addr, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadU16 reads a little-endian halfword.
func (s *Space) ReadU16(addr uint32) (uint16, error) {
	var b [2]byte
	if err := s.ReadInto(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

// ReadU32 reads a little-endian word.
func (s *Space) ReadU32(addr uint32) (uint32, error) {
	var b [4]byte
	if err := s.ReadInto(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// WriteU8 writes a byte.
func (s *Space) WriteU8(addr uint32, v uint8) error {
	return s.Write(addr, []byte{v})
}

// WriteU16 writes a little-endian halfword.
func (s *Space) WriteU16(addr uint32, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return s.Write(addr, b[:])
}

// WriteU32 writes a little-endian word.
func (s *Space) WriteU32(addr uint32, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return s.Write(addr, b[:])
}

// ReadWords reads n consecutive little-endian words.
func (s *Space) ReadWords(addr uint32, n int) ([]uint32, error) {
	if n == 0 {
		return nil, nil
	}
	raw, err := s.Read(addr, n*4)
	if err != nil {
		return nil, err
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}
	return out, nil
}

// ReadString reads a NUL-terminated string of at most maxLen bytes.
func (s *Space) ReadString(addr uint32, maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = 4096
	}
	out := make([]byte, 0, 32)
	for i := 0; i < maxLen; i++ {
		b, err := s.ReadU8(addr + uint32(i))
		if err != nil {
			return "", err
		}
		if b == 0 {
			break
		}
		out = append(out, b)
	}
	return string(out), nil
}
