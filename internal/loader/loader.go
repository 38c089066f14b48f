// Package loader parses ARM firmware ELF images and lays them out over a
// hardware profile.
package loader

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/zboralski/seemu/internal/hw"
	"github.com/zboralski/seemu/internal/mem"
)

// maxSegment bounds a single segment's memory size.
const maxSegment = 64 << 20

// LoadError reports a firmware image that violates a structural expectation.
type LoadError struct {
	Path   string
	Reason string
	Err    error
}

func (e *LoadError) Error() string {
	msg := "load " + e.Path + ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LoadError) Unwrap() error { return e.Err }

// Segment is one PT_LOAD segment. Region names the profile region it lands
// in; empty means it is mapped as a region of its own.
type Segment struct {
	VAddr  uint32
	MemSz  uint32
	Perm   mem.Perm
	Data   []byte
	Region string
	Kind   hw.RegionKind
}

// End returns the first address past the segment.
func (s *Segment) End() uint64 { return uint64(s.VAddr) + uint64(s.MemSz) }

// Image is a parsed firmware binary laid out for one hardware profile.
type Image struct {
	Path     string
	Entry    uint32 // thumb bit set
	StackTop uint32
	Segments []Segment
	Symbols  map[string]uint32

	model  *hw.Model
	sorted []symbol
}

type symbol struct {
	name string
	addr uint32
	end  uint64
}

// Load reads and parses the firmware at path.
func Load(path string, model *hw.Model) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Reason: "read firmware", Err: err}
	}
	return Parse(path, bytes.NewReader(data), model)
}

// Parse parses a firmware image read from r. name is used in errors.
func Parse(name string, r io.ReaderAt, model *hw.Model) (*Image, error) {
	fail := func(reason string, err error) error {
		return &LoadError{Path: name, Reason: reason, Err: err}
	}

	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fail("not an ELF file", err)
	}
	defer f.Close()

	switch {
	case f.Class != elf.ELFCLASS32:
		return nil, fail(fmt.Sprintf("expected ELFCLASS32, got %v", f.Class), nil)
	case f.Data != elf.ELFDATA2LSB:
		return nil, fail(fmt.Sprintf("expected little-endian, got %v", f.Data), nil)
	case f.Machine != elf.EM_ARM:
		return nil, fail(fmt.Sprintf("expected ARM (EM_ARM), got %v", f.Machine), nil)
	case f.Type != elf.ET_EXEC:
		return nil, fail(fmt.Sprintf("expected executable, got %v", f.Type), nil)
	}

	img := &Image{
		Path:    name,
		Entry:   uint32(f.Entry),
		Symbols: make(map[string]uint32),
		model:   model,
	}
	if img.Entry&1 == 0 {
		return nil, fail(fmt.Sprintf("entry point 0x%x is not a thumb address", img.Entry), nil)
	}

	hasExec := false
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		if prog.Filesz > prog.Memsz {
			return nil, fail(fmt.Sprintf("segment at 0x%x: file size exceeds memory size", prog.Vaddr), nil)
		}
		if prog.Memsz > maxSegment || prog.Vaddr+prog.Memsz > 1<<32 {
			return nil, fail(fmt.Sprintf("segment at 0x%x: size 0x%x out of range", prog.Vaddr, prog.Memsz), nil)
		}
		seg := Segment{
			VAddr: uint32(prog.Vaddr),
			MemSz: uint32(prog.Memsz),
			Perm:  permOf(prog.Flags),
			Data:  make([]byte, prog.Filesz),
		}
		if _, err := prog.ReadAt(seg.Data, 0); err != nil && !errors.Is(err, io.EOF) {
			return nil, fail(fmt.Sprintf("read segment at 0x%x", prog.Vaddr), err)
		}
		if err := img.place(&seg); err != nil {
			return nil, fail(err.Error(), nil)
		}
		if seg.Perm&mem.PermExec != 0 {
			hasExec = true
		}
		img.Segments = append(img.Segments, seg)
	}
	if len(img.Segments) == 0 {
		return nil, fail("no PT_LOAD segments", nil)
	}
	if !hasExec {
		return nil, fail("no executable segment", nil)
	}
	if err := img.checkOverlap(); err != nil {
		return nil, fail(err.Error(), nil)
	}
	if !img.executable(img.Entry &^ 1) {
		return nil, fail(fmt.Sprintf("entry point 0x%x is outside executable segments", img.Entry), nil)
	}

	syms, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fail("read symbols", err)
	}
	for _, s := range syms {
		if s.Name == "" || s.Section == elf.SHN_UNDEF {
			continue
		}
		addr := uint32(s.Value)
		if elf.ST_TYPE(s.Info) == elf.STT_FUNC {
			addr &^= 1
		}
		img.Symbols[s.Name] = addr
		switch elf.ST_TYPE(s.Info) {
		case elf.STT_FUNC, elf.STT_OBJECT:
			img.sorted = append(img.sorted, symbol{name: s.Name, addr: addr, end: uint64(addr) + s.Size})
		}
	}
	img.boundSymbols()

	img.StackTop = model.StackTop()
	if top, ok := img.Symbols["_estack"]; ok {
		img.StackTop = top
	}
	if img.StackTop == 0 {
		return nil, fail("no stack: profile has no stack region and image has no _estack", nil)
	}
	return img, nil
}

func permOf(flags elf.ProgFlag) mem.Perm {
	var p mem.Perm
	if flags&elf.PF_R != 0 {
		p |= mem.PermRead
	}
	if flags&elf.PF_W != 0 {
		p |= mem.PermWrite
	}
	if flags&elf.PF_X != 0 {
		p |= mem.PermExec
	}
	return p
}

// place assigns the segment to the profile region containing it. Segments
// that land in device windows or straddle a region boundary are rejected.
func (img *Image) place(seg *Segment) error {
	start, end := uint64(seg.VAddr), seg.End()
	for i := range img.model.Regions {
		r := &img.model.Regions[i]
		rs, re := uint64(r.Base), uint64(r.Base)+uint64(r.Size)
		if end <= rs || start >= re {
			continue
		}
		if start < rs || end > re {
			return fmt.Errorf("segment 0x%x-0x%x straddles region %s", start, end, r.Name)
		}
		switch r.Kind {
		case hw.KindRAM, hw.KindStack, hw.KindNVM:
		default:
			return fmt.Errorf("segment at 0x%x overlaps %s window", start, r.Kind)
		}
		if seg.Perm&mem.PermExec != 0 {
			return fmt.Errorf("executable segment at 0x%x inside %s region", start, r.Name)
		}
		seg.Region, seg.Kind = r.Name, r.Kind
		return nil
	}
	return nil
}

func (img *Image) checkOverlap() error {
	for i := range img.Segments {
		for j := i + 1; j < len(img.Segments); j++ {
			a, b := &img.Segments[i], &img.Segments[j]
			if uint64(a.VAddr) < b.End() && uint64(b.VAddr) < a.End() {
				return fmt.Errorf("segments at 0x%x and 0x%x overlap", a.VAddr, b.VAddr)
			}
		}
	}
	return nil
}

func (img *Image) executable(addr uint32) bool {
	for i := range img.Segments {
		s := &img.Segments[i]
		if s.Region == "" && s.Perm&mem.PermExec != 0 && addr >= s.VAddr && uint64(addr) < s.End() {
			return true
		}
	}
	return false
}

func (img *Image) regionBase(name string) uint32 {
	for _, r := range img.model.Regions {
		if r.Name == name {
			return r.Base
		}
	}
	return 0
}

// Model returns the profile the image was laid out for.
func (img *Image) Model() *hw.Model { return img.model }

// FindSymbol returns the address of the named symbol.
func (img *Image) FindSymbol(name string) (uint32, bool) {
	addr, ok := img.Symbols[name]
	return addr, ok
}

// SymbolAt returns the symbol containing addr and the offset into it.
func (img *Image) SymbolAt(addr uint32) (string, uint32, bool) {
	i := sort.Search(len(img.sorted), func(i int) bool { return img.sorted[i].addr > addr }) - 1
	if i < 0 {
		return "", 0, false
	}
	s := img.sorted[i]
	if uint64(addr) >= s.end {
		return "", 0, false
	}
	return s.name, addr - s.addr, true
}

// boundSymbols sorts the lookup table and gives zero-size symbols an
// extent: up to the next symbol, clipped to the segment holding them. A
// symbol outside every segment covers only its own address.
func (img *Image) boundSymbols() {
	sort.SliceStable(img.sorted, func(i, j int) bool { return img.sorted[i].addr < img.sorted[j].addr })
	for i := range img.sorted {
		s := &img.sorted[i]
		if s.end > uint64(s.addr) {
			continue
		}
		s.end = uint64(s.addr) + 1
		seg := img.segmentAt(s.addr)
		if seg == nil {
			continue
		}
		s.end = seg.End()
		for _, n := range img.sorted[i+1:] {
			if n.addr > s.addr {
				s.end = min(s.end, uint64(n.addr))
				break
			}
		}
	}
}

func (img *Image) segmentAt(addr uint32) *Segment {
	for i := range img.Segments {
		s := &img.Segments[i]
		if addr >= s.VAddr && uint64(addr) < s.End() {
			return s
		}
	}
	return nil
}

// NVMContent returns the initial NVM window content contributed by the
// image, sized to the profile's NVM region. It returns nil when the
// profile has no NVM region.
func (img *Image) NVMContent() []byte {
	r := img.model.RegionOf(hw.KindNVM)
	if r == nil {
		return nil
	}
	buf := make([]byte, r.Size)
	for i := range img.Segments {
		s := &img.Segments[i]
		if s.Kind == hw.KindNVM {
			copy(buf[s.VAddr-r.Base:], s.Data)
		}
	}
	return buf
}

// Backings supplies the storage for profile regions that are not plain RAM.
type Backings map[hw.RegionKind]mem.Backing

// Space builds a fresh, sealed address space: profile RAM and stack are
// zero-filled and then initialized from the image, image-only segments get
// private copies of their content, and device and NVM regions use the
// supplied backings. Calling Space again yields an independent RAM state
// sharing the same backings.
func (img *Image) Space(b Backings) (*mem.Space, error) {
	s, err := mem.NewSpace()
	if err != nil {
		return nil, err
	}
	ram := make(map[string]*mem.RAM)
	for _, r := range img.model.Regions {
		var backing mem.Backing
		switch r.Kind {
		case hw.KindRAM, hw.KindStack:
			m := mem.NewRAM(r.Size)
			ram[r.Name] = m
			backing = m
		default:
			backing = b[r.Kind]
			if backing == nil {
				return nil, fmt.Errorf("no backing for %s region %s", r.Kind, r.Name)
			}
		}
		if err := s.Map(mem.NewRegion(r.Name, r.Base, r.Size, r.Permissions(), backing)); err != nil {
			return nil, err
		}
	}
	for i := range img.Segments {
		seg := &img.Segments[i]
		switch seg.Kind {
		case hw.KindRAM, hw.KindStack:
			base := img.regionBase(seg.Region)
			copy(ram[seg.Region].Bytes()[seg.VAddr-base:], seg.Data)
		case hw.KindNVM:
			// seeded once through NVMContent
		default:
			name := fmt.Sprintf("seg%d", i)
			if seg.Perm&mem.PermExec != 0 {
				name = fmt.Sprintf("text%d", i)
			}
			region := mem.NewRegion(name, seg.VAddr, seg.MemSz, seg.Perm, mem.NewRAMFrom(seg.MemSz, seg.Data))
			if err := s.Map(region); err != nil {
				return nil, err
			}
		}
	}
	s.Seal()
	return s, nil
}
