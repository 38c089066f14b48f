package fwtest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// DefaultBase is where test code is linked.
const DefaultBase = 0xc0de0000

// Segment is one loadable segment of a test image.
type Segment struct {
	Addr  uint32
	Data  []byte
	MemSz uint32 // zero means len(Data)
	Flags elf.ProgFlag
}

// Image describes an ELF32 ARM executable to write.
type Image struct {
	Entry    uint32
	Segments []Segment
	Symbols  map[string]uint32
	// Funcs marks which symbols are thumb functions.
	Funcs map[string]bool

	Class   elf.Class
	Machine elf.Machine
	Type    elf.Type
}

// Program assembles a and returns an image with one executable segment.
// The entry is the "_start" label, or the base when no such label exists.
func Program(a *Asm) (*Image, error) {
	code, err := a.Assemble()
	if err != nil {
		return nil, err
	}
	entry := a.Base()
	if v, ok := a.Addr("_start"); ok {
		entry = v
	}
	img := &Image{
		Entry:    entry | 1,
		Segments: []Segment{{Addr: a.Base(), Data: code, Flags: elf.PF_R | elf.PF_X}},
		Symbols:  a.Labels(),
		Funcs:    map[string]bool{"_start": true},
	}
	return img, nil
}

// AddData appends a read-write data segment.
func (img *Image) AddData(addr uint32, data []byte, memsz uint32) {
	img.Segments = append(img.Segments, Segment{Addr: addr, Data: data, MemSz: memsz, Flags: elf.PF_R | elf.PF_W})
}

// Bytes serializes the image.
func (img *Image) Bytes() ([]byte, error) {
	class, machine, typ := img.Class, img.Machine, img.Type
	if class == elf.ELFCLASSNONE {
		class = elf.ELFCLASS32
	}
	if machine == elf.EM_NONE {
		machine = elf.EM_ARM
	}
	if typ == elf.ET_NONE {
		typ = elf.ET_EXEC
	}

	const (
		ehsize = 52
		phsize = 32
		shsize = 40
		symsz  = 16
	)

	names := make([]string, 0, len(img.Symbols))
	for n := range img.Symbols {
		names = append(names, n)
	}
	sort.Strings(names)

	strtab := []byte{0}
	symtab := new(bytes.Buffer)
	binary.Write(symtab, binary.LittleEndian, elf.Sym32{})
	for _, n := range names {
		st := elf.STT_OBJECT
		v := img.Symbols[n]
		if img.Funcs[n] {
			st = elf.STT_FUNC
			v |= 1
		}
		binary.Write(symtab, binary.LittleEndian, elf.Sym32{
			Name:  uint32(len(strtab)),
			Value: v,
			Info:  elf.ST_INFO(elf.STB_GLOBAL, st),
			Shndx: uint16(elf.SHN_ABS),
		})
		strtab = append(strtab, n...)
		strtab = append(strtab, 0)
	}
	shstrtab := []byte("\x00.symtab\x00.strtab\x00.shstrtab\x00")

	off := uint32(ehsize + phsize*len(img.Segments))
	var body bytes.Buffer
	progs := make([]elf.Prog32, len(img.Segments))
	for i, s := range img.Segments {
		memsz := s.MemSz
		if memsz == 0 {
			memsz = uint32(len(s.Data))
		}
		if memsz < uint32(len(s.Data)) {
			return nil, fmt.Errorf("segment %d: memsz below file size", i)
		}
		progs[i] = elf.Prog32{
			Type:   uint32(elf.PT_LOAD),
			Off:    off + uint32(body.Len()),
			Vaddr:  s.Addr,
			Paddr:  s.Addr,
			Filesz: uint32(len(s.Data)),
			Memsz:  memsz,
			Flags:  uint32(s.Flags),
			Align:  4,
		}
		body.Write(s.Data)
		for body.Len()%4 != 0 {
			body.WriteByte(0)
		}
	}

	symOff := off + uint32(body.Len())
	body.Write(symtab.Bytes())
	strOff := off + uint32(body.Len())
	body.Write(strtab)
	shstrOff := off + uint32(body.Len())
	body.Write(shstrtab)
	for body.Len()%4 != 0 {
		body.WriteByte(0)
	}
	shOff := off + uint32(body.Len())

	sections := []elf.Section32{
		{},
		{Name: 1, Type: uint32(elf.SHT_SYMTAB), Off: symOff, Size: uint32(symtab.Len()), Link: 2, Info: 1, Addralign: 4, Entsize: symsz},
		{Name: 9, Type: uint32(elf.SHT_STRTAB), Off: strOff, Size: uint32(len(strtab)), Addralign: 1},
		{Name: 17, Type: uint32(elf.SHT_STRTAB), Off: shstrOff, Size: uint32(len(shstrtab)), Addralign: 1},
	}

	var hdr elf.Header32
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(class)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	hdr.Type = uint16(typ)
	hdr.Machine = uint16(machine)
	hdr.Version = uint32(elf.EV_CURRENT)
	hdr.Entry = img.Entry
	hdr.Phoff = ehsize
	hdr.Shoff = shOff
	hdr.Flags = 0x05000000
	hdr.Ehsize = ehsize
	hdr.Phentsize = phsize
	hdr.Phnum = uint16(len(progs))
	hdr.Shentsize = shsize
	hdr.Shnum = uint16(len(sections))
	hdr.Shstrndx = 3

	var out bytes.Buffer
	if err := binary.Write(&out, binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}
	if err := binary.Write(&out, binary.LittleEndian, progs); err != nil {
		return nil, err
	}
	out.Write(body.Bytes())
	if err := binary.Write(&out, binary.LittleEndian, sections); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// WriteFile serializes the image into dir and returns the file path.
func (img *Image) WriteFile(dir, name string) (string, error) {
	b, err := img.Bytes()
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
