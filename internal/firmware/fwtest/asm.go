// Package fwtest builds small Thumb firmware images for tests: a label
// resolving assembler for the instructions test programs need and an ELF32
// writer.
package fwtest

import (
	"encoding/binary"
	"fmt"
)

// Cond codes for BCond.
const (
	EQ = iota
	NE
	CS
	CC
	MI
	PL
	VS
	VC
	HI
	LS
	GE
	LT
	GT
	LE
)

// Register numbers.
const (
	R0 = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	SP = 13
	LR = 14
	PC = 15
)

// SVC ABI: r0 carries the syscall id and r1 the parameter block pointer.
const SyscallImm = 1

type fixKind int

const (
	fixB fixKind = iota
	fixBCond
	fixBL
	fixCBZ
	fixLit
	fixAdr
	fixWord
)

type fixup struct {
	kind  fixKind
	pos   int
	label string
	// thumb sets bit 0 on resolved word addresses
	thumb bool
	// literal pool slot for fixLit
	slot int
}

type literal struct {
	pos   int // position of the LDR
	value uint32
	label string
	thumb bool
}

// Asm assembles Thumb code at a fixed base address.
type Asm struct {
	base    uint32
	buf     []byte
	labels  map[string]uint32
	fixups  []fixup
	pending []literal
	err     error
}

// New returns an assembler emitting code at base.
func New(base uint32) *Asm {
	return &Asm{base: base, labels: make(map[string]uint32)}
}

// Base returns the load address.
func (a *Asm) Base() uint32 { return a.base }

// PC returns the address of the next emitted byte.
func (a *Asm) PC() uint32 { return a.base + uint32(len(a.buf)) }

func (a *Asm) fail(format string, args ...any) {
	if a.err == nil {
		a.err = fmt.Errorf(format, args...)
	}
}

func (a *Asm) h(hw uint16) {
	a.buf = binary.LittleEndian.AppendUint16(a.buf, hw)
}

func (a *Asm) lowReg(regs ...int) {
	for _, r := range regs {
		if r < 0 || r > 7 {
			a.fail("register r%d is not a low register at 0x%x", r, a.PC())
		}
	}
}

// Label binds name to the current address.
func (a *Asm) Label(name string) {
	if _, dup := a.labels[name]; dup {
		a.fail("duplicate label %q", name)
	}
	a.labels[name] = a.PC()
}

// Addr returns the address bound to a label.
func (a *Asm) Addr(name string) (uint32, bool) {
	v, ok := a.labels[name]
	return v, ok
}

// Labels returns a copy of the label table.
func (a *Asm) Labels() map[string]uint32 {
	out := make(map[string]uint32, len(a.labels))
	for k, v := range a.labels {
		out[k] = v
	}
	return out
}

// Movs emits movs rd, #imm8.
func (a *Asm) Movs(rd int, imm uint8) {
	a.lowReg(rd)
	a.h(0x2000 | uint16(rd)<<8 | uint16(imm))
}

// Cmp emits cmp rn, #imm8.
func (a *Asm) Cmp(rn int, imm uint8) {
	a.lowReg(rn)
	a.h(0x2800 | uint16(rn)<<8 | uint16(imm))
}

// AddsImm emits adds rdn, #imm8.
func (a *Asm) AddsImm(rdn int, imm uint8) {
	a.lowReg(rdn)
	a.h(0x3000 | uint16(rdn)<<8 | uint16(imm))
}

// SubsImm emits subs rdn, #imm8.
func (a *Asm) SubsImm(rdn int, imm uint8) {
	a.lowReg(rdn)
	a.h(0x3800 | uint16(rdn)<<8 | uint16(imm))
}

// Adds emits adds rd, rn, rm.
func (a *Asm) Adds(rd, rn, rm int) {
	a.lowReg(rd, rn, rm)
	a.h(0x1800 | uint16(rm)<<6 | uint16(rn)<<3 | uint16(rd))
}

// Subs emits subs rd, rn, rm.
func (a *Asm) Subs(rd, rn, rm int) {
	a.lowReg(rd, rn, rm)
	a.h(0x1a00 | uint16(rm)<<6 | uint16(rn)<<3 | uint16(rd))
}

// Lsls emits lsls rd, rm, #imm5.
func (a *Asm) Lsls(rd, rm int, imm uint8) {
	a.lowReg(rd, rm)
	a.h(uint16(imm&0x1f)<<6 | uint16(rm)<<3 | uint16(rd))
}

// Mov emits the high-register mov rd, rm.
func (a *Asm) Mov(rd, rm int) {
	a.h(0x4600 | uint16(rd&8)<<4 | uint16(rm)<<3 | uint16(rd&7))
}

// Movw emits movw rd, #imm16.
func (a *Asm) Movw(rd int, imm uint16) { a.mov16(0xf240, rd, imm) }

// Movt emits movt rd, #imm16.
func (a *Asm) Movt(rd int, imm uint16) { a.mov16(0xf2c0, rd, imm) }

func (a *Asm) mov16(op uint16, rd int, imm uint16) {
	i := imm >> 11 & 1
	a.h(op | i<<10 | imm>>12)
	a.h((imm>>8&7)<<12 | uint16(rd)<<8 | imm&0xff)
}

// MovImm32 loads a 32-bit constant with movw/movt.
func (a *Asm) MovImm32(rd int, v uint32) {
	a.Movw(rd, uint16(v))
	if v>>16 != 0 {
		a.Movt(rd, uint16(v>>16))
	}
}

func (a *Asm) memImm(op uint16, rt, rn int, imm uint32, scale uint32) {
	a.lowReg(rt, rn)
	if imm%scale != 0 || imm/scale > 31 {
		a.fail("offset %d out of range at 0x%x", imm, a.PC())
	}
	a.h(op | uint16(imm/scale)<<6 | uint16(rn)<<3 | uint16(rt))
}

// Ldr emits ldr rt, [rn, #imm].
func (a *Asm) Ldr(rt, rn int, imm uint32) { a.memImm(0x6800, rt, rn, imm, 4) }

// Str emits str rt, [rn, #imm].
func (a *Asm) Str(rt, rn int, imm uint32) { a.memImm(0x6000, rt, rn, imm, 4) }

// Ldrb emits ldrb rt, [rn, #imm].
func (a *Asm) Ldrb(rt, rn int, imm uint32) { a.memImm(0x7800, rt, rn, imm, 1) }

// Strb emits strb rt, [rn, #imm].
func (a *Asm) Strb(rt, rn int, imm uint32) { a.memImm(0x7000, rt, rn, imm, 1) }

// LdrConst loads a constant from the literal pool.
func (a *Asm) LdrConst(rt int, v uint32) {
	a.lowReg(rt)
	a.pending = append(a.pending, literal{pos: len(a.buf), value: v})
	a.h(0x4800 | uint16(rt)<<8)
}

// LdrAddr loads the address of a label from the literal pool.
func (a *Asm) LdrAddr(rt int, label string) {
	a.lowReg(rt)
	a.pending = append(a.pending, literal{pos: len(a.buf), label: label})
	a.h(0x4800 | uint16(rt)<<8)
}

// Adr emits adr rd, label. The label must be word aligned and ahead.
func (a *Asm) Adr(rd int, label string) {
	a.lowReg(rd)
	a.fixups = append(a.fixups, fixup{kind: fixAdr, pos: len(a.buf), label: label})
	a.h(0xa000 | uint16(rd)<<8)
}

// B emits an unconditional branch.
func (a *Asm) B(label string) {
	a.fixups = append(a.fixups, fixup{kind: fixB, pos: len(a.buf), label: label})
	a.h(0xe000)
}

// BCond emits b<cond> label.
func (a *Asm) BCond(cond int, label string) {
	a.fixups = append(a.fixups, fixup{kind: fixBCond, pos: len(a.buf), label: label})
	a.h(0xd000 | uint16(cond)<<8)
}

// Cbz emits cbz rn, label.
func (a *Asm) Cbz(rn int, label string) {
	a.lowReg(rn)
	a.fixups = append(a.fixups, fixup{kind: fixCBZ, pos: len(a.buf), label: label})
	a.h(0xb100 | uint16(rn))
}

// BL emits bl label.
func (a *Asm) BL(label string) {
	a.fixups = append(a.fixups, fixup{kind: fixBL, pos: len(a.buf), label: label})
	a.h(0xf000)
	a.h(0xf800)
}

// Bx emits bx rm.
func (a *Asm) Bx(rm int) { a.h(0x4700 | uint16(rm)<<3) }

// Blx emits blx rm.
func (a *Asm) Blx(rm int) { a.h(0x4780 | uint16(rm)<<3) }

// Ret emits bx lr.
func (a *Asm) Ret() { a.Bx(LR) }

// Push emits push {regs}. LR is allowed.
func (a *Asm) Push(regs ...int) { a.pushPop(0xb400, LR, regs) }

// Pop emits pop {regs}. PC is allowed.
func (a *Asm) Pop(regs ...int) { a.pushPop(0xbc00, PC, regs) }

func (a *Asm) pushPop(op uint16, extra int, regs []int) {
	for _, r := range regs {
		switch {
		case r == extra:
			op |= 0x100
		case r >= 0 && r < 8:
			op |= 1 << r
		default:
			a.fail("register r%d not allowed in push/pop", r)
		}
	}
	a.h(op)
}

// Svc emits svc #imm.
func (a *Asm) Svc(imm uint8) { a.h(0xdf00 | uint16(imm)) }

// Bkpt emits bkpt #imm.
func (a *Asm) Bkpt(imm uint8) { a.h(0xbe00 | uint16(imm)) }

// Nop emits nop.
func (a *Asm) Nop() { a.h(0xbf00) }

// Udf emits a permanently undefined instruction.
func (a *Asm) Udf() { a.h(0xde00) }

// Raw emits halfwords verbatim.
func (a *Asm) Raw(hws ...uint16) {
	for _, hw := range hws {
		a.h(hw)
	}
}

// Syscall emits the call sequence for syscall id with r1 pointing at the
// parameter block bound to params. An empty params leaves r1 as zero.
func (a *Asm) Syscall(id uint32, params string) {
	a.LdrConst(R0, id)
	if params == "" {
		a.Movs(R1, 0)
	} else {
		a.LdrAddr(R1, params)
	}
	a.Svc(SyscallImm)
}

// Align pads with zero bytes to a multiple of n.
func (a *Asm) Align(n int) {
	for len(a.buf)%n != 0 {
		a.buf = append(a.buf, 0)
	}
}

// Word emits a 32-bit little-endian constant.
func (a *Asm) Word(v uint32) {
	a.buf = binary.LittleEndian.AppendUint32(a.buf, v)
}

// WordAddr emits the address of label.
func (a *Asm) WordAddr(label string) {
	a.fixups = append(a.fixups, fixup{kind: fixWord, pos: len(a.buf), label: label})
	a.Word(0)
}

// Bytes emits raw data.
func (a *Asm) Bytes(b []byte) { a.buf = append(a.buf, b...) }

// Data binds label to an aligned block of words.
func (a *Asm) Data(label string, words ...uint32) {
	a.Align(4)
	a.Label(label)
	for _, w := range words {
		a.Word(w)
	}
}

// Pool flushes pending literals at the next word boundary.
func (a *Asm) Pool() {
	if len(a.pending) == 0 {
		return
	}
	if len(a.buf)%4 != 0 {
		a.Nop()
	}
	for _, lit := range a.pending {
		slot := len(a.buf)
		a.fixups = append(a.fixups, fixup{kind: fixLit, pos: lit.pos, slot: slot})
		if lit.label != "" {
			a.fixups = append(a.fixups, fixup{kind: fixWord, pos: slot, label: lit.label, thumb: lit.thumb})
		}
		a.Word(lit.value)
	}
	a.pending = nil
}

// Assemble resolves labels and returns the code bytes.
func (a *Asm) Assemble() ([]byte, error) {
	a.Pool()
	if a.err != nil {
		return nil, a.err
	}
	for _, f := range a.fixups {
		if err := a.resolve(f); err != nil {
			return nil, err
		}
	}
	out := make([]byte, len(a.buf))
	copy(out, a.buf)
	return out, nil
}

func (a *Asm) resolve(f fixup) error {
	pc := a.base + uint32(f.pos)
	var target uint32
	if f.kind != fixLit {
		t, ok := a.labels[f.label]
		if !ok {
			return fmt.Errorf("undefined label %q", f.label)
		}
		target = t
	}
	off := int64(target) - int64(pc+4)
	hw := binary.LittleEndian.Uint16(a.buf[f.pos:])
	put := func(v uint16) { binary.LittleEndian.PutUint16(a.buf[f.pos:], v) }

	switch f.kind {
	case fixB:
		if off < -2048 || off > 2046 {
			return fmt.Errorf("branch to %q out of range", f.label)
		}
		put(hw | uint16(off>>1)&0x7ff)
	case fixBCond:
		if off < -256 || off > 254 {
			return fmt.Errorf("conditional branch to %q out of range", f.label)
		}
		put(hw | uint16(off>>1)&0xff)
	case fixCBZ:
		if off < 0 || off > 126 {
			return fmt.Errorf("cbz to %q out of range", f.label)
		}
		put(hw | uint16(off>>6&1)<<9 | uint16(off>>1&0x1f)<<3)
	case fixBL:
		if off < -(1<<24) || off >= 1<<24 {
			return fmt.Errorf("bl to %q out of range", f.label)
		}
		v := uint32(off)
		s := v >> 24 & 1
		i1 := v >> 23 & 1
		i2 := v >> 22 & 1
		j1 := (^i1 ^ s) & 1
		j2 := (^i2 ^ s) & 1
		put(0xf000 | uint16(s)<<10 | uint16(v>>12&0x3ff))
		binary.LittleEndian.PutUint16(a.buf[f.pos+2:],
			0xd000|uint16(j1)<<13|uint16(j2)<<11|uint16(v>>1&0x7ff))
	case fixLit:
		base := (pc + 4) &^ 3
		lit := a.base + uint32(f.slot)
		d := int64(lit) - int64(base)
		if d < 0 || d > 1020 {
			return fmt.Errorf("literal at 0x%x out of range of ldr at 0x%x", lit, pc)
		}
		put(hw | uint16(d>>2))
	case fixAdr:
		base := (pc + 4) &^ 3
		d := int64(target) - int64(base)
		if d < 0 || d > 1020 || d%4 != 0 {
			return fmt.Errorf("adr to %q out of range", f.label)
		}
		put(hw | uint16(d>>2))
	case fixWord:
		if f.thumb {
			target |= 1
		}
		binary.LittleEndian.PutUint32(a.buf[f.pos:], target)
	}
	return nil
}
