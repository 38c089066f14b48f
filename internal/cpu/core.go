package cpu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"

	"github.com/zboralski/seemu/internal/mem"
)

// Memory is the bus the core executes against. *mem.Space implements it.
type Memory interface {
	Fetch(addr uint32, p []byte) error
	ReadInto(addr uint32, p []byte) error
	Write(addr uint32, p []byte) error
}

// EventKind classifies the outcome of one step.
type EventKind int

const (
	EventContinue EventKind = iota
	EventSyscall
	EventFault
	EventBreakpoint
	EventHalted
	EventCrashed
)

var eventNames = [...]string{"continue", "syscall", "fault", "breakpoint", "halted", "crashed"}

func (k EventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is the result of Step. PC is the address of the instruction that
// produced it.
type Event struct {
	Kind EventKind
	PC   uint32
	// Imm is the SVC or BKPT immediate.
	Imm   uint8
	Fault *mem.Fault
	Err   error
}

// Core is a single ARMv7-M hart. It is not safe for concurrent use.
type Core struct {
	State

	mem  Memory
	exit uint32

	steps uint64
	// per-step scratch
	cur     uint32
	next    uint32
	inIT    bool
	buf     [8]byte
	decoded Inst

	// Hook, when set, is called before each executed instruction.
	Hook func(pc uint32, in *Inst)
}

// New returns a core bound to m. Reaching exit halts execution.
func New(m Memory, exit uint32) *Core {
	return &Core{mem: m, exit: exit &^ 1}
}

// Reset clears the register state and enters thread mode at entry with the
// given stack pointer. LR is set so that returning from entry reaches the
// exit address.
func (c *Core) Reset(entry, sp uint32) {
	c.State = State{Privileged: true}
	c.R[rSP] = sp &^ 3
	c.R[rLR] = c.exit | 1
	c.R[rPC] = entry &^ 1
	c.steps = 0
}

// Steps returns the number of instructions retired since Reset.
func (c *Core) Steps() uint64 { return c.steps }

// ExitAddress returns the halt sentinel.
func (c *Core) ExitAddress() uint32 { return c.exit }

// Rebind replaces the memory bus, keeping register state.
func (c *Core) Rebind(m Memory) { c.mem = m }

// Step executes one instruction.
func (c *Core) Step() Event {
	pc := c.R[rPC]
	if pc == c.exit {
		return Event{Kind: EventHalted, PC: pc}
	}

	in, err := c.fetch(pc)
	if err != nil {
		return c.failed(pc, err)
	}
	if in.Op == OpInvalid {
		return Event{Kind: EventCrashed, PC: pc, Err: &IllegalInstruction{PC: pc, Raw: in.Raw, Size: in.Size}}
	}

	c.cur = pc
	c.next = pc + uint32(in.Size)
	c.inIT = c.InIT() && in.Op != OpIT
	if c.inIT {
		cond := Cond(c.IT >> 4)
		c.advanceIT()
		if !c.Flags.Passed(cond) {
			c.R[rPC] = c.next
			c.steps++
			return Event{Kind: EventContinue, PC: pc}
		}
	}
	if c.Hook != nil {
		c.Hook(pc, in)
	}

	kind, err := c.exec(in)
	if err != nil {
		return c.failed(pc, err)
	}
	c.R[rPC] = c.next
	c.steps++
	ev := Event{Kind: kind, PC: pc}
	if kind == EventSyscall || kind == EventBreakpoint {
		ev.Imm = uint8(in.Imm)
	}
	return ev
}

func (c *Core) failed(pc uint32, err error) Event {
	c.R[rPC] = pc
	var f *mem.Fault
	if errors.As(err, &f) {
		return Event{Kind: EventFault, PC: pc, Fault: f, Err: err}
	}
	return Event{Kind: EventCrashed, PC: pc, Err: err}
}

func (c *Core) fetch(pc uint32) (*Inst, error) {
	if err := c.mem.Fetch(pc, c.buf[:2]); err != nil {
		return nil, err
	}
	hw1 := binary.LittleEndian.Uint16(c.buf[:2])
	var hw2 uint16
	if Is32(hw1) {
		if err := c.mem.Fetch(pc+2, c.buf[2:4]); err != nil {
			return nil, err
		}
		hw2 = binary.LittleEndian.Uint16(c.buf[2:4])
	}
	c.decoded = Decode(hw1, hw2)
	return &c.decoded, nil
}

// Peek decodes the instruction at addr without executing it.
func (c *Core) Peek(addr uint32) (Inst, error) {
	in, err := c.fetch(addr)
	if err != nil {
		return Inst{}, err
	}
	return *in, nil
}

// reg reads a register as an operand: PC reads as the current instruction
// address plus 4.
func (c *Core) reg(n uint8) uint32 {
	if n == rPC {
		return c.cur + 4
	}
	return c.R[n]
}

func (c *Core) setReg(n uint8, v uint32) {
	if n == rPC {
		c.next = v &^ 1
		return
	}
	c.R[n] = v
}

// bxWritePC is an interworking branch: bit 0 must select Thumb state.
func (c *Core) bxWritePC(v uint32) error {
	if v&1 == 0 {
		return &InvalidState{PC: c.cur, Target: v}
	}
	c.next = v &^ 1
	return nil
}

func (c *Core) setNZ(r uint32) {
	c.N = r>>31 != 0
	c.Z = r == 0
}

func (c *Core) flagsOn(in *Inst) bool {
	return in.SetFlags && !(in.FlagsOutsideIT && c.inIT)
}

func (c *Core) load(addr uint32, width uint8, signed bool) (uint32, error) {
	p := c.buf[4 : 4+width]
	if err := c.mem.ReadInto(addr, p); err != nil {
		return 0, err
	}
	switch width {
	case 1:
		if signed {
			return uint32(int8(p[0])), nil
		}
		return uint32(p[0]), nil
	case 2:
		v := binary.LittleEndian.Uint16(p)
		if signed {
			return uint32(int16(v)), nil
		}
		return uint32(v), nil
	}
	return binary.LittleEndian.Uint32(p), nil
}

func (c *Core) store(addr uint32, width uint8, v uint32) error {
	p := c.buf[4 : 4+width]
	switch width {
	case 1:
		p[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(p, uint16(v))
	default:
		binary.LittleEndian.PutUint32(p, v)
	}
	return c.mem.Write(addr, p)
}

func shiftC(v uint32, typ ShiftType, n uint32, carry bool) (uint32, bool) {
	if n == 0 {
		return v, carry
	}
	switch typ {
	case ShiftLSL:
		switch {
		case n < 32:
			return v << n, v>>(32-n)&1 != 0
		case n == 32:
			return 0, v&1 != 0
		}
		return 0, false
	case ShiftLSR:
		switch {
		case n < 32:
			return v >> n, v>>(n-1)&1 != 0
		case n == 32:
			return 0, v>>31 != 0
		}
		return 0, false
	case ShiftASR:
		if n < 32 {
			return uint32(int32(v) >> n), v>>(n-1)&1 != 0
		}
		return uint32(int32(v) >> 31), v>>31 != 0
	case ShiftROR:
		r := bits.RotateLeft32(v, -int(n%32))
		return r, r>>31 != 0
	}
	// RRX
	r := v >> 1
	if carry {
		r |= 1 << 31
	}
	return r, v&1 != 0
}

func addWithCarry(x, y uint32, carry bool) (uint32, bool, bool) {
	var cin uint32
	if carry {
		cin = 1
	}
	r, cout := bits.Add32(x, y, cin)
	overflow := (x^r)&(y^r)>>31 != 0
	return r, cout != 0, overflow
}

func (c *Core) operand2(in *Inst) (uint32, bool) {
	if in.UseImm {
		carry := c.C
		if in.Carry >= 0 {
			carry = in.Carry == 1
		}
		return in.Imm, carry
	}
	return shiftC(c.reg(in.Rm), in.Shift, uint32(in.ShiftN), c.C)
}

func fieldMask(width uint32) uint32 {
	return uint32(uint64(1)<<width - 1)
}

func (c *Core) exec(in *Inst) (EventKind, error) {
	switch in.Op {
	case OpAND, OpTST, OpBIC, OpORR, OpORN, OpEOR, OpTEQ, OpMOV, OpMVN:
		op2, carry := c.operand2(in)
		var rn, r uint32
		if in.Rn != noReg {
			rn = c.reg(in.Rn)
		}
		switch in.Op {
		case OpAND, OpTST:
			r = rn & op2
		case OpBIC:
			r = rn &^ op2
		case OpORR:
			r = rn | op2
		case OpORN:
			r = rn | ^op2
		case OpEOR, OpTEQ:
			r = rn ^ op2
		case OpMOV:
			r = op2
		case OpMVN:
			r = ^op2
		}
		if in.Op != OpTST && in.Op != OpTEQ {
			c.setReg(in.Rd, r)
		}
		if c.flagsOn(in) {
			c.setNZ(r)
			c.C = carry
		}

	case OpADD, OpCMN, OpADC, OpSUB, OpCMP, OpSBC, OpRSB:
		op2, _ := c.operand2(in)
		rn := c.reg(in.Rn)
		var r uint32
		var cy, ov bool
		switch in.Op {
		case OpADD, OpCMN:
			r, cy, ov = addWithCarry(rn, op2, false)
		case OpADC:
			r, cy, ov = addWithCarry(rn, op2, c.C)
		case OpSUB, OpCMP:
			r, cy, ov = addWithCarry(rn, ^op2, true)
		case OpSBC:
			r, cy, ov = addWithCarry(rn, ^op2, c.C)
		case OpRSB:
			r, cy, ov = addWithCarry(^rn, op2, true)
		}
		if in.Op != OpCMP && in.Op != OpCMN {
			c.setReg(in.Rd, r)
		}
		if c.flagsOn(in) {
			c.setNZ(r)
			c.C, c.V = cy, ov
		}

	case OpLSL, OpLSR, OpASR, OpROR, OpRRX:
		var v, n uint32
		if in.UseImm {
			v, n = c.reg(in.Rm), in.Imm
		} else {
			v, n = c.reg(in.Rn), c.reg(in.Rm)&0xff
		}
		r, carry := shiftC(v, ShiftType(in.Op-OpLSL), n, c.C)
		c.setReg(in.Rd, r)
		if c.flagsOn(in) {
			c.setNZ(r)
			c.C = carry
		}

	case OpMOVW:
		c.setReg(in.Rd, in.Imm)
	case OpMOVT:
		c.setReg(in.Rd, c.R[in.Rd]&0xffff|in.Imm<<16)
	case OpADR:
		base := (c.cur + 4) &^ 3
		if in.Add {
			c.setReg(in.Rd, base+in.Imm)
		} else {
			c.setReg(in.Rd, base-in.Imm)
		}

	case OpMUL, OpMLA, OpMLS:
		r := c.reg(in.Rn) * c.reg(in.Rm)
		switch in.Op {
		case OpMLA:
			r += c.reg(in.Ra)
		case OpMLS:
			r = c.reg(in.Ra) - r
		}
		c.setReg(in.Rd, r)
		if c.flagsOn(in) {
			c.setNZ(r)
		}
	case OpUMULL, OpSMULL, OpUMLAL, OpSMLAL:
		var r uint64
		switch in.Op {
		case OpUMULL, OpUMLAL:
			r = uint64(c.reg(in.Rn)) * uint64(c.reg(in.Rm))
		default:
			r = uint64(int64(int32(c.reg(in.Rn))) * int64(int32(c.reg(in.Rm))))
		}
		if in.Op == OpUMLAL || in.Op == OpSMLAL {
			r += uint64(c.R[in.Rd])<<32 | uint64(c.R[in.Ra])
		}
		c.R[in.Ra] = uint32(r)
		c.R[in.Rd] = uint32(r >> 32)
	case OpUDIV:
		var r uint32
		if d := c.reg(in.Rm); d != 0 {
			r = c.reg(in.Rn) / d
		}
		c.setReg(in.Rd, r)
	case OpSDIV:
		var r int32
		if d := int32(c.reg(in.Rm)); d != 0 {
			r = int32(c.reg(in.Rn)) / d
		}
		c.setReg(in.Rd, uint32(r))

	case OpCLZ:
		c.setReg(in.Rd, uint32(bits.LeadingZeros32(c.reg(in.Rm))))
	case OpRBIT:
		c.setReg(in.Rd, bits.Reverse32(c.reg(in.Rm)))
	case OpREV:
		c.setReg(in.Rd, bits.ReverseBytes32(c.reg(in.Rm)))
	case OpREV16:
		v := c.reg(in.Rm)
		c.setReg(in.Rd, (v&0x00ff00ff)<<8|(v&0xff00ff00)>>8)
	case OpREVSH:
		v := c.reg(in.Rm)
		c.setReg(in.Rd, uint32(int16(bits.ReverseBytes16(uint16(v)))))
	case OpSXTB, OpSXTH, OpUXTB, OpUXTH, OpSXTAB, OpSXTAH, OpUXTAB, OpUXTAH:
		v := bits.RotateLeft32(c.reg(in.Rm), -int(in.ShiftN))
		switch in.Op {
		case OpSXTB, OpSXTAB:
			v = uint32(int8(v))
		case OpSXTH, OpSXTAH:
			v = uint32(int16(v))
		case OpUXTB, OpUXTAB:
			v &= 0xff
		default:
			v &= 0xffff
		}
		if in.Rn != noReg {
			v += c.reg(in.Rn)
		}
		c.setReg(in.Rd, v)
	case OpBFI, OpBFC:
		mask := fieldMask(in.Imm) << in.ShiftN
		v := c.R[in.Rd] &^ mask
		if in.Op == OpBFI {
			v |= c.reg(in.Rn) << in.ShiftN & mask
		}
		c.setReg(in.Rd, v)
	case OpUBFX:
		c.setReg(in.Rd, c.reg(in.Rn)>>in.ShiftN&fieldMask(in.Imm))
	case OpSBFX:
		v := c.reg(in.Rn) >> in.ShiftN & fieldMask(in.Imm)
		c.setReg(in.Rd, signExtend(v, uint(in.Imm)))

	case OpB:
		if in.Cond == CondAL || c.Flags.Passed(in.Cond) {
			c.next = c.cur + 4 + in.Imm
		}
	case OpBL:
		c.R[rLR] = c.next | 1
		c.next = c.cur + 4 + in.Imm
	case OpBX:
		return EventContinue, c.bxWritePC(c.reg(in.Rm))
	case OpBLX:
		target := c.reg(in.Rm)
		c.R[rLR] = c.next | 1
		return EventContinue, c.bxWritePC(target)
	case OpCBZ, OpCBNZ:
		if (c.reg(in.Rn) == 0) == (in.Op == OpCBZ) {
			c.next = c.cur + 4 + in.Imm
		}
	case OpTBB, OpTBH:
		base, idx := c.reg(in.Rn), c.reg(in.Rm)
		var off uint32
		var err error
		if in.Op == OpTBB {
			off, err = c.load(base+idx, 1, false)
		} else {
			off, err = c.load(base+idx<<1, 2, false)
		}
		if err != nil {
			return EventContinue, err
		}
		c.next = c.cur + 4 + off<<1

	case OpLDR, OpLDREX:
		addr, wb := c.address(in)
		v, err := c.load(addr, in.Width, in.Signed)
		if err != nil {
			return EventContinue, err
		}
		if in.Wback {
			c.R[in.Rn] = wb
		}
		if in.Rd == rPC {
			return EventContinue, c.bxWritePC(v)
		}
		c.R[in.Rd] = v
	case OpSTR:
		addr, wb := c.address(in)
		if err := c.store(addr, in.Width, c.reg(in.Rd)); err != nil {
			return EventContinue, err
		}
		if in.Wback {
			c.R[in.Rn] = wb
		}
	case OpSTREX:
		addr, _ := c.address(in)
		if err := c.store(addr, 4, c.reg(in.Ra)); err != nil {
			return EventContinue, err
		}
		c.R[in.Rd] = 0
	case OpLDRD:
		addr, wb := c.address(in)
		lo, err := c.load(addr, 4, false)
		if err != nil {
			return EventContinue, err
		}
		hi, err := c.load(addr+4, 4, false)
		if err != nil {
			return EventContinue, err
		}
		if in.Wback {
			c.R[in.Rn] = wb
		}
		c.R[in.Rd], c.R[in.Ra] = lo, hi
	case OpSTRD:
		addr, wb := c.address(in)
		if err := c.store(addr, 4, c.reg(in.Rd)); err != nil {
			return EventContinue, err
		}
		if err := c.store(addr+4, 4, c.reg(in.Ra)); err != nil {
			return EventContinue, err
		}
		if in.Wback {
			c.R[in.Rn] = wb
		}

	case OpLDM, OpPOP:
		rn, before, wback := in.Rn, in.Before, in.Wback
		if in.Op == OpPOP {
			rn, before, wback = rSP, false, true
		}
		return EventContinue, c.loadMultiple(rn, in.List, before, wback)
	case OpSTM, OpPUSH:
		rn, before, wback := in.Rn, in.Before, in.Wback
		if in.Op == OpPUSH {
			rn, before, wback = rSP, true, true
		}
		return EventContinue, c.storeMultiple(rn, in.List, before, wback)

	case OpSVC:
		return EventSyscall, nil
	case OpBKPT:
		return EventBreakpoint, nil
	case OpIT:
		c.IT = uint8(in.Imm)
	case OpNOP:
	case OpCPS:
		if c.Privileged && in.Imm&2 != 0 {
			c.Primask = in.Imm&0x10 != 0
		}
	case OpMRS:
		var v uint32
		switch in.Imm {
		case 0, 1, 2, 3:
			v = c.Flags.APSR()
		case 8, 9:
			v = c.R[rSP]
		case 16:
			if c.Primask {
				v = 1
			}
		case 20:
			if !c.Privileged {
				v = 1
			}
		}
		c.setReg(in.Rd, v)
	case OpMSR:
		v := c.reg(in.Rn)
		switch in.Imm {
		case 0, 1, 2, 3:
			c.Flags = flagsFromAPSR(v)
		case 8, 9:
			if c.Privileged {
				c.R[rSP] = v &^ 3
			}
		case 16:
			if c.Privileged {
				c.Primask = v&1 != 0
			}
		case 20:
			if c.Privileged {
				c.Privileged = v&1 == 0
			}
		}
	case OpUDF:
		return EventCrashed, &IllegalInstruction{PC: c.cur, Raw: in.Raw, Size: in.Size}
	default:
		return EventCrashed, &IllegalInstruction{PC: c.cur, Raw: in.Raw, Size: in.Size}
	}
	return EventContinue, nil
}

// address computes the effective and writeback addresses of a single load
// or store.
func (c *Core) address(in *Inst) (addr, wb uint32) {
	base := c.reg(in.Rn)
	if in.Rn == rPC {
		base &^= 3
	}
	off := in.Imm
	if !in.UseImm {
		off = c.reg(in.Rm) << in.ShiftN
	}
	wb = base + off
	if !in.Add {
		wb = base - off
	}
	if in.Index {
		return wb, wb
	}
	return base, wb
}

func (c *Core) loadMultiple(rn uint8, list uint16, before, wback bool) error {
	n := uint32(bits.OnesCount16(list))
	base := c.R[rn]
	addr := base
	if before {
		addr -= 4 * n
	}
	var loaded [rCount]uint32
	for r := uint8(0); r < rCount; r++ {
		if list&(1<<r) == 0 {
			continue
		}
		v, err := c.load(addr, 4, false)
		if err != nil {
			return err
		}
		loaded[r] = v
		addr += 4
	}
	if wback && list&(1<<rn) == 0 {
		if before {
			c.R[rn] = base - 4*n
		} else {
			c.R[rn] = base + 4*n
		}
	}
	for r := uint8(0); r < rPC; r++ {
		if list&(1<<r) != 0 {
			c.R[r] = loaded[r]
		}
	}
	if list&(1<<rPC) != 0 {
		return c.bxWritePC(loaded[rPC])
	}
	return nil
}

func (c *Core) storeMultiple(rn uint8, list uint16, before, wback bool) error {
	n := uint32(bits.OnesCount16(list))
	base := c.R[rn]
	addr := base
	if before {
		addr -= 4 * n
	}
	for r := uint8(0); r < rCount; r++ {
		if list&(1<<r) == 0 {
			continue
		}
		if err := c.store(addr, 4, c.reg(r)); err != nil {
			return err
		}
		addr += 4
	}
	if wback {
		if before {
			c.R[rn] = base - 4*n
		} else {
			c.R[rn] = base + 4*n
		}
	}
	return nil
}
