// Package cpu implements an ARMv7-M core executing Thumb and the Thumb-2
// subset emitted by secure-element SDK toolchains.
package cpu

import (
	"fmt"
	"strings"
)

// register names.
const (
	rSB = 9 + iota // static base
	rSL            // stack limit
	rFP            // frame pointer
	rIP            // intra-procedure-call scratch register
	rSP
	rLR
	rPC
	rCount
)

// Exported register aliases for collaborators.
const (
	SP = rSP
	LR = rLR
	PC = rPC
)

// Mode is the processor mode.
type Mode int

const (
	ModeThread Mode = iota
	ModeHandler
)

func (m Mode) String() string {
	if m == ModeHandler {
		return "handler"
	}
	return "thread"
}

// Flags is the APSR condition flag set.
type Flags struct {
	N, Z, C, V bool
}

func (f Flags) String() string {
	b := []byte("nzcv")
	if f.N {
		b[0] = 'N'
	}
	if f.Z {
		b[1] = 'Z'
	}
	if f.C {
		b[2] = 'C'
	}
	if f.V {
		b[3] = 'V'
	}
	return string(b)
}

// APSR packs the flags into bits [31:28].
func (f Flags) APSR() uint32 {
	var v uint32
	if f.N {
		v |= 1 << 31
	}
	if f.Z {
		v |= 1 << 30
	}
	if f.C {
		v |= 1 << 29
	}
	if f.V {
		v |= 1 << 28
	}
	return v
}

func flagsFromAPSR(v uint32) Flags {
	return Flags{N: v&(1<<31) != 0, Z: v&(1<<30) != 0, C: v&(1<<29) != 0, V: v&(1<<28) != 0}
}

// State is the architectural register state. It is a plain value: copying it
// yields an independent snapshot.
type State struct {
	R [rCount]uint32
	Flags

	// ITSTATE: [7:4] base condition, [3:0] mask
	IT uint8

	Mode       Mode
	Privileged bool
	Primask    bool
}

// InIT reports whether the next instruction is inside an IT block.
func (s *State) InIT() bool {
	return s.IT&0x0f != 0
}

func (s *State) advanceIT() {
	if s.IT&0x07 == 0 {
		s.IT = 0
	} else {
		s.IT = s.IT&0xe0 | (s.IT<<1)&0x1f
	}
}

func (s State) String() string {
	var b strings.Builder
	for i := 0; i < 13; i++ {
		fmt.Fprintf(&b, "r%-2d=%08x ", i, s.R[i])
		if i%4 == 3 {
			b.WriteByte('\n')
		}
	}
	fmt.Fprintf(&b, "sp=%08x lr=%08x pc=%08x %s %s", s.R[rSP], s.R[rLR], s.R[rPC], s.Flags, s.Mode)
	return b.String()
}

// Cond is an ARM condition code.
type Cond uint8

const (
	CondEQ Cond = iota
	CondNE
	CondCS
	CondCC
	CondMI
	CondPL
	CondVS
	CondVC
	CondHI
	CondLS
	CondGE
	CondLT
	CondGT
	CondLE
	CondAL
)

var condNames = [...]string{"eq", "ne", "cs", "cc", "mi", "pl", "vs", "vc", "hi", "ls", "ge", "lt", "gt", "le", "", ""}

func (c Cond) String() string {
	return condNames[c&0xf]
}

// Passed evaluates the condition against the flags.
func (f Flags) Passed(c Cond) bool {
	var r bool
	switch c >> 1 {
	case 0:
		r = f.Z
	case 1:
		r = f.C
	case 2:
		r = f.N
	case 3:
		r = f.V
	case 4:
		r = f.C && !f.Z
	case 5:
		r = f.N == f.V
	case 6:
		r = f.N == f.V && !f.Z
	case 7:
		return true
	}
	if c&1 == 1 {
		return !r
	}
	return r
}
