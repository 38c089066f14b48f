package cpu

import "fmt"

// Op identifies a decoded operation.
type Op uint8

const (
	OpInvalid Op = iota

	// data processing
	OpAND
	OpEOR
	OpSUB
	OpRSB
	OpADD
	OpADC
	OpSBC
	OpORR
	OpORN
	OpBIC
	OpMOV
	OpMVN
	OpTST
	OpTEQ
	OpCMP
	OpCMN
	OpLSL
	OpLSR
	OpASR
	OpROR
	OpRRX
	OpMOVW
	OpMOVT
	OpADR

	// multiply and divide
	OpMUL
	OpMLA
	OpMLS
	OpUMULL
	OpSMULL
	OpUMLAL
	OpSMLAL
	OpUDIV
	OpSDIV

	// bit manipulation
	OpCLZ
	OpRBIT
	OpREV
	OpREV16
	OpREVSH
	OpSXTB
	OpSXTH
	OpUXTB
	OpUXTH
	OpSXTAB
	OpSXTAH
	OpUXTAB
	OpUXTAH
	OpBFI
	OpBFC
	OpUBFX
	OpSBFX

	// branches
	OpB
	OpBL
	OpBX
	OpBLX
	OpCBZ
	OpCBNZ
	OpTBB
	OpTBH

	// loads and stores
	OpLDR
	OpSTR
	OpLDRD
	OpSTRD
	OpLDREX
	OpSTREX
	OpLDM
	OpSTM
	OpPUSH
	OpPOP

	// system
	OpSVC
	OpBKPT
	OpIT
	OpNOP
	OpCPS
	OpMRS
	OpMSR
	OpUDF

	opCount
)

var opNames = [opCount]string{
	OpInvalid: "<invalid>",
	OpAND:     "and", OpEOR: "eor", OpSUB: "sub", OpRSB: "rsb", OpADD: "add",
	OpADC: "adc", OpSBC: "sbc", OpORR: "orr", OpORN: "orn", OpBIC: "bic",
	OpMOV: "mov", OpMVN: "mvn", OpTST: "tst", OpTEQ: "teq", OpCMP: "cmp",
	OpCMN: "cmn", OpLSL: "lsl", OpLSR: "lsr", OpASR: "asr", OpROR: "ror",
	OpRRX: "rrx", OpMOVW: "movw", OpMOVT: "movt", OpADR: "adr",
	OpMUL: "mul", OpMLA: "mla", OpMLS: "mls", OpUMULL: "umull", OpSMULL: "smull",
	OpUMLAL: "umlal", OpSMLAL: "smlal", OpUDIV: "udiv", OpSDIV: "sdiv",
	OpCLZ: "clz", OpRBIT: "rbit", OpREV: "rev", OpREV16: "rev16", OpREVSH: "revsh",
	OpSXTB: "sxtb", OpSXTH: "sxth", OpUXTB: "uxtb", OpUXTH: "uxth",
	OpSXTAB: "sxtab", OpSXTAH: "sxtah", OpUXTAB: "uxtab", OpUXTAH: "uxtah",
	OpBFI: "bfi", OpBFC: "bfc", OpUBFX: "ubfx", OpSBFX: "sbfx",
	OpB: "b", OpBL: "bl", OpBX: "bx", OpBLX: "blx", OpCBZ: "cbz", OpCBNZ: "cbnz",
	OpTBB: "tbb", OpTBH: "tbh",
	OpLDR: "ldr", OpSTR: "str", OpLDRD: "ldrd", OpSTRD: "strd",
	OpLDREX: "ldrex", OpSTREX: "strex",
	OpLDM: "ldm", OpSTM: "stm", OpPUSH: "push", OpPOP: "pop",
	OpSVC: "svc", OpBKPT: "bkpt", OpIT: "it", OpNOP: "nop", OpCPS: "cps",
	OpMRS: "mrs", OpMSR: "msr", OpUDF: "udf",
}

func (o Op) String() string {
	if o < opCount && opNames[o] != "" {
		return opNames[o]
	}
	return "<invalid>"
}

// ShiftType is the barrel shifter operation applied to a register operand.
type ShiftType uint8

const (
	ShiftLSL ShiftType = iota
	ShiftLSR
	ShiftASR
	ShiftROR
	ShiftRRX
)

var shiftNames = [...]string{"lsl", "lsr", "asr", "ror", "rrx"}

func (s ShiftType) String() string { return shiftNames[s] }

// noReg marks an unused register field.
const noReg = 0xff

// Inst is one decoded instruction. Field use depends on Op; unused register
// fields hold noReg.
type Inst struct {
	Op   Op
	Size uint8 // 2 or 4 bytes
	Raw  uint32
	Cond Cond // conditional branch condition, CondAL otherwise

	Rd, Rn, Rm, Ra uint8

	Imm    uint32
	UseImm bool
	// Carry is the shifter carry-out of a modified immediate: -1 leaves C untouched.
	Carry int8

	Shift  ShiftType
	ShiftN uint8

	SetFlags bool
	// FlagsOutsideIT: SetFlags applies only when not inside an IT block (16-bit forms).
	FlagsOutsideIT bool

	// memory addressing
	Width  uint8 // 1, 2 or 4
	Signed bool
	Index  bool // offset applied before access
	Add    bool // offset added (else subtracted)
	Wback  bool
	// Before: LDM/STM decrement-before addressing
	Before bool

	List uint16
}

func newInst(op Op, size uint8, raw uint32) Inst {
	return Inst{
		Op: op, Size: size, Raw: raw, Cond: CondAL,
		Rd: noReg, Rn: noReg, Rm: noReg, Ra: noReg,
		Carry: -1, Index: true, Add: true,
	}
}

// IllegalInstruction is the crash reason for undecodable encodings.
type IllegalInstruction struct {
	PC   uint32
	Raw  uint32
	Size uint8
}

func (e *IllegalInstruction) Error() string {
	if e.Size == 4 {
		return fmt.Sprintf("illegal instruction %04x %04x at 0x%08x", e.Raw>>16, e.Raw&0xffff, e.PC)
	}
	return fmt.Sprintf("illegal instruction %04x at 0x%08x", e.Raw, e.PC)
}

// InvalidState is the crash reason for an interworking branch to an ARM-state
// address (bit 0 clear).
type InvalidState struct {
	PC     uint32
	Target uint32
}

func (e *InvalidState) Error() string {
	return fmt.Sprintf("branch to arm state 0x%08x at 0x%08x", e.Target, e.PC)
}

// Is32 reports whether a first halfword introduces a 32-bit encoding.
func Is32(hw1 uint16) bool {
	return hw1>>11 >= 0x1d
}
