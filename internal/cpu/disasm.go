package cpu

import (
	"fmt"
	"strings"
)

var regNames = [rCount]string{
	"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7",
	"r8", "sb", "sl", "fp", "ip", "sp", "lr", "pc",
}

// RegName returns the conventional name of register n.
func RegName(n uint8) string {
	if int(n) < len(regNames) {
		return regNames[n]
	}
	return "?"
}

func regList(list uint16) string {
	var parts []string
	for r := uint8(0); r < rCount; r++ {
		if list&(1<<r) != 0 {
			parts = append(parts, regNames[r])
		}
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func (in Inst) String() string {
	return in.Format(0)
}

// Format renders the instruction located at pc. Branch targets are resolved
// against pc.
func (in Inst) Format(pc uint32) string {
	if in.Op == OpIT {
		pattern, cond := itPattern(uint8(in.Imm))
		return "it" + pattern + " " + cond.String()
	}
	m := in.Op.String()
	switch in.Op {
	case OpLDR, OpSTR:
		if in.Signed {
			m += "s"
		}
		switch in.Width {
		case 1:
			m += "b"
		case 2:
			m += "h"
		}
	case OpLDM, OpSTM:
		if in.Before {
			m += "db"
		}
	}
	if in.SetFlags && !isCompare(in.Op) {
		m += "s"
	}
	if in.Op == OpB && in.Cond != CondAL {
		m += in.Cond.String()
	}
	if in.Size == 4 && in.Op != OpBL && in.Op != OpMOVW && in.Op != OpMOVT && !isSys(in.Op) {
		m += ".w"
	}

	ops := in.operands(pc)
	if ops == "" {
		return m
	}
	return m + " " + ops
}

func isCompare(op Op) bool {
	return op == OpCMP || op == OpCMN || op == OpTST || op == OpTEQ
}

func isSys(op Op) bool {
	switch op {
	case OpSVC, OpBKPT, OpIT, OpCPS, OpMRS, OpMSR, OpNOP, OpUDF:
		return true
	}
	return false
}

func (in Inst) shifted() string {
	s := RegName(in.Rm)
	if in.Shift == ShiftRRX {
		return s + ", rrx"
	}
	if in.ShiftN != 0 {
		s += fmt.Sprintf(", %s #%d", in.Shift, in.ShiftN)
	}
	return s
}

func (in Inst) operands(pc uint32) string {
	target := func() string { return fmt.Sprintf("0x%x", pc+4+in.Imm) }

	switch in.Op {
	case OpAND, OpEOR, OpSUB, OpRSB, OpADD, OpADC, OpSBC, OpORR, OpORN, OpBIC:
		op2 := fmt.Sprintf("#%d", in.Imm)
		if !in.UseImm {
			op2 = in.shifted()
		}
		return fmt.Sprintf("%s, %s, %s", RegName(in.Rd), RegName(in.Rn), op2)
	case OpMOV, OpMVN:
		if in.UseImm {
			return fmt.Sprintf("%s, #%d", RegName(in.Rd), in.Imm)
		}
		return fmt.Sprintf("%s, %s", RegName(in.Rd), in.shifted())
	case OpTST, OpTEQ, OpCMP, OpCMN:
		if in.UseImm {
			return fmt.Sprintf("%s, #%d", RegName(in.Rn), in.Imm)
		}
		return fmt.Sprintf("%s, %s", RegName(in.Rn), in.shifted())
	case OpLSL, OpLSR, OpASR, OpROR:
		if in.UseImm {
			return fmt.Sprintf("%s, %s, #%d", RegName(in.Rd), RegName(in.Rm), in.Imm)
		}
		return fmt.Sprintf("%s, %s, %s", RegName(in.Rd), RegName(in.Rn), RegName(in.Rm))
	case OpRRX:
		return fmt.Sprintf("%s, %s", RegName(in.Rd), RegName(in.Rm))
	case OpMOVW, OpMOVT:
		return fmt.Sprintf("%s, #0x%x", RegName(in.Rd), in.Imm)
	case OpADR:
		base := (pc + 4) &^ 3
		if in.Add {
			return fmt.Sprintf("%s, 0x%x", RegName(in.Rd), base+in.Imm)
		}
		return fmt.Sprintf("%s, 0x%x", RegName(in.Rd), base-in.Imm)

	case OpMUL, OpUDIV, OpSDIV:
		return fmt.Sprintf("%s, %s, %s", RegName(in.Rd), RegName(in.Rn), RegName(in.Rm))
	case OpMLA, OpMLS:
		return fmt.Sprintf("%s, %s, %s, %s", RegName(in.Rd), RegName(in.Rn), RegName(in.Rm), RegName(in.Ra))
	case OpUMULL, OpSMULL, OpUMLAL, OpSMLAL:
		return fmt.Sprintf("%s, %s, %s, %s", RegName(in.Ra), RegName(in.Rd), RegName(in.Rn), RegName(in.Rm))

	case OpCLZ, OpRBIT, OpREV, OpREV16, OpREVSH:
		return fmt.Sprintf("%s, %s", RegName(in.Rd), RegName(in.Rm))
	case OpSXTB, OpSXTH, OpUXTB, OpUXTH:
		s := fmt.Sprintf("%s, %s", RegName(in.Rd), RegName(in.Rm))
		if in.ShiftN != 0 {
			s += fmt.Sprintf(", ror #%d", in.ShiftN)
		}
		return s
	case OpSXTAB, OpSXTAH, OpUXTAB, OpUXTAH:
		s := fmt.Sprintf("%s, %s, %s", RegName(in.Rd), RegName(in.Rn), RegName(in.Rm))
		if in.ShiftN != 0 {
			s += fmt.Sprintf(", ror #%d", in.ShiftN)
		}
		return s
	case OpBFI, OpUBFX, OpSBFX:
		return fmt.Sprintf("%s, %s, #%d, #%d", RegName(in.Rd), RegName(in.Rn), in.ShiftN, in.Imm)
	case OpBFC:
		return fmt.Sprintf("%s, #%d, #%d", RegName(in.Rd), in.ShiftN, in.Imm)

	case OpB, OpBL:
		return target()
	case OpCBZ, OpCBNZ:
		return fmt.Sprintf("%s, %s", RegName(in.Rn), target())
	case OpBX, OpBLX:
		return RegName(in.Rm)
	case OpTBB:
		return fmt.Sprintf("[%s, %s]", RegName(in.Rn), RegName(in.Rm))
	case OpTBH:
		return fmt.Sprintf("[%s, %s, lsl #1]", RegName(in.Rn), RegName(in.Rm))

	case OpLDR, OpSTR, OpLDREX:
		return fmt.Sprintf("%s, %s", RegName(in.Rd), in.memOperand(pc))
	case OpSTREX:
		return fmt.Sprintf("%s, %s, %s", RegName(in.Rd), RegName(in.Ra), in.memOperand(pc))
	case OpLDRD, OpSTRD:
		return fmt.Sprintf("%s, %s, %s", RegName(in.Rd), RegName(in.Ra), in.memOperand(pc))
	case OpLDM, OpSTM:
		s := RegName(in.Rn)
		if in.Wback {
			s += "!"
		}
		return s + ", " + regList(in.List)
	case OpPUSH, OpPOP:
		return regList(in.List)

	case OpSVC, OpBKPT, OpUDF:
		return fmt.Sprintf("#%d", in.Imm)
	case OpMRS:
		return fmt.Sprintf("%s, %s", RegName(in.Rd), sysRegName(in.Imm))
	case OpMSR:
		return fmt.Sprintf("%s, %s", sysRegName(in.Imm), RegName(in.Rn))
	case OpCPS:
		if in.Imm&0x10 != 0 {
			return "id i"
		}
		return "ie i"
	}
	return ""
}

func (in Inst) memOperand(pc uint32) string {
	if in.Rn == rPC && in.UseImm {
		base := (pc + 4) &^ 3
		if in.Add {
			return fmt.Sprintf("[pc, #%d] ; 0x%x", in.Imm, base+in.Imm)
		}
		return fmt.Sprintf("[pc, #-%d] ; 0x%x", in.Imm, base-in.Imm)
	}
	off := ""
	switch {
	case !in.UseImm:
		off = ", " + RegName(in.Rm)
		if in.ShiftN != 0 {
			off += fmt.Sprintf(", lsl #%d", in.ShiftN)
		}
	case in.Imm != 0 || !in.Index:
		sign := ""
		if !in.Add {
			sign = "-"
		}
		off = fmt.Sprintf(", #%s%d", sign, in.Imm)
	}
	switch {
	case !in.Index:
		return fmt.Sprintf("[%s]%s", RegName(in.Rn), off)
	case in.Wback:
		return fmt.Sprintf("[%s%s]!", RegName(in.Rn), off)
	}
	return fmt.Sprintf("[%s%s]", RegName(in.Rn), off)
}

func sysRegName(sysm uint32) string {
	switch sysm {
	case 0, 1, 2, 3:
		return "apsr"
	case 5:
		return "ipsr"
	case 8:
		return "msp"
	case 9:
		return "psp"
	case 16:
		return "primask"
	case 20:
		return "control"
	}
	return fmt.Sprintf("sysm%d", sysm)
}

// itPattern returns the then/else pattern and base condition of an IT
// instruction.
func itPattern(it uint8) (string, Cond) {
	first := Cond(it >> 4)
	mask := it & 0xf
	var b strings.Builder
	for i := 0; i < 3-bitsTrailing(mask); i++ {
		if mask>>(3-i)&1 == uint8(first)&1 {
			b.WriteByte('t')
		} else {
			b.WriteByte('e')
		}
	}
	return b.String(), first
}

func bitsTrailing(v uint8) int {
	for i := 0; i < 4; i++ {
		if v&(1<<i) != 0 {
			return i
		}
	}
	return 4
}
