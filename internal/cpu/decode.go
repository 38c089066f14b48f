package cpu

// Decode decodes the instruction starting with hw1. hw2 is consulted only
// for 32-bit encodings. Unsupported encodings decode to OpInvalid.
func Decode(hw1, hw2 uint16) Inst {
	if Is32(hw1) {
		return decode32(hw1, hw2)
	}
	return decode16(hw1)
}

func field(v uint16, hi, lo uint) uint32 {
	return uint32(v>>lo) & (1<<(hi-lo+1) - 1)
}

func bit(v uint16, n uint) bool {
	return v&(1<<n) != 0
}

func signExtend(v uint32, width uint) uint32 {
	shift := 32 - width
	return uint32(int32(v<<shift) >> shift)
}

func invalid(size uint8, raw uint32) Inst {
	return newInst(OpInvalid, size, raw)
}

var dp16Ops = [16]Op{
	OpAND, OpEOR, OpLSL, OpLSR, OpASR, OpADC, OpSBC, OpROR,
	OpTST, OpRSB, OpCMP, OpCMN, OpORR, OpMUL, OpBIC, OpMVN,
}

func decode16(hw uint16) Inst {
	raw := uint32(hw)
	in := newInst(OpInvalid, 2, raw)
	r2 := uint8(field(hw, 2, 0))
	r5 := uint8(field(hw, 5, 3))
	r8 := uint8(field(hw, 8, 6))
	r10 := uint8(field(hw, 10, 8))

	switch {
	case hw>>14 == 0: // shift, add, subtract, move, compare
		op := field(hw, 13, 9)
		switch {
		case op>>2 <= 2: // LSL, LSR, ASR immediate
			imm5 := field(hw, 10, 6)
			in.Rd, in.Rm = r2, r5
			in.UseImm, in.SetFlags, in.FlagsOutsideIT = true, true, true
			switch op >> 2 {
			case 0:
				if imm5 == 0 {
					in.Op = OpMOV
					in.UseImm = false
					return in
				}
				in.Op = OpLSL
			case 1:
				in.Op = OpLSR
			case 2:
				in.Op = OpASR
			}
			if imm5 == 0 {
				imm5 = 32
			}
			in.Imm = imm5
		case op == 0x0c, op == 0x0d: // ADD/SUB register
			in.Op = OpADD
			if op == 0x0d {
				in.Op = OpSUB
			}
			in.Rd, in.Rn, in.Rm = r2, r5, r8
			in.SetFlags, in.FlagsOutsideIT = true, true
		case op == 0x0e, op == 0x0f: // ADD/SUB imm3
			in.Op = OpADD
			if op == 0x0f {
				in.Op = OpSUB
			}
			in.Rd, in.Rn = r2, r5
			in.Imm, in.UseImm = uint32(r8), true
			in.SetFlags, in.FlagsOutsideIT = true, true
		default: // MOV, CMP, ADD, SUB imm8
			in.Imm, in.UseImm = field(hw, 7, 0), true
			in.SetFlags, in.FlagsOutsideIT = true, true
			switch op >> 2 {
			case 4:
				in.Op = OpMOV
				in.Rd = r10
			case 5:
				in.Op = OpCMP
				in.Rn = r10
				in.FlagsOutsideIT = false
			case 6:
				in.Op = OpADD
				in.Rd, in.Rn = r10, r10
			case 7:
				in.Op = OpSUB
				in.Rd, in.Rn = r10, r10
			}
		}
		return in

	case hw>>10 == 0x10: // data processing
		in.Op = dp16Ops[field(hw, 9, 6)]
		in.SetFlags, in.FlagsOutsideIT = true, true
		switch in.Op {
		case OpTST, OpCMP, OpCMN:
			in.Rn, in.Rm = r2, r5
			in.FlagsOutsideIT = false
		case OpRSB:
			in.Rd, in.Rn = r2, r5
			in.UseImm = true
		case OpMVN:
			in.Rd, in.Rm = r2, r5
		case OpMUL:
			in.Rd, in.Rn, in.Rm = r2, r5, r2
		default:
			// LSL/LSR/ASR/ROR by register shift Rn by Rm
			in.Rd, in.Rn, in.Rm = r2, r2, r5
		}
		return in

	case hw>>10 == 0x11: // special data processing, branch and exchange
		rdn := uint8(field(hw, 2, 0)) | uint8(field(hw, 7, 7))<<3
		rm := uint8(field(hw, 6, 3))
		switch field(hw, 9, 8) {
		case 0:
			in.Op = OpADD
			in.Rd, in.Rn, in.Rm = rdn, rdn, rm
		case 1:
			in.Op = OpCMP
			in.Rn, in.Rm = rdn, rm
			in.SetFlags = true
		case 2:
			in.Op = OpMOV
			in.Rd, in.Rm = rdn, rm
		case 3:
			in.Op = OpBX
			if bit(hw, 7) {
				in.Op = OpBLX
			}
			in.Rm = rm
		}
		return in

	case hw>>11 == 0x09: // LDR literal
		in.Op = OpLDR
		in.Rd, in.Rn = r10, rPC
		in.Imm, in.UseImm, in.Width = field(hw, 7, 0)<<2, true, 4
		return in

	case hw>>12 == 0x5: // load/store register offset
		in.Rd, in.Rn, in.Rm = r2, r5, r8
		in.Op = OpLDR
		switch field(hw, 11, 9) {
		case 0:
			in.Op, in.Width = OpSTR, 4
		case 1:
			in.Op, in.Width = OpSTR, 2
		case 2:
			in.Op, in.Width = OpSTR, 1
		case 3:
			in.Width, in.Signed = 1, true
		case 4:
			in.Width = 4
		case 5:
			in.Width = 2
		case 6:
			in.Width = 1
		case 7:
			in.Width, in.Signed = 2, true
		}
		return in

	case hw>>13 == 0x3: // load/store word/byte immediate
		in.Rd, in.Rn = r2, r5
		in.UseImm = true
		in.Op = OpSTR
		if bit(hw, 11) {
			in.Op = OpLDR
		}
		if bit(hw, 12) {
			in.Width, in.Imm = 1, field(hw, 10, 6)
		} else {
			in.Width, in.Imm = 4, field(hw, 10, 6)<<2
		}
		return in

	case hw>>12 == 0x8: // load/store halfword immediate
		in.Rd, in.Rn = r2, r5
		in.UseImm, in.Width, in.Imm = true, 2, field(hw, 10, 6)<<1
		in.Op = OpSTR
		if bit(hw, 11) {
			in.Op = OpLDR
		}
		return in

	case hw>>12 == 0x9: // load/store SP-relative
		in.Rd, in.Rn = r10, rSP
		in.UseImm, in.Width, in.Imm = true, 4, field(hw, 7, 0)<<2
		in.Op = OpSTR
		if bit(hw, 11) {
			in.Op = OpLDR
		}
		return in

	case hw>>11 == 0x14: // ADR
		in.Op = OpADR
		in.Rd, in.Imm, in.UseImm = r10, field(hw, 7, 0)<<2, true
		return in

	case hw>>11 == 0x15: // ADD Rd, SP, #imm
		in.Op = OpADD
		in.Rd, in.Rn = r10, rSP
		in.Imm, in.UseImm = field(hw, 7, 0)<<2, true
		return in

	case hw>>12 == 0xb:
		return decodeMisc16(hw, in)

	case hw>>11 == 0x18, hw>>11 == 0x19: // STM / LDM
		in.Op = OpSTM
		in.Rn = r10
		in.List = uint16(field(hw, 7, 0))
		in.Wback = true
		if bit(hw, 11) {
			in.Op = OpLDM
			in.Wback = in.List&(1<<r10) == 0
		}
		if in.List == 0 {
			return invalid(2, raw)
		}
		return in

	case hw>>12 == 0xd: // conditional branch, UDF, SVC
		cond := field(hw, 11, 8)
		switch cond {
		case 0xe:
			in.Op = OpUDF
			in.Imm = field(hw, 7, 0)
		case 0xf:
			in.Op = OpSVC
			in.Imm = field(hw, 7, 0)
		default:
			in.Op = OpB
			in.Cond = Cond(cond)
			in.Imm = signExtend(field(hw, 7, 0)<<1, 9)
		}
		return in

	case hw>>11 == 0x1c: // unconditional branch
		in.Op = OpB
		in.Imm = signExtend(field(hw, 10, 0)<<1, 12)
		return in
	}
	return invalid(2, raw)
}

func decodeMisc16(hw uint16, in Inst) Inst {
	raw := uint32(hw)
	r2 := uint8(field(hw, 2, 0))
	r5 := uint8(field(hw, 5, 3))
	switch {
	case hw&0xff00 == 0xb000: // ADD/SUB SP, SP, #imm7
		in.Op = OpADD
		if bit(hw, 7) {
			in.Op = OpSUB
		}
		in.Rd, in.Rn = rSP, rSP
		in.Imm, in.UseImm = field(hw, 6, 0)<<2, true
	case hw&0xf500 == 0xb100: // CBZ, CBNZ
		in.Op = OpCBZ
		if bit(hw, 11) {
			in.Op = OpCBNZ
		}
		in.Rn = r2
		in.Imm = field(hw, 9, 9)<<6 | field(hw, 7, 3)<<1
	case hw&0xff00 == 0xb200: // extend
		in.Op = [4]Op{OpSXTH, OpSXTB, OpUXTH, OpUXTB}[field(hw, 7, 6)]
		in.Rd, in.Rm = r2, r5
	case hw&0xfe00 == 0xb400: // PUSH
		in.Op = OpPUSH
		in.List = uint16(field(hw, 7, 0))
		if bit(hw, 8) {
			in.List |= 1 << rLR
		}
		if in.List == 0 {
			return invalid(2, raw)
		}
	case hw&0xffec == 0xb660: // CPS
		in.Op = OpCPS
		in.Imm = field(hw, 4, 4)<<4 | field(hw, 1, 0)
	case hw&0xff00 == 0xba00: // reverse bytes
		switch field(hw, 7, 6) {
		case 0:
			in.Op = OpREV
		case 1:
			in.Op = OpREV16
		case 3:
			in.Op = OpREVSH
		default:
			return invalid(2, raw)
		}
		in.Rd, in.Rm = r2, r5
	case hw&0xfe00 == 0xbc00: // POP
		in.Op = OpPOP
		in.List = uint16(field(hw, 7, 0))
		if bit(hw, 8) {
			in.List |= 1 << rPC
		}
		if in.List == 0 {
			return invalid(2, raw)
		}
	case hw&0xff00 == 0xbe00:
		in.Op = OpBKPT
		in.Imm = field(hw, 7, 0)
	case hw&0xff00 == 0xbf00:
		if hw&0xf != 0 {
			in.Op = OpIT
			in.Imm = field(hw, 7, 0)
			if field(hw, 7, 4) == 0xf {
				return invalid(2, raw)
			}
		} else {
			// NOP, YIELD, WFE, WFI, SEV
			in.Op = OpNOP
			in.Imm = field(hw, 7, 4)
		}
	default:
		return invalid(2, raw)
	}
	return in
}

func decode32(hw1, hw2 uint16) Inst {
	raw := uint32(hw1)<<16 | uint32(hw2)
	switch field(hw1, 12, 11) {
	case 1:
		switch {
		case hw1&0xfe40 == 0xe800:
			return decodeLoadStoreMultiple(hw1, hw2, raw)
		case hw1&0xfe40 == 0xe840:
			return decodeLoadStoreDual(hw1, hw2, raw)
		case hw1&0xfe00 == 0xea00:
			return decodeDPShiftedReg(hw1, hw2, raw)
		}
	case 2:
		if bit(hw2, 15) {
			return decodeBranchMisc(hw1, hw2, raw)
		}
		if bit(hw1, 9) {
			return decodePlainImm(hw1, hw2, raw)
		}
		return decodeModifiedImm(hw1, hw2, raw)
	case 3:
		switch {
		case hw1&0xfe00 == 0xf800:
			return decodeLoadStoreSingle(hw1, hw2, raw)
		case hw1&0xff00 == 0xfa00:
			return decodeDPReg(hw1, hw2, raw)
		case hw1&0xff80 == 0xfb00:
			return decodeMultiply(hw1, hw2, raw)
		case hw1&0xff80 == 0xfb80:
			return decodeLongMultiply(hw1, hw2, raw)
		}
	}
	return invalid(4, raw)
}

func decodeLoadStoreMultiple(hw1, hw2 uint16, raw uint32) Inst {
	in := newInst(OpSTM, 4, raw)
	if bit(hw1, 4) {
		in.Op = OpLDM
	}
	in.Rn = uint8(field(hw1, 3, 0))
	in.Wback = bit(hw1, 5)
	in.List = hw2 & 0xdfff
	if in.Op == OpSTM {
		in.List &= 0x5fff
	}
	switch field(hw1, 8, 7) {
	case 1:
		if in.Op == OpLDM && in.Rn == rSP && in.Wback {
			in.Op = OpPOP
		}
	case 2:
		in.Before = true
		if in.Op == OpSTM && in.Rn == rSP && in.Wback {
			in.Op = OpPUSH
		}
	default:
		return invalid(4, raw)
	}
	if in.List == 0 || in.Rn == rPC {
		return invalid(4, raw)
	}
	return in
}

func decodeLoadStoreDual(hw1, hw2 uint16, raw uint32) Inst {
	in := newInst(OpInvalid, 4, raw)
	rn := uint8(field(hw1, 3, 0))
	rt := uint8(field(hw2, 15, 12))
	p, u, w, l := bit(hw1, 8), bit(hw1, 7), bit(hw1, 5), bit(hw1, 4)

	if !p && !w {
		switch {
		case !u && !l: // STREX Rd, Rt, [Rn, #imm]
			in.Op = OpSTREX
			in.Rd, in.Ra, in.Rn = uint8(field(hw2, 11, 8)), rt, rn
			in.Imm, in.UseImm, in.Width = field(hw2, 7, 0)<<2, true, 4
		case !u && l:
			in.Op = OpLDREX
			in.Rd, in.Rn = rt, rn
			in.Imm, in.UseImm, in.Width = field(hw2, 7, 0)<<2, true, 4
		case u && l && hw1&0xfff0 == 0xe8d0 && hw2&0xffe0 == 0xf000:
			in.Op = OpTBB
			if bit(hw2, 4) {
				in.Op = OpTBH
			}
			in.Rn, in.Rm = rn, uint8(field(hw2, 3, 0))
		default:
			return invalid(4, raw)
		}
		return in
	}

	in.Op = OpSTRD
	if l {
		in.Op = OpLDRD
	}
	in.Rd, in.Ra, in.Rn = rt, uint8(field(hw2, 11, 8)), rn
	in.Imm, in.UseImm, in.Width = field(hw2, 7, 0)<<2, true, 4
	in.Index, in.Add, in.Wback = p, u, w
	return in
}

// the shared 4-bit opcode table of the 32-bit data processing forms
func dp32Op(op uint32, rd, rn uint8, s bool) Op {
	switch op {
	case 0x0:
		if rd == rPC && s {
			return OpTST
		}
		return OpAND
	case 0x1:
		return OpBIC
	case 0x2:
		if rn == rPC {
			return OpMOV
		}
		return OpORR
	case 0x3:
		if rn == rPC {
			return OpMVN
		}
		return OpORN
	case 0x4:
		if rd == rPC && s {
			return OpTEQ
		}
		return OpEOR
	case 0x8:
		if rd == rPC && s {
			return OpCMN
		}
		return OpADD
	case 0xa:
		return OpADC
	case 0xb:
		return OpSBC
	case 0xd:
		if rd == rPC && s {
			return OpCMP
		}
		return OpSUB
	case 0xe:
		return OpRSB
	}
	return OpInvalid
}

func assignDP(in *Inst, rd, rn uint8) {
	switch in.Op {
	case OpTST, OpTEQ, OpCMN, OpCMP:
		in.Rn = rn
	case OpMOV, OpMVN:
		in.Rd = rd
	default:
		in.Rd, in.Rn = rd, rn
	}
}

func decodeDPShiftedReg(hw1, hw2 uint16, raw uint32) Inst {
	rn := uint8(field(hw1, 3, 0))
	rd := uint8(field(hw2, 11, 8))
	s := bit(hw1, 4)
	in := newInst(dp32Op(field(hw1, 8, 5), rd, rn, s), 4, raw)
	if in.Op == OpInvalid {
		return in
	}
	in.SetFlags = s
	assignDP(&in, rd, rn)
	in.Rm = uint8(field(hw2, 3, 0))
	imm5 := uint8(field(hw2, 14, 12)<<2 | field(hw2, 7, 6))
	in.Shift, in.ShiftN = decodeImmShift(field(hw2, 5, 4), imm5)

	// MOV with a shift is the shift instruction
	if in.Op == OpMOV && (in.Shift != ShiftLSL || in.ShiftN != 0) {
		in.Op = [5]Op{OpLSL, OpLSR, OpASR, OpROR, OpRRX}[in.Shift]
		in.UseImm = true
		in.Imm = uint32(in.ShiftN)
	}
	return in
}

func decodeImmShift(typ uint32, imm5 uint8) (ShiftType, uint8) {
	switch typ {
	case 0:
		return ShiftLSL, imm5
	case 1, 2:
		if imm5 == 0 {
			imm5 = 32
		}
		return ShiftType(typ), imm5
	}
	if imm5 == 0 {
		return ShiftRRX, 1
	}
	return ShiftROR, imm5
}

// ThumbExpandImm expands a 12-bit modified immediate. carry is -1 when the
// encoding leaves the carry flag unchanged.
func ThumbExpandImm(imm12 uint32) (uint32, int8) {
	if imm12>>10 == 0 {
		b := imm12 & 0xff
		switch (imm12 >> 8) & 3 {
		case 0:
			return b, -1
		case 1:
			return b<<16 | b, -1
		case 2:
			return b<<24 | b<<8, -1
		default:
			return b<<24 | b<<16 | b<<8 | b, -1
		}
	}
	unrotated := 0x80 | imm12&0x7f
	rot := imm12 >> 7
	v := unrotated>>rot | unrotated<<(32-rot)
	return v, int8(v >> 31)
}

func decodeModifiedImm(hw1, hw2 uint16, raw uint32) Inst {
	rn := uint8(field(hw1, 3, 0))
	rd := uint8(field(hw2, 11, 8))
	s := bit(hw1, 4)
	in := newInst(dp32Op(field(hw1, 8, 5), rd, rn, s), 4, raw)
	if in.Op == OpInvalid {
		return in
	}
	in.SetFlags = s
	assignDP(&in, rd, rn)
	imm12 := field(hw1, 10, 10)<<11 | field(hw2, 14, 12)<<8 | field(hw2, 7, 0)
	in.Imm, in.Carry = ThumbExpandImm(imm12)
	in.UseImm = true
	return in
}

func decodePlainImm(hw1, hw2 uint16, raw uint32) Inst {
	in := newInst(OpInvalid, 4, raw)
	rn := uint8(field(hw1, 3, 0))
	rd := uint8(field(hw2, 11, 8))
	imm12 := field(hw1, 10, 10)<<11 | field(hw2, 14, 12)<<8 | field(hw2, 7, 0)
	lsb := uint8(field(hw2, 14, 12)<<2 | field(hw2, 7, 6))
	hi := uint8(field(hw2, 4, 0))

	in.Rd = rd
	in.UseImm = true
	switch field(hw1, 8, 4) {
	case 0x00:
		in.Op, in.Rn, in.Imm = OpADD, rn, imm12
		if rn == rPC {
			in.Op, in.Rn = OpADR, noReg
		}
	case 0x0a:
		in.Op, in.Rn, in.Imm = OpSUB, rn, imm12
		if rn == rPC {
			in.Op, in.Rn, in.Add = OpADR, noReg, false
		}
	case 0x04:
		in.Op, in.Imm = OpMOVW, field(hw1, 3, 0)<<12|imm12
	case 0x0c:
		in.Op, in.Imm = OpMOVT, field(hw1, 3, 0)<<12|imm12
	case 0x14:
		in.Op, in.Rn, in.ShiftN, in.Imm = OpSBFX, rn, lsb, uint32(hi)+1
	case 0x1c:
		in.Op, in.Rn, in.ShiftN, in.Imm = OpUBFX, rn, lsb, uint32(hi)+1
	case 0x16:
		// Imm holds the field width
		if hi < lsb {
			return invalid(4, raw)
		}
		in.Op, in.Rn, in.ShiftN, in.Imm = OpBFI, rn, lsb, uint32(hi-lsb)+1
		if rn == rPC {
			in.Op, in.Rn = OpBFC, noReg
		}
	default:
		return invalid(4, raw)
	}
	return in
}

func decodeBranchMisc(hw1, hw2 uint16, raw uint32) Inst {
	in := newInst(OpInvalid, 4, raw)
	op1 := field(hw2, 14, 12)
	s := field(hw1, 10, 10)
	j1 := field(hw2, 13, 13)
	j2 := field(hw2, 11, 11)
	imm11 := field(hw2, 10, 0)

	switch {
	case op1 == 2 && hw1&0xfff0 == 0xf7f0:
		in.Op = OpUDF
		in.Imm = field(hw1, 3, 0)<<12 | field(hw2, 11, 0)
		return in

	case op1&5 == 0:
		if field(hw1, 9, 7) != 7 {
			// B<c>.W
			in.Op = OpB
			in.Cond = Cond(field(hw1, 9, 6))
			in.Imm = signExtend(s<<20|j2<<19|j1<<18|field(hw1, 5, 0)<<12|imm11<<1, 21)
			return in
		}
		return decodeMiscControl(hw1, hw2, in)

	case op1&5 == 1, op1&5 == 5:
		i1 := ^(j1 ^ s) & 1
		i2 := ^(j2 ^ s) & 1
		in.Op = OpB
		if op1&4 != 0 {
			in.Op = OpBL
		}
		in.Imm = signExtend(s<<24|i1<<23|i2<<22|field(hw1, 9, 0)<<12|imm11<<1, 25)
		return in
	}
	return invalid(4, raw)
}

func decodeMiscControl(hw1, hw2 uint16, in Inst) Inst {
	switch {
	case hw1&0xffe0 == 0xf380: // MSR
		in.Op = OpMSR
		in.Rn = uint8(field(hw1, 3, 0))
		in.Imm = field(hw2, 7, 0)
	case hw1 == 0xf3af: // hints
		in.Op = OpNOP
		in.Imm = field(hw2, 7, 0)
	case hw1 == 0xf3bf: // DSB, DMB, ISB
		in.Op = OpNOP
		in.Imm = field(hw2, 7, 4) << 4
	case hw1 == 0xf3ef: // MRS
		in.Op = OpMRS
		in.Rd = uint8(field(hw2, 11, 8))
		in.Imm = field(hw2, 7, 0)
	default:
		return invalid(4, in.Raw)
	}
	return in
}

func decodeLoadStoreSingle(hw1, hw2 uint16, raw uint32) Inst {
	in := newInst(OpSTR, 4, raw)
	load := bit(hw1, 4)
	sz := field(hw1, 6, 5)
	signed := bit(hw1, 8)
	if load {
		in.Op = OpLDR
	}
	if sz == 3 || (signed && (sz == 2 || !load)) {
		return invalid(4, raw)
	}
	in.Width = uint8(1) << sz
	in.Signed = signed
	in.Rn = uint8(field(hw1, 3, 0))
	in.Rd = uint8(field(hw2, 15, 12))

	switch {
	case in.Rn == rPC:
		if !load {
			return invalid(4, raw)
		}
		in.UseImm, in.Imm = true, field(hw2, 11, 0)
		in.Add = bit(hw1, 7)
	case bit(hw1, 7):
		in.UseImm, in.Imm = true, field(hw2, 11, 0)
	case bit(hw2, 11):
		in.UseImm, in.Imm = true, field(hw2, 7, 0)
		in.Index, in.Add, in.Wback = bit(hw2, 10), bit(hw2, 9), bit(hw2, 8)
		if !in.Index && !in.Wback {
			return invalid(4, raw)
		}
	case field(hw2, 11, 6) == 0:
		in.Rm = uint8(field(hw2, 3, 0))
		in.ShiftN = uint8(field(hw2, 5, 4))
	default:
		return invalid(4, raw)
	}

	// byte and halfword loads into PC are preload hints
	if load && in.Rd == rPC && in.Width != 4 {
		hint := newInst(OpNOP, 4, raw)
		hint.Imm = 0x100
		return hint
	}
	return in
}

func decodeDPReg(hw1, hw2 uint16, raw uint32) Inst {
	in := newInst(OpInvalid, 4, raw)
	if field(hw2, 15, 12) != 0xf {
		return in
	}
	op1 := field(hw1, 7, 4)
	op2 := field(hw2, 7, 4)
	rn := uint8(field(hw1, 3, 0))
	rd := uint8(field(hw2, 11, 8))
	rm := uint8(field(hw2, 3, 0))

	switch {
	case op1>>3 == 0 && op2 == 0: // shift by register
		in.Op = [4]Op{OpLSL, OpLSR, OpASR, OpROR}[field(hw1, 6, 5)]
		in.Rd, in.Rn, in.Rm = rd, rn, rm
		in.SetFlags = bit(hw1, 4)
	case op1 <= 5 && op2>>3 == 1: // extend (and add)
		var ops [4]Op
		switch op1 {
		case 0:
			ops = [4]Op{OpSXTH, OpSXTAH}
		case 1:
			ops = [4]Op{OpUXTH, OpUXTAH}
		case 4:
			ops = [4]Op{OpSXTB, OpSXTAB}
		case 5:
			ops = [4]Op{OpUXTB, OpUXTAB}
		default:
			return in
		}
		in.Rd, in.Rm = rd, rm
		in.ShiftN = uint8(field(hw2, 5, 4)) * 8
		if rn == rPC {
			in.Op = ops[0]
		} else {
			in.Op, in.Rn = ops[1], rn
		}
	case op1 == 9 && op2>>2 == 2:
		in.Op = [4]Op{OpREV, OpREV16, OpRBIT, OpREVSH}[op2&3]
		in.Rd, in.Rm = rd, rm
	case op1 == 0xb && op2 == 8:
		in.Op = OpCLZ
		in.Rd, in.Rm = rd, rm
	}
	return in
}

func decodeMultiply(hw1, hw2 uint16, raw uint32) Inst {
	in := newInst(OpInvalid, 4, raw)
	if field(hw1, 6, 4) != 0 {
		return in
	}
	in.Rn = uint8(field(hw1, 3, 0))
	in.Ra = uint8(field(hw2, 15, 12))
	in.Rd = uint8(field(hw2, 11, 8))
	in.Rm = uint8(field(hw2, 3, 0))
	switch field(hw2, 7, 4) {
	case 0:
		in.Op = OpMLA
		if in.Ra == rPC {
			in.Op, in.Ra = OpMUL, noReg
		}
	case 1:
		in.Op = OpMLS
	}
	return in
}

func decodeLongMultiply(hw1, hw2 uint16, raw uint32) Inst {
	in := newInst(OpInvalid, 4, raw)
	in.Rn = uint8(field(hw1, 3, 0))
	in.Rm = uint8(field(hw2, 3, 0))
	lo := uint8(field(hw2, 15, 12))
	hi := uint8(field(hw2, 11, 8))
	switch op1, op2 := field(hw1, 6, 4), field(hw2, 7, 4); {
	case op1 == 0 && op2 == 0:
		in.Op = OpSMULL
	case op1 == 2 && op2 == 0:
		in.Op = OpUMULL
	case op1 == 4 && op2 == 0:
		in.Op = OpSMLAL
	case op1 == 6 && op2 == 0:
		in.Op = OpUMLAL
	case op1 == 1 && op2 == 0xf:
		in.Op, in.Rd = OpSDIV, hi
		return in
	case op1 == 3 && op2 == 0xf:
		in.Op, in.Rd = OpUDIV, hi
		return in
	default:
		return in
	}
	// RdLo in Ra, RdHi in Rd
	in.Ra, in.Rd = lo, hi
	return in
}
