package cpu

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/zboralski/seemu/internal/mem"
)

const (
	codeBase = 0x1000
	ramBase  = 0x2000
	ramTop   = 0x3000
	exitAddr = 0xfffffff0
)

func newCore(t *testing.T, code ...uint16) (*Core, *mem.Space) {
	t.Helper()
	img := make([]byte, 2*len(code))
	for i, hw := range code {
		binary.LittleEndian.PutUint16(img[2*i:], hw)
	}
	s, err := mem.NewSpace(
		mem.NewRegion("code", codeBase, 0x1000, mem.PermRead|mem.PermExec, mem.NewRAMFrom(0x1000, img)),
		mem.NewRegion("ram", ramBase, ramTop-ramBase, mem.PermRead|mem.PermWrite, nil),
	)
	if err != nil {
		t.Fatalf("NewSpace: %v", err)
	}
	c := New(s, exitAddr)
	c.Reset(codeBase|1, ramTop)
	return c, s
}

func step(t *testing.T, c *Core, n int) Event {
	t.Helper()
	var ev Event
	for i := 0; i < n; i++ {
		ev = c.Step()
		if ev.Kind != EventContinue && i != n-1 {
			t.Fatalf("step %d at 0x%x: unexpected %v (%v)", i, ev.PC, ev.Kind, ev.Err)
		}
	}
	return ev
}

func TestALUFlags(t *testing.T) {
	c, _ := newCore(t,
		0x2000, // movs r0, #0
		0x3801, // subs r0, #1
		0x0840, // lsrs r0, r0, #1
		0x2101, // movs r1, #1
		0x1840, // adds r0, r0, r1
	)

	step(t, c, 1)
	if !c.Z || c.N {
		t.Errorf("movs #0: flags %v", c.Flags)
	}
	step(t, c, 1)
	if c.R[0] != 0xffffffff || !c.N || c.Z || c.C || c.V {
		t.Errorf("subs borrow: r0=%x flags %v", c.R[0], c.Flags)
	}
	step(t, c, 1)
	if c.R[0] != 0x7fffffff || !c.C || c.N {
		t.Errorf("lsrs: r0=%x flags %v", c.R[0], c.Flags)
	}
	step(t, c, 2)
	if c.R[0] != 0x80000000 || !c.N || !c.V || c.C || c.Z {
		t.Errorf("adds overflow: r0=%x flags %v", c.R[0], c.Flags)
	}
	if c.Steps() != 5 {
		t.Errorf("steps = %d", c.Steps())
	}
}

func TestBranchWithLink(t *testing.T) {
	c, _ := newCore(t,
		0xf000, 0xf802, // bl 0x1008
		0x2107, // movs r1, #7
		0xbf00, // nop
		0x202a, // movs r0, #42
		0x4770, // bx lr
	)
	step(t, c, 1)
	if c.R[PC] != 0x1008 || c.R[LR] != 0x1005 {
		t.Fatalf("after bl: pc=%x lr=%x", c.R[PC], c.R[LR])
	}
	step(t, c, 3)
	if c.R[0] != 42 || c.R[1] != 7 || c.R[PC] != 0x1006 {
		t.Errorf("r0=%d r1=%d pc=%x", c.R[0], c.R[1], c.R[PC])
	}
}

func TestReturnToSentinelHalts(t *testing.T) {
	c, _ := newCore(t, 0x4770) // bx lr
	if ev := c.Step(); ev.Kind != EventContinue {
		t.Fatalf("bx lr: %v %v", ev.Kind, ev.Err)
	}
	ev := c.Step()
	if ev.Kind != EventHalted || ev.PC != exitAddr {
		t.Errorf("expected halt at sentinel, got %v at 0x%x", ev.Kind, ev.PC)
	}
	// halting is stable
	if ev := c.Step(); ev.Kind != EventHalted {
		t.Errorf("second step: %v", ev.Kind)
	}
}

func TestSupervisorCallTraps(t *testing.T) {
	c, _ := newCore(t,
		0x2005, // movs r0, #5
		0xdf01, // svc #1
		0xbf00,
	)
	ev := step(t, c, 2)
	if ev.Kind != EventSyscall || ev.Imm != 1 || ev.PC != 0x1002 {
		t.Fatalf("got %+v", ev)
	}
	if c.R[PC] != 0x1004 {
		t.Errorf("svc must resume after itself, pc=%x", c.R[PC])
	}
	if c.R[0] != 5 {
		t.Errorf("r0 = %d", c.R[0])
	}
}

func TestBreakpointInstruction(t *testing.T) {
	c, _ := newCore(t, 0xbe07)
	ev := c.Step()
	if ev.Kind != EventBreakpoint || ev.Imm != 7 || ev.PC != codeBase {
		t.Errorf("got %+v", ev)
	}
}

func TestIllegalInstruction(t *testing.T) {
	for _, code := range [][]uint16{
		{0xde00},         // udf #0
		{0xee00, 0x0a10}, // coprocessor
	} {
		c, _ := newCore(t, code...)
		ev := c.Step()
		var ill *IllegalInstruction
		if ev.Kind != EventCrashed || !errors.As(ev.Err, &ill) {
			t.Errorf("%04x: got %v %v", code, ev.Kind, ev.Err)
			continue
		}
		if ill.PC != codeBase {
			t.Errorf("%04x: crash pc 0x%x", code, ill.PC)
		}
	}
}

func TestInterworkingToARMStateCrashes(t *testing.T) {
	c, _ := newCore(t,
		0x2010, // movs r0, #0x10
		0x4700, // bx r0
	)
	ev := step(t, c, 2)
	var inv *InvalidState
	if ev.Kind != EventCrashed || !errors.As(ev.Err, &inv) || inv.Target != 0x10 {
		t.Errorf("got %v %v", ev.Kind, ev.Err)
	}
}

func TestITBlock(t *testing.T) {
	prog := []uint16{
		0x2800, // cmp r0, #0
		0xbf0c, // ite eq
		0x2101, // moveq r1, #1
		0x2102, // movne r1, #2
	}
	for _, tc := range []struct {
		r0, want uint32
	}{{0, 1}, {3, 2}} {
		c, _ := newCore(t, prog...)
		c.R[0] = tc.r0
		step(t, c, 4)
		if c.R[1] != tc.want {
			t.Errorf("r0=%d: r1=%d, want %d", tc.r0, c.R[1], tc.want)
		}
		if c.Z != (tc.r0 == 0) {
			t.Errorf("r0=%d: mov inside IT must not set flags: %v", tc.r0, c.Flags)
		}
		if c.InIT() {
			t.Errorf("IT state not cleared: %02x", c.IT)
		}
	}
}

func TestCompareAndBranchOnZero(t *testing.T) {
	c, _ := newCore(t,
		0x2000, // movs r0, #0
		0xb110, // cbz r0, 0x100a
	)
	step(t, c, 2)
	if c.R[PC] != 0x100a {
		t.Errorf("cbz taken: pc=%x", c.R[PC])
	}
}

func TestMemoryFaultLeavesPC(t *testing.T) {
	c, _ := newCore(t,
		0x2110, // movs r1, #0x10
		0x6808, // ldr r0, [r1]
	)
	ev := step(t, c, 2)
	if ev.Kind != EventFault || ev.Fault == nil {
		t.Fatalf("got %v %v", ev.Kind, ev.Err)
	}
	if ev.Fault.Kind != mem.FaultUnmapped || ev.Fault.Addr != 0x10 || ev.Fault.Access != mem.AccessRead {
		t.Errorf("fault %v", ev.Fault)
	}
	if c.R[PC] != 0x1002 {
		t.Errorf("pc moved past faulting instruction: %x", c.R[PC])
	}
}

func TestThumb2DataProcessing(t *testing.T) {
	c, _ := newCore(t,
		0xf241, 0x2034, // movw r0, #0x1234
		0xf6cd, 0x60ad, // movt r0, #0xdead
		0x2164,         // movs r1, #100
		0x2207,         // movs r2, #7
		0xfbb1, 0xf3f2, // udiv r3, r1, r2
		0xfab2, 0xf482, // clz r4, r2
		0xf102, 0x15ff, // add.w r5, r2, #0x00ff00ff
	)
	step(t, c, 7)
	want := map[int]uint32{0: 0xdead1234, 3: 14, 4: 29, 5: 0x00ff0106}
	for r, v := range want {
		if c.R[r] != v {
			t.Errorf("r%d = 0x%x, want 0x%x", r, c.R[r], v)
		}
	}
}

func TestPushPopReturn(t *testing.T) {
	c, s := newCore(t,
		0x2409, // movs r4, #9
		0xb510, // push {r4, lr}
		0x2400, // movs r4, #0
		0xbd10, // pop {r4, pc}
	)
	step(t, c, 2)
	if c.R[SP] != ramTop-8 {
		t.Fatalf("sp after push = %x", c.R[SP])
	}
	if v, _ := s.ReadU32(ramTop - 8); v != 9 {
		t.Errorf("pushed r4 = %d", v)
	}
	if v, _ := s.ReadU32(ramTop - 4); v != exitAddr|1 {
		t.Errorf("pushed lr = %x", v)
	}
	step(t, c, 2)
	if c.R[4] != 9 || c.R[SP] != ramTop {
		t.Errorf("after pop: r4=%d sp=%x", c.R[4], c.R[SP])
	}
	if ev := c.Step(); ev.Kind != EventHalted {
		t.Errorf("pop pc to sentinel: %v", ev.Kind)
	}
}

func TestDisassembly(t *testing.T) {
	tests := []struct {
		hw1, hw2 uint16
		pc       uint32
		want     string
	}{
		{0x2001, 0, 0, "movs r0, #1"},
		{0xb510, 0, 0, "push {r4, lr}"},
		{0x4770, 0, 0, "bx lr"},
		{0xdf01, 0, 0, "svc #1"},
		{0xbf0c, 0, 0, "ite eq"},
		{0x6848, 0, 0, "ldr r0, [r1, #4]"},
		{0xf241, 0x2034, 0, "movw r0, #0x1234"},
		{0xf000, 0xf802, 0x1000, "bl 0x1008"},
	}
	for _, tt := range tests {
		in := Decode(tt.hw1, tt.hw2)
		if got := in.Format(tt.pc); got != tt.want {
			t.Errorf("%04x %04x: got %q, want %q", tt.hw1, tt.hw2, got, tt.want)
		}
	}
}

func TestThumbExpandImm(t *testing.T) {
	tests := []struct {
		imm12 uint32
		want  uint32
		carry int8
	}{
		{0x0ab, 0x000000ab, -1},
		{0x1ab, 0x00ab00ab, -1},
		{0x2ab, 0xab00ab00, -1},
		{0x3ab, 0xabababab, -1},
		{0x4ff, 0x7f800000, 0}, // rotate 0xff by 9
		{0x400, 0x80000000, 1},
		{0x800, 0x00800000, 0},
	}
	for _, tt := range tests {
		v, c := ThumbExpandImm(tt.imm12)
		if v != tt.want || c != tt.carry {
			t.Errorf("ThumbExpandImm(%03x) = %08x,%d want %08x,%d", tt.imm12, v, c, tt.want, tt.carry)
		}
	}
}

type insnCase struct {
	name  string
	code  []uint16
	regs  map[int]uint32
	flags Flags
	mem   map[uint32]uint32

	want     map[int]uint32
	wantMem  map[uint32]uint32
	wantFlag *Flags
}

func runInsnCases(t *testing.T, tests []insnCase) {
	t.Helper()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, s := newCore(t, tt.code...)
			for r, v := range tt.regs {
				c.R[r] = v
			}
			c.Flags = tt.flags
			for addr, v := range tt.mem {
				if err := s.WriteU32(addr, v); err != nil {
					t.Fatalf("seed 0x%x: %v", addr, err)
				}
			}
			n := 0
			for i := 0; i < len(tt.code); i++ {
				if Is32(tt.code[i]) {
					i++
				}
				n++
			}
			if ev := step(t, c, n); ev.Kind != EventContinue {
				t.Fatalf("last step: %v %v", ev.Kind, ev.Err)
			}
			for r, v := range tt.want {
				if c.R[r] != v {
					t.Errorf("r%d = 0x%x, want 0x%x", r, c.R[r], v)
				}
			}
			for addr, v := range tt.wantMem {
				if got, err := s.ReadU32(addr); err != nil || got != v {
					t.Errorf("[0x%x] = 0x%x (%v), want 0x%x", addr, got, err, v)
				}
			}
			if tt.wantFlag != nil && c.Flags != *tt.wantFlag {
				t.Errorf("flags %v, want %v", c.Flags, *tt.wantFlag)
			}
		})
	}
}

func TestLoadStoreAddressing(t *testing.T) {
	runInsnCases(t, []insnCase{
		{
			name: "ldr pre-index writeback",
			code: []uint16{0xf851, 0x0f04}, // ldr r0, [r1, #4]!
			regs: map[int]uint32{1: 0x2100},
			mem:  map[uint32]uint32{0x2104: 0xcafef00d},
			want: map[int]uint32{0: 0xcafef00d, 1: 0x2104},
		},
		{
			name: "ldr negative offset",
			code: []uint16{0xf851, 0x0c04}, // ldr r0, [r1, #-4]
			regs: map[int]uint32{1: 0x2104},
			mem:  map[uint32]uint32{0x2100: 7},
			want: map[int]uint32{0: 7, 1: 0x2104},
		},
		{
			name:    "str post-index",
			code:    []uint16{0xf841, 0x0908}, // str r0, [r1], #-8
			regs:    map[int]uint32{0: 0x11223344, 1: 0x2200},
			want:    map[int]uint32{1: 0x21f8},
			wantMem: map[uint32]uint32{0x2200: 0x11223344},
		},
		{
			name: "ldrb post-increment",
			code: []uint16{0xf813, 0x2b01}, // ldrb r2, [r3], #1
			regs: map[int]uint32{3: 0x2300},
			mem:  map[uint32]uint32{0x2300: 0xaa85},
			want: map[int]uint32{2: 0x85, 3: 0x2301},
		},
		{
			name: "ldrsh sign extends",
			code: []uint16{0xf9b1, 0x0002}, // ldrsh.w r0, [r1, #2]
			regs: map[int]uint32{1: 0x2100},
			mem:  map[uint32]uint32{0x2100: 0x80010000},
			want: map[int]uint32{0: 0xffff8001},
		},
		{
			name: "ldr register shifted",
			code: []uint16{0xf851, 0x0022}, // ldr.w r0, [r1, r2, lsl #2]
			regs: map[int]uint32{1: 0x2100, 2: 3},
			mem:  map[uint32]uint32{0x210c: 0x55},
			want: map[int]uint32{0: 0x55, 1: 0x2100},
		},
		{
			name: "ldrd offset",
			code: []uint16{0xe9d0, 0x2302}, // ldrd r2, r3, [r0, #8]
			regs: map[int]uint32{0: 0x2100},
			mem:  map[uint32]uint32{0x2108: 1, 0x210c: 2},
			want: map[int]uint32{0: 0x2100, 2: 1, 3: 2},
		},
		{
			name: "ldrd post-index",
			code: []uint16{0xe8f0, 0x2302}, // ldrd r2, r3, [r0], #8
			regs: map[int]uint32{0: 0x2100},
			mem:  map[uint32]uint32{0x2100: 5, 0x2104: 6},
			want: map[int]uint32{0: 0x2108, 2: 5, 3: 6},
		},
		{
			name:    "strd pre-index writeback",
			code:    []uint16{0xe960, 0x4502}, // strd r4, r5, [r0, #-8]!
			regs:    map[int]uint32{0: 0x2208, 4: 0xa, 5: 0xb},
			want:    map[int]uint32{0: 0x2200},
			wantMem: map[uint32]uint32{0x2200: 0xa, 0x2204: 0xb},
		},
		{
			name: "ldrex strex",
			code: []uint16{
				0xe851, 0x0f00, // ldrex r0, [r1]
				0xe841, 0x3200, // strex r2, r3, [r1]
			},
			regs:    map[int]uint32{1: 0x2100, 2: 0xff, 3: 0x99},
			mem:     map[uint32]uint32{0x2100: 0x77},
			want:    map[int]uint32{0: 0x77, 2: 0},
			wantMem: map[uint32]uint32{0x2100: 0x99},
		},
	})
}

func TestTableBranch(t *testing.T) {
	runInsnCases(t, []insnCase{
		{
			name: "tbb",
			code: []uint16{0xe8d0, 0xf001}, // tbb [r0, r1]
			regs: map[int]uint32{0: 0x2100, 1: 1},
			mem:  map[uint32]uint32{0x2100: 0x0300},
			want: map[int]uint32{PC: 0x100a},
		},
		{
			name: "tbh",
			code: []uint16{0xe8d0, 0xf011}, // tbh [r0, r1, lsl #1]
			regs: map[int]uint32{0: 0x2100, 1: 1},
			mem:  map[uint32]uint32{0x2100: 0x00100000},
			want: map[int]uint32{PC: 0x1024},
		},
		{
			name:  "beq.w taken",
			code:  []uint16{0xf000, 0x8080}, // beq.w 0x1104
			flags: Flags{Z: true},
			want:  map[int]uint32{PC: 0x1104},
		},
		{
			name: "beq.w not taken",
			code: []uint16{0xf000, 0x8080},
			want: map[int]uint32{PC: 0x1004},
		},
		{
			name: "bne.w backward",
			code: []uint16{0xf47f, 0xaffe}, // bne.w 0x1000
			want: map[int]uint32{PC: 0x1000},
		},
	})
}

func TestMultiplyDivide(t *testing.T) {
	runInsnCases(t, []insnCase{
		{
			name: "umull",
			code: []uint16{0xfba2, 0x0103}, // umull r0, r1, r2, r3
			regs: map[int]uint32{2: 0xffffffff, 3: 2},
			want: map[int]uint32{0: 0xfffffffe, 1: 1},
		},
		{
			name: "smull",
			code: []uint16{0xfb82, 0x0103}, // smull r0, r1, r2, r3
			regs: map[int]uint32{2: 0xffffffff, 3: 2},
			want: map[int]uint32{0: 0xfffffffe, 1: 0xffffffff},
		},
		{
			name: "smlal",
			code: []uint16{0xfbc2, 0x0103}, // smlal r0, r1, r2, r3
			regs: map[int]uint32{0: 10, 2: 0xfffffffd, 3: 3},
			want: map[int]uint32{0: 1, 1: 0},
		},
		{
			name: "umlal carries into high word",
			code: []uint16{0xfbe2, 0x0103}, // umlal r0, r1, r2, r3
			regs: map[int]uint32{0: 0xffffffff, 2: 1, 3: 1},
			want: map[int]uint32{0: 0, 1: 1},
		},
		{
			name: "sdiv truncates",
			code: []uint16{0xfb91, 0xf0f2}, // sdiv r0, r1, r2
			regs: map[int]uint32{1: 0xfffffff9, 2: 2},
			want: map[int]uint32{0: 0xfffffffd},
		},
		{
			name: "sdiv by zero",
			code: []uint16{0xfb91, 0xf0f2},
			regs: map[int]uint32{0: 0x55, 1: 9},
			want: map[int]uint32{0: 0},
		},
	})
}

func TestBitfield(t *testing.T) {
	runInsnCases(t, []insnCase{
		{
			name: "ubfx",
			code: []uint16{0xf3c1, 0x1007}, // ubfx r0, r1, #4, #8
			regs: map[int]uint32{1: 0x12345678},
			want: map[int]uint32{0: 0x67},
		},
		{
			name: "sbfx",
			code: []uint16{0xf341, 0x1007}, // sbfx r0, r1, #4, #8
			regs: map[int]uint32{1: 0x12345f78},
			want: map[int]uint32{0: 0xfffffff7},
		},
		{
			name: "bfi",
			code: []uint16{0xf361, 0x200b}, // bfi r0, r1, #8, #4
			regs: map[int]uint32{0: 0xffffffff, 1: 0x15},
			want: map[int]uint32{0: 0xfffff5ff},
		},
		{
			name: "bfc",
			code: []uint16{0xf36f, 0x200b}, // bfc r0, #8, #4
			regs: map[int]uint32{0: 0xffffffff},
			want: map[int]uint32{0: 0xfffff0ff},
		},
	})
}

func TestShifterCarryAndStatusRegister(t *testing.T) {
	runInsnCases(t, []insnCase{
		{
			name:     "ands lsr carry out",
			code:     []uint16{0xea11, 0x1012}, // ands.w r0, r1, r2, lsr #4
			regs:     map[int]uint32{1: 0xffffffff, 2: 0x18},
			want:     map[int]uint32{0: 1},
			wantFlag: &Flags{C: true},
		},
		{
			name:     "movs lsl carry out",
			code:     []uint16{0xea5f, 0x0041}, // lsls.w r0, r1, #1
			regs:     map[int]uint32{1: 0x80000001},
			want:     map[int]uint32{0: 2},
			wantFlag: &Flags{C: true},
		},
		{
			name:     "eors asr #32",
			code:     []uint16{0xea91, 0x0022}, // eors.w r0, r1, r2, asr #32
			regs:     map[int]uint32{2: 0x80000000},
			want:     map[int]uint32{0: 0xffffffff},
			wantFlag: &Flags{N: true, C: true},
		},
		{
			name:     "rrx shifts carry in",
			code:     []uint16{0xea5f, 0x0031}, // rrxs r0, r1
			regs:     map[int]uint32{1: 2},
			flags:    Flags{C: true},
			want:     map[int]uint32{0: 0x80000001},
			wantFlag: &Flags{N: true},
		},
		{
			name: "mrs msr apsr",
			code: []uint16{
				0xf3ef, 0x8000, // mrs r0, apsr
				0xf381, 0x8800, // msr apsr_nzcvq, r1
			},
			regs:     map[int]uint32{1: 0x50000000},
			flags:    Flags{N: true, C: true},
			want:     map[int]uint32{0: 0xa0000000},
			wantFlag: &Flags{Z: true, V: true},
		},
	})
}
