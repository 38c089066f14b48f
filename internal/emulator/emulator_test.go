package emulator

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zboralski/seemu/internal/automation"
	"github.com/zboralski/seemu/internal/cpu"
	"github.com/zboralski/seemu/internal/firmware/fwtest"
	"github.com/zboralski/seemu/internal/hw"
	"github.com/zboralski/seemu/internal/loader"
	"github.com/zboralski/seemu/internal/mem"
	"github.com/zboralski/seemu/internal/syscalls"
)

const (
	ramBase = 0x20000000
	nvmBase = 0xc0e00000

	sysHalt      = 0x00000002
	sysExit      = 0x01000003
	sysVersion   = 0x02000004
	sysDrawRect  = 0x01000010
	sysRefresh   = 0x01000014
	sysText      = 0x03000015
	sysNVMWrite  = 0x03000020
	sysEventWait = 0x03000030
	sysAPDUSend  = 0x02000031
	sysRNG       = 0x02000040

	// guest scratch layout
	evtAddr   = ramBase
	inBuf     = ramBase + 0x10
	outBuf    = ramBase + 0x100
	sendBlock = ramBase + 0x200
	drawBlock = ramBase + 0x300
)

func nanos(t *testing.T) *hw.Model {
	t.Helper()
	m, err := hw.Builtin().Get("nanos")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return m
}

func build(t *testing.T, a *fwtest.Asm) *loader.Image {
	t.Helper()
	return buildFor(t, a, nanos(t))
}

func buildFor(t *testing.T, a *fwtest.Asm, model *hw.Model) *loader.Image {
	t.Helper()
	fw, err := fwtest.Program(a)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	raw, err := fw.Bytes()
	if err != nil {
		t.Fatalf("elf: %v", err)
	}
	img, err := loader.Parse("test.elf", bytes.NewReader(raw), model)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return img
}

type session struct {
	*Machine
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func start(t *testing.T, a *fwtest.Asm, cfg Config) *session {
	t.Helper()
	return startImage(t, build(t, a), cfg)
}

func startImage(t *testing.T, img *loader.Image, cfg Config) *session {
	t.Helper()
	m, err := New(img, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{Machine: m, cancel: cancel, done: make(chan struct{})}
	go func() {
		s.err = m.Run(ctx)
		close(s.done)
	}()
	t.Cleanup(func() { s.finish() })
	return s
}

// finish cancels the run loop and returns Run's result.
func (s *session) finish() error {
	s.cancel()
	<-s.done
	return s.err
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitFor(t *testing.T, s *session, what string, ok func(Observation) bool) Observation {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		obs, err := s.State(testCtx(t))
		if err != nil {
			t.Fatalf("State: %v", err)
		}
		if ok(obs) {
			return obs
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s: %+v", what, obs)
		}
		time.Sleep(time.Millisecond)
	}
}

func waiting(o Observation) bool  { return o.Waiting }
func terminal(o Observation) bool { return o.State.Terminal() }
func halted(o Observation) bool   { return o.State == StateHalted }

func waitBlock(a *fwtest.Asm) {
	a.Align(4)
	a.Label("p_wait")
	a.Word(evtAddr)
	a.Word(inBuf)
	a.Word(0x80)
}

func exitBlock(a *fwtest.Asm, label string, code uint32) {
	a.Data(label, code)
}

// waitLoop emits a firmware that blocks in io_event_wait forever.
func waitLoop(a *fwtest.Asm) {
	a.Label("loop")
	a.Syscall(sysEventWait, "p_wait")
	a.B("loop")
}

func TestNVMPatternCommitted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nvm.bin")

	a := fwtest.New(fwtest.DefaultBase)
	a.Label("_start")
	a.Syscall(sysNVMWrite, "p_nvm")
	a.Syscall(sysHalt, "")
	a.Pool()
	a.Data("pattern", 0xdeadbeef)
	a.Align(4)
	a.Label("p_nvm")
	a.Word(nvmBase + 0x40)
	a.WordAddr("pattern")
	a.Word(4)

	s := start(t, a, Config{NVMPath: path})
	obs := waitFor(t, s, "exit", terminal)
	if obs.State != StateExited || obs.ExitCode != 0 {
		t.Fatalf("state = %s code = %d crash = %v", obs.State, obs.ExitCode, obs.Crash)
	}
	if obs.NVMDirty {
		t.Errorf("nvm still dirty after exit")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read nvm: %v", err)
	}
	if len(data) != 0x4000 {
		t.Fatalf("nvm size = %d", len(data))
	}
	if got := data[0x40:0x44]; !bytes.Equal(got, []byte{0xef, 0xbe, 0xad, 0xde}) {
		t.Errorf("pattern = % x", got)
	}
	if err := s.finish(); err != nil {
		t.Errorf("Run: %v", err)
	}
}

// versionApp answers every APDU with the OS version followed by 90 00.
func versionApp() *fwtest.Asm {
	a := fwtest.New(fwtest.DefaultBase)
	a.Label("_start")
	a.Label("loop")
	a.Syscall(sysEventWait, "p_wait")
	a.Cmp(fwtest.R0, uint8(syscalls.EventAPDU))
	a.BCond(fwtest.NE, "loop")

	a.Syscall(sysVersion, "p_version")
	a.Mov(fwtest.R4, fwtest.R0)
	a.LdrConst(fwtest.R2, outBuf)
	a.Adds(fwtest.R3, fwtest.R2, fwtest.R4)
	a.Movs(fwtest.R5, 0x90)
	a.Strb(fwtest.R5, fwtest.R3, 0)
	a.Movs(fwtest.R5, 0x00)
	a.Strb(fwtest.R5, fwtest.R3, 1)
	a.AddsImm(fwtest.R4, 2)
	a.LdrConst(fwtest.R3, sendBlock)
	a.Str(fwtest.R2, fwtest.R3, 0)
	a.Str(fwtest.R4, fwtest.R3, 4)
	a.LdrConst(fwtest.R0, sysAPDUSend)
	a.Mov(fwtest.R1, fwtest.R3)
	a.Svc(fwtest.SyscallImm)
	a.B("loop")
	a.Pool()

	waitBlock(a)
	a.Data("p_version", outBuf, 32)
	return a
}

func TestVersionAPDU(t *testing.T) {
	s := start(t, versionApp(), Config{})
	ctx := testCtx(t)

	resp, err := s.Exchange(ctx, []byte{0xe0, 0x01, 0x00, 0x00, 0x00})
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	want := append([]byte("2.1.0"), 0x90, 0x00)
	if !bytes.Equal(resp, want) {
		t.Errorf("response = % x, want % x", resp, want)
	}

	// the machine serves the next exchange the same way
	resp, err = s.Exchange(ctx, []byte{0xe0, 0x01, 0x00, 0x00, 0x00})
	if err != nil || !bytes.Equal(resp, want) {
		t.Errorf("second exchange = % x, %v", resp, err)
	}

	var apdus int
	for _, e := range s.TraceEvents() {
		if e.Name == "io_apdu_send" {
			apdus++
		}
	}
	if apdus != 2 {
		t.Errorf("traced %d sends, want 2", apdus)
	}
}

// menuApp draws a black 16x8 cursor at column index*16 and moves it on
// button release. Any other event redraws.
func menuApp() *fwtest.Asm {
	a := fwtest.New(fwtest.DefaultBase)
	a.Label("_start")
	a.Movs(fwtest.R6, 0)
	a.B("draw")

	a.Label("loop")
	a.Syscall(sysEventWait, "p_wait")
	a.Cmp(fwtest.R0, uint8(syscalls.EventReleased))
	a.BCond(fwtest.NE, "draw")
	a.LdrConst(fwtest.R2, evtAddr)
	a.Ldr(fwtest.R3, fwtest.R2, 4)
	a.Cmp(fwtest.R3, syscalls.ButtonRight)
	a.BCond(fwtest.NE, "left")
	a.AddsImm(fwtest.R6, 1)
	a.B("draw")
	a.Label("left")
	a.Cmp(fwtest.R3, syscalls.ButtonLeft)
	a.BCond(fwtest.NE, "draw")
	a.SubsImm(fwtest.R6, 1)

	a.Label("draw")
	a.Syscall(sysDrawRect, "p_full")
	a.LdrAddr(fwtest.R2, "cursors")
	a.Lsls(fwtest.R3, fwtest.R6, 4)
	a.Adds(fwtest.R2, fwtest.R2, fwtest.R3)
	a.LdrConst(fwtest.R3, drawBlock)
	a.Str(fwtest.R2, fwtest.R3, 0)
	a.LdrConst(fwtest.R0, sysDrawRect)
	a.Mov(fwtest.R1, fwtest.R3)
	a.Svc(fwtest.SyscallImm)
	a.Syscall(sysRefresh, "p_full")
	a.B("loop")
	a.Pool()

	waitBlock(a)
	a.Align(4)
	a.Label("p_full")
	a.WordAddr("full")
	a.Align(4)
	a.Label("full")
	a.Bytes(area(0, 0, 128, 32, 3))
	a.Align(16)
	a.Label("cursors")
	for i := 0; i < 4; i++ {
		a.Bytes(area(uint16(i*16), 0, 16, 8, 0))
	}
	return a
}

// area encodes an NBGL area with 16-byte stride.
func area(x, y, w, h uint16, color uint8) []byte {
	b := make([]byte, 16)
	for i, v := range []uint16{x, y, w, h} {
		b[2*i] = byte(v)
		b[2*i+1] = byte(v >> 8)
	}
	b[8] = color
	b[9] = 2
	return b
}

func pixel(snap []byte, width, x, y int) []byte {
	off := (y*width + x) * 3
	return snap[off : off+3]
}

func TestMenuNavigation(t *testing.T) {
	s := start(t, menuApp(), Config{})
	ctx := testCtx(t)
	before := waitFor(t, s, "first wait", waiting)
	nvmBefore, err := s.ReadMemory(ctx, nvmBase, 0x100)
	if err != nil {
		t.Fatalf("ReadMemory: %v", err)
	}

	if _, err := s.Press(ctx, syscalls.ButtonRight); err != nil {
		t.Fatalf("Press: %v", err)
	}
	if _, err := s.Release(ctx, syscalls.ButtonRight); err != nil {
		t.Fatalf("Release: %v", err)
	}
	obs, err := s.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !obs.Waiting || obs.State != StateDispatching {
		t.Errorf("after tick: %+v", obs)
	}
	if obs.Ticks != 1 {
		t.Errorf("ticks = %d", obs.Ticks)
	}
	if obs.Screen <= before.Screen {
		t.Errorf("screen version %d did not advance from %d", obs.Screen, before.Screen)
	}
	if obs.NVMDirty {
		t.Errorf("navigation dirtied nvm")
	}

	snap, _, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap) != 128*32*3 {
		t.Fatalf("snapshot size = %d", len(snap))
	}
	white, black := []byte{0xff, 0xff, 0xff}, []byte{0, 0, 0}
	if got := pixel(snap, 128, 4, 4); !bytes.Equal(got, white) {
		t.Errorf("old cursor pixel = % x", got)
	}
	if got := pixel(snap, 128, 20, 4); !bytes.Equal(got, black) {
		t.Errorf("new cursor pixel = % x", got)
	}
	if got := pixel(snap, 128, 20, 20); !bytes.Equal(got, white) {
		t.Errorf("background pixel = % x", got)
	}

	nvmAfter, err := s.ReadMemory(ctx, nvmBase, 0x100)
	if err != nil {
		t.Fatalf("ReadMemory: %v", err)
	}
	if !bytes.Equal(nvmBefore, nvmAfter) {
		t.Errorf("nvm changed")
	}

	png, err := s.Screenshot(ctx, 2)
	if err != nil || !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Errorf("Screenshot: %v", err)
	}
}

func TestButtonWindow(t *testing.T) {
	a := fwtest.New(fwtest.DefaultBase)
	a.Label("_start")
	waitLoop(a)
	a.Pool()
	waitBlock(a)

	s := start(t, a, Config{})
	ctx := testCtx(t)
	obs, err := s.Press(ctx, syscalls.ButtonLeft)
	if err != nil {
		t.Fatalf("Press: %v", err)
	}
	if obs.Buttons != syscalls.ButtonLeft {
		t.Errorf("buttons = %d", obs.Buttons)
	}
	raw, err := s.ReadMemory(ctx, 0x40001000, 4)
	if err != nil {
		t.Fatalf("ReadMemory: %v", err)
	}
	if !bytes.Equal(raw, []byte{1, 0, 0, 0}) {
		t.Errorf("button window = % x", raw)
	}
	if _, err := s.Release(ctx, syscalls.ButtonLeft); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if raw, _ := s.ReadMemory(ctx, 0x40001000, 4); raw[0] != 0 {
		t.Errorf("button still down: % x", raw)
	}
}

// randomApp answers each APDU with 8 bytes from cx_rng.
func randomApp() *fwtest.Asm {
	a := fwtest.New(fwtest.DefaultBase)
	a.Label("_start")
	a.Label("loop")
	a.Syscall(sysEventWait, "p_wait")
	a.Cmp(fwtest.R0, uint8(syscalls.EventAPDU))
	a.BCond(fwtest.NE, "loop")
	a.Syscall(sysRNG, "p_rng")
	a.Syscall(sysAPDUSend, "p_rng")
	a.B("loop")
	a.Pool()
	waitBlock(a)
	a.Data("p_rng", outBuf, 8)
	return a
}

func transcript(t *testing.T, seed byte) [][]byte {
	t.Helper()
	var rngSeed [32]byte
	rngSeed[0] = seed
	s := start(t, randomApp(), Config{RNGSeed: rngSeed})
	ctx := testCtx(t)
	var out [][]byte
	for i := 0; i < 3; i++ {
		resp, err := s.Exchange(ctx, []byte{0x80, 0x02, 0, 0, 0})
		if err != nil {
			t.Fatalf("Exchange: %v", err)
		}
		out = append(out, resp)
	}
	snap, _, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	return append(out, snap)
}

func TestDeterminism(t *testing.T) {
	a, b := transcript(t, 7), transcript(t, 7)
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			t.Errorf("output %d differs: % x vs % x", i, a[i], b[i])
		}
	}
	if bytes.Equal(a[0], a[1]) {
		t.Errorf("rng repeated: % x", a[0])
	}
	c := transcript(t, 8)
	if bytes.Equal(a[0], c[0]) {
		t.Errorf("different seeds produced the same stream")
	}
}

func TestBreakpointExact(t *testing.T) {
	a := fwtest.New(fwtest.DefaultBase)
	a.Label("_start")
	a.Movs(fwtest.R0, 1)
	a.Label("target")
	a.Movs(fwtest.R0, 2)
	a.Movs(fwtest.R1, 3)
	a.Syscall(sysHalt, "")
	a.Pool()
	target, _ := a.Addr("target")

	s := start(t, a, Config{Breakpoints: []uint32{target}})
	ctx := testCtx(t)
	obs := waitFor(t, s, "breakpoint", halted)
	if obs.PC != target {
		t.Fatalf("halted at 0x%x, want 0x%x", obs.PC, target)
	}
	regs, err := s.Registers(ctx)
	if err != nil {
		t.Fatalf("Registers: %v", err)
	}
	if regs.R[0] != 1 {
		t.Errorf("breakpoint instruction already ran: r0 = %d", regs.R[0])
	}

	obs, err = s.Step(ctx)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if obs.State != StateHalted || obs.PC != target+2 {
		t.Errorf("after step: %s pc=0x%x", obs.State, obs.PC)
	}
	if regs, _ := s.Registers(ctx); regs.R[0] != 2 || regs.R[1] != 0 {
		t.Errorf("step ran r0=%d r1=%d", regs.R[0], regs.R[1])
	}

	if _, err := s.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	obs = waitFor(t, s, "exit", terminal)
	if obs.State != StateExited {
		t.Errorf("state = %s", obs.State)
	}
}

func TestBreakpointResumeHitsAgain(t *testing.T) {
	a := fwtest.New(fwtest.DefaultBase)
	a.Label("_start")
	a.Movs(fwtest.R4, 0)
	a.Label("top")
	a.AddsImm(fwtest.R4, 1)
	a.Cmp(fwtest.R4, 3)
	a.BCond(fwtest.NE, "top")
	a.Syscall(sysHalt, "")
	a.Pool()
	top, _ := a.Addr("top")

	s := start(t, a, Config{Breakpoints: []uint32{top}})
	ctx := testCtx(t)
	for i := 0; i < 3; i++ {
		waitFor(t, s, "breakpoint", halted)
		regs, _ := s.Registers(ctx)
		if regs.R[4] != uint32(i) {
			t.Errorf("hit %d: r4 = %d", i, regs.R[4])
		}
		if _, err := s.Resume(ctx); err != nil {
			t.Fatalf("Resume: %v", err)
		}
	}
	waitFor(t, s, "exit", terminal)
}

func TestUnknownSyscallCrashes(t *testing.T) {
	a := fwtest.New(fwtest.DefaultBase)
	a.Label("_start")
	a.Nop()
	a.Label("bad")
	a.Syscall(0x00000099, "")
	a.Pool()

	s := start(t, a, Config{})
	obs := waitFor(t, s, "crash", terminal)
	if obs.State != StateCrashed || obs.Crash == nil {
		t.Fatalf("state = %s", obs.State)
	}
	if !strings.Contains(obs.Crash.Reason, "0x00000099") {
		t.Errorf("reason = %q", obs.Crash.Reason)
	}
	var unknown *syscalls.UnknownSyscallError
	if !errors.As(obs.Crash, &unknown) || unknown.ID != 0x99 {
		t.Errorf("crash error = %v", obs.Crash.Err)
	}

	err := s.finish()
	var crash *Crash
	if !errors.As(err, &crash) {
		t.Fatalf("Run = %v, want *Crash", err)
	}
}

func TestBadParamPointerCrashes(t *testing.T) {
	a := fwtest.New(fwtest.DefaultBase)
	a.Label("_start")
	a.LdrConst(fwtest.R0, sysNVMWrite)
	a.Movs(fwtest.R1, 0x10)
	a.Label("svc")
	a.Svc(fwtest.SyscallImm)
	a.Pool()
	svc, _ := a.Addr("svc")

	s := start(t, a, Config{})
	obs := waitFor(t, s, "crash", terminal)
	if obs.Crash == nil {
		t.Fatalf("state = %s, no crash", obs.State)
	}
	var fault *mem.Fault
	if !errors.As(obs.Crash, &fault) {
		t.Fatalf("crash error = %v, want fault", obs.Crash.Err)
	}
	if obs.Crash.Addr != 0x10 || obs.Crash.PC != svc {
		t.Errorf("crash at pc=0x%x addr=0x%x", obs.Crash.PC, obs.Crash.Addr)
	}
	if obs.Crash.Regs.R[cpu.PC] != svc {
		t.Errorf("register snapshot pc = 0x%x", obs.Crash.Regs.R[cpu.PC])
	}
}

func TestIllegalInstructionCrashes(t *testing.T) {
	a := fwtest.New(fwtest.DefaultBase)
	a.Label("_start")
	a.Udf()

	s := start(t, a, Config{})
	obs := waitFor(t, s, "crash", terminal)
	var ill *cpu.IllegalInstruction
	if obs.Crash == nil || !errors.As(obs.Crash, &ill) {
		t.Fatalf("crash = %v", obs.Crash)
	}
	if obs.Crash.Symbol != "_start" {
		t.Errorf("symbol = %q", obs.Crash.Symbol)
	}
}

func TestEventTimeoutContinues(t *testing.T) {
	a := fwtest.New(fwtest.DefaultBase)
	a.Label("_start")
	a.Syscall(sysEventWait, "p_wait")
	a.Cmp(fwtest.R0, 0)
	a.BCond(fwtest.NE, "bad")
	a.Syscall(sysExit, "p_ok")
	a.Label("bad")
	a.Syscall(sysExit, "p_bad")
	a.Pool()
	waitBlock(a)
	exitBlock(a, "p_ok", 0x55)
	exitBlock(a, "p_bad", 1)

	s := start(t, a, Config{EventTimeout: 10 * time.Millisecond})
	obs := waitFor(t, s, "exit", terminal)
	if obs.State != StateExited || obs.ExitCode != 0x55 {
		t.Fatalf("state = %s code = 0x%x crash = %v", obs.State, obs.ExitCode, obs.Crash)
	}
	raw, err := s.ReadMemory(testCtx(t), evtAddr, syscalls.EventRecordSize)
	if err != nil {
		t.Fatalf("ReadMemory: %v", err)
	}
	if !bytes.Equal(raw, make([]byte, syscalls.EventRecordSize)) {
		t.Errorf("timeout record = % x", raw)
	}
}

func TestStopDuringWait(t *testing.T) {
	a := fwtest.New(fwtest.DefaultBase)
	a.Label("_start")
	waitLoop(a)
	a.Pool()
	waitBlock(a)

	s := start(t, a, Config{})
	ctx := testCtx(t)
	waitFor(t, s, "wait", waiting)

	obs, err := s.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if obs.State != StateExited {
		t.Fatalf("state = %s", obs.State)
	}
	select {
	case <-s.Done():
	default:
		t.Errorf("Done not closed")
	}
	regs, err := s.Registers(ctx)
	if err != nil {
		t.Fatalf("Registers: %v", err)
	}
	if regs.R[0] != sysEventWait {
		t.Errorf("r0 = 0x%x, want the untouched syscall id", regs.R[0])
	}
	if _, err := s.Press(ctx, syscalls.ButtonLeft); !errors.Is(err, ErrTerminal) {
		t.Errorf("Press after stop = %v", err)
	}
	if obs, err := s.Stop(ctx); err != nil || obs.State != StateExited {
		t.Errorf("second Stop = %v, %v", obs.State, err)
	}
}

func TestCancelStops(t *testing.T) {
	a := fwtest.New(fwtest.DefaultBase)
	a.Label("_start")
	a.Label("spin")
	a.B("spin")

	s := start(t, a, Config{})
	waitFor(t, s, "running", func(o Observation) bool { return o.Steps > 0 })
	if err := s.finish(); err != nil {
		t.Fatalf("Run = %v", err)
	}
	if s.state != StateExited {
		t.Errorf("state = %s", s.state)
	}
	if _, err := s.State(testCtx(t)); !errors.Is(err, ErrStopped) {
		t.Errorf("State after Run = %v", err)
	}
}

func TestSendWithoutClientContinues(t *testing.T) {
	a := fwtest.New(fwtest.DefaultBase)
	a.Label("_start")
	a.Syscall(sysAPDUSend, "p_send")
	a.AddsImm(fwtest.R0, 1)
	a.Cmp(fwtest.R0, 0)
	a.BCond(fwtest.EQ, "ok")
	a.Syscall(sysExit, "p_bad")
	a.Label("ok")
	a.Syscall(sysExit, "p_ok")
	a.Pool()
	a.Data("msg", 0x00009000)
	a.Align(4)
	a.Label("p_send")
	a.WordAddr("msg")
	a.Word(2)
	exitBlock(a, "p_ok", 0x42)
	exitBlock(a, "p_bad", 1)

	s := start(t, a, Config{})
	obs := waitFor(t, s, "exit", terminal)
	if obs.State != StateExited || obs.ExitCode != 0x42 {
		t.Fatalf("state = %s code = 0x%x crash = %v", obs.State, obs.ExitCode, obs.Crash)
	}
}

type recordingSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (r *recordingSink) Send(frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
	return nil
}

func TestUnsolicitedFrameGoesToSink(t *testing.T) {
	a := fwtest.New(fwtest.DefaultBase)
	a.Label("_start")
	a.Syscall(sysAPDUSend, "p_send")
	waitLoop(a)
	a.Pool()
	waitBlock(a)
	a.Data("msg", 0x00009000)
	a.Align(4)
	a.Label("p_send")
	a.WordAddr("msg")
	a.Word(2)

	sink := &recordingSink{}
	s := start(t, a, Config{Sink: sink})
	waitFor(t, s, "wait", waiting)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.frames) != 1 || !bytes.Equal(sink.frames[0], []byte{0x00, 0x90}) {
		t.Errorf("sink frames = %x", sink.frames)
	}
}

// bootCounter increments NVM byte 0 on every boot, then waits.
func bootCounter() *fwtest.Asm {
	a := fwtest.New(fwtest.DefaultBase)
	a.Label("_start")
	a.LdrConst(fwtest.R2, nvmBase)
	a.Ldrb(fwtest.R3, fwtest.R2, 0)
	a.AddsImm(fwtest.R3, 1)
	a.LdrConst(fwtest.R2, outBuf)
	a.Strb(fwtest.R3, fwtest.R2, 0)
	a.Syscall(sysNVMWrite, "p_nvm")
	waitLoop(a)
	a.Pool()
	waitBlock(a)
	a.Data("p_nvm", nvmBase, outBuf, 1)
	return a
}

func TestResetKeepsNVM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nvm.bin")
	s := start(t, bootCounter(), Config{NVMPath: path})
	ctx := testCtx(t)
	waitFor(t, s, "wait", waiting)

	obs, err := s.Reset(ctx)
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if !obs.Waiting {
		t.Errorf("reset returned before the firmware settled: %+v", obs)
	}
	counter, err := s.ReadMemory(ctx, nvmBase, 1)
	if err != nil {
		t.Fatalf("ReadMemory: %v", err)
	}
	if counter[0] != 2 {
		t.Errorf("boot counter = %d, want 2", counter[0])
	}
	if _, err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil || data[0] != 2 {
		t.Errorf("flushed counter = %v, %v", data[:1], err)
	}

	if _, err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := s.Reset(ctx); !errors.Is(err, ErrTerminal) {
		t.Errorf("Reset after stop = %v", err)
	}
	s.finish()

	// a new session starts from the persisted image
	s2 := start(t, bootCounter(), Config{NVMPath: path})
	waitFor(t, s2, "wait", waiting)
	counter, _ = s2.ReadMemory(testCtx(t), nvmBase, 1)
	if counter[0] != 3 {
		t.Errorf("reloaded boot counter = %d, want 3", counter[0])
	}
}

func TestStepRequiresHalt(t *testing.T) {
	a := fwtest.New(fwtest.DefaultBase)
	a.Label("_start")
	waitLoop(a)
	a.Pool()
	waitBlock(a)

	s := start(t, a, Config{})
	ctx := testCtx(t)
	waitFor(t, s, "wait", waiting)
	if _, err := s.Step(ctx); !errors.Is(err, ErrNotHalted) {
		t.Errorf("Step = %v", err)
	}
	if _, err := s.ReadMemory(ctx, 0x10, 4); err == nil {
		t.Errorf("ReadMemory of unmapped address succeeded")
	}
}

// pressReplyApp sends 00 90 on each button press and ignores APDUs.
func pressReplyApp() *fwtest.Asm {
	a := fwtest.New(fwtest.DefaultBase)
	a.Label("_start")
	a.Label("loop")
	a.Syscall(sysEventWait, "p_wait")
	a.Cmp(fwtest.R0, uint8(syscalls.EventPressed))
	a.BCond(fwtest.NE, "loop")
	a.Syscall(sysAPDUSend, "p_send")
	a.B("loop")
	a.Pool()
	waitBlock(a)
	a.Data("msg", 0x00009000)
	a.Align(4)
	a.Label("p_send")
	a.WordAddr("msg")
	a.Word(2)
	return a
}

func TestAbandonedExchangeFrameGoesToSink(t *testing.T) {
	sink := &recordingSink{}
	s := start(t, pressReplyApp(), Config{Sink: sink})
	waitFor(t, s, "wait", waiting)

	short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := s.Exchange(short, []byte{0xe0, 0x01, 0, 0, 0}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Exchange = %v, want deadline exceeded", err)
	}
	if _, err := s.Press(testCtx(t), syscalls.ButtonLeft); err != nil {
		t.Fatalf("Press: %v", err)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.frames) != 1 || !bytes.Equal(sink.frames[0], []byte{0x00, 0x90}) {
		t.Errorf("sink frames = %x", sink.frames)
	}
}

func TestReadMemoryKeepsRNGStream(t *testing.T) {
	want := transcript(t, 7)

	var rngSeed [32]byte
	rngSeed[0] = 7
	s := start(t, randomApp(), Config{RNGSeed: rngSeed})
	ctx := testCtx(t)
	for i := 0; i < 3; i++ {
		raw, err := s.ReadMemory(ctx, 0x40000000, 16)
		if err != nil {
			t.Fatalf("ReadMemory: %v", err)
		}
		if !bytes.Equal(raw, make([]byte, 16)) {
			t.Errorf("rng window read = % x", raw)
		}
		resp, err := s.Exchange(ctx, []byte{0x80, 0x02, 0, 0, 0})
		if err != nil {
			t.Fatalf("Exchange: %v", err)
		}
		if !bytes.Equal(resp, want[i]) {
			t.Errorf("response %d = % x, want % x", i, resp, want[i])
		}
	}
}

func TestExchangeNowait(t *testing.T) {
	sink := &recordingSink{}
	s := start(t, pressReplyApp(), Config{Sink: sink})
	ctx := testCtx(t)
	waitFor(t, s, "wait", waiting)

	p, err := s.ExchangeNowait(ctx, []byte{0xe0, 0x01, 0, 0, 0})
	if err != nil {
		t.Fatalf("ExchangeNowait: %v", err)
	}
	if _, err := s.Press(ctx, syscalls.ButtonLeft); err != nil {
		t.Fatalf("Press: %v", err)
	}
	resp, err := p.Receive(ctx)
	if err != nil || !bytes.Equal(resp, []byte{0x00, 0x90}) {
		t.Fatalf("Receive = % x, %v", resp, err)
	}

	// a closed exchange leaves the frame to the sink
	p, err = s.ExchangeNowait(ctx, []byte{0xe0, 0x01, 0, 0, 0})
	if err != nil {
		t.Fatalf("ExchangeNowait: %v", err)
	}
	p.Close()
	if _, err := s.Press(ctx, syscalls.ButtonLeft); err != nil {
		t.Fatalf("Press: %v", err)
	}
	sink.mu.Lock()
	frames := len(sink.frames)
	sink.mu.Unlock()
	if frames != 1 {
		t.Errorf("sink got %d frames, want 1", frames)
	}
}

func TestExchangeNowaitFailsOnStop(t *testing.T) {
	s := start(t, pressReplyApp(), Config{})
	ctx := testCtx(t)
	waitFor(t, s, "wait", waiting)
	p, err := s.ExchangeNowait(ctx, []byte{0xe0, 0x01, 0, 0, 0})
	if err != nil {
		t.Fatalf("ExchangeNowait: %v", err)
	}
	if _, err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := p.Receive(ctx); !errors.Is(err, ErrTerminal) {
		t.Errorf("Receive = %v, want ErrTerminal", err)
	}
}

// textApp shows "Review" and switches to "Approved" on a button or finger
// release.
func textApp() *fwtest.Asm {
	a := fwtest.New(fwtest.DefaultBase)
	a.Label("_start")
	a.Syscall(sysText, "p_review")
	a.Syscall(sysRefresh, "p_full")

	a.Label("loop")
	a.Syscall(sysEventWait, "p_wait")
	a.Cmp(fwtest.R0, uint8(syscalls.EventReleased))
	a.BCond(fwtest.EQ, "approve")
	a.Cmp(fwtest.R0, uint8(syscalls.EventFingerReleased))
	a.BCond(fwtest.NE, "loop")
	a.Label("approve")
	a.Syscall(sysText, "p_approved")
	a.Syscall(sysRefresh, "p_full")
	a.B("loop")
	a.Pool()

	waitBlock(a)
	a.Align(4)
	a.Label("p_full")
	a.WordAddr("full")
	a.Align(4)
	a.Label("p_review")
	a.WordAddr("full")
	a.WordAddr("s_review")
	a.Word(6)
	a.Align(4)
	a.Label("p_approved")
	a.WordAddr("full")
	a.WordAddr("s_approved")
	a.Word(8)
	a.Align(4)
	a.Label("full")
	a.Bytes(area(0, 0, 128, 32, 3))
	a.Label("s_review")
	a.Bytes([]byte("Review"))
	a.Label("s_approved")
	a.Bytes([]byte("Approved"))
	return a
}

func TestTextEvents(t *testing.T) {
	s := start(t, textApp(), Config{})
	ctx := testCtx(t)
	waitFor(t, s, "wait", waiting)

	texts, cancel := s.Subscribe(8)
	if _, err := s.PressAndRelease(ctx, syscalls.ButtonLeft); err != nil {
		t.Fatalf("PressAndRelease: %v", err)
	}
	got, err := WaitForText(ctx, texts, "Appro")
	if err != nil {
		t.Fatalf("WaitForText: %v", err)
	}
	if got.Text != "Approved" || got.Width != 128 || got.Screen == 0 {
		t.Errorf("text = %+v", got)
	}
	cancel()
	if _, ok := <-texts; ok {
		t.Errorf("channel open after cancel")
	}

	// the stream ends with the session
	texts, _ = s.Subscribe(1)
	if _, err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := WaitForText(ctx, texts, "never"); !errors.Is(err, ErrStopped) {
		t.Errorf("WaitForText after stop = %v", err)
	}
}

func TestAutomationDrivesFirmware(t *testing.T) {
	rules, err := automation.Parse([]byte(`{"version": 1, "rules": [
		{"text": "Review", "actions": [["button", 1, true], ["button", 1, false]]},
		{"text": "Approved", "actions": [["exit"]]}
	]}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	s := start(t, textApp(), Config{Automation: rules})
	obs := waitFor(t, s, "exit", terminal)
	if obs.State != StateExited {
		t.Errorf("state = %v, want exited", obs.State)
	}
}

func TestSetAutomation(t *testing.T) {
	s := start(t, textApp(), Config{})
	ctx := testCtx(t)
	waitFor(t, s, "wait", waiting)

	rules, err := automation.Parse([]byte(`{"version": 1, "rules": [{"regexp": "Appr", "actions": [["exit"]]}]}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := s.SetAutomation(ctx, rules); err != nil {
		t.Fatalf("SetAutomation: %v", err)
	}
	if _, err := s.Release(ctx, syscalls.ButtonRight); err != nil && !errors.Is(err, ErrTerminal) {
		t.Fatalf("Release: %v", err)
	}
	waitFor(t, s, "exit", terminal)
}

func TestTouch(t *testing.T) {
	s := start(t, textApp(), Config{})
	ctx := testCtx(t)
	waitFor(t, s, "wait", waiting)
	if _, err := s.FingerTouch(ctx, 10, 10); !errors.Is(err, ErrNoTouch) {
		t.Fatalf("FingerTouch on nanos = %v, want ErrNoTouch", err)
	}

	model := *nanos(t)
	model.Touch = true
	s = startImage(t, buildFor(t, textApp(), &model), Config{})
	waitFor(t, s, "wait", waiting)
	if _, err := s.Touch(ctx, 128, 0, true); !errors.Is(err, ErrOffScreen) {
		t.Errorf("Touch(128, 0) = %v, want ErrOffScreen", err)
	}
	texts, cancel := s.Subscribe(8)
	defer cancel()
	if _, err := s.FingerTouch(ctx, 10, 20); err != nil {
		t.Fatalf("FingerTouch: %v", err)
	}
	if _, err := WaitForText(ctx, texts, "Approved"); err != nil {
		t.Fatalf("WaitForText: %v", err)
	}
}
