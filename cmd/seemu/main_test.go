package main

import (
	"crypto/sha256"
	"strings"
	"testing"

	"github.com/zboralski/seemu/internal/cpu"
	"github.com/zboralski/seemu/internal/trace"
	"github.com/zboralski/seemu/internal/ui/colorize"
)

func TestInstructionTags(t *testing.T) {
	for _, tc := range []struct {
		in   cpu.Inst
		tags string
		end  bool
	}{
		{cpu.Inst{Op: cpu.OpSVC}, "#syscall", false},
		{cpu.Inst{Op: cpu.OpBL}, "#call", false},
		{cpu.Inst{Op: cpu.OpBX, Rm: cpu.LR}, "#ret", true},
		{cpu.Inst{Op: cpu.OpPOP, List: 1<<cpu.PC | 0x10}, "#ret", true},
		{cpu.Inst{Op: cpu.OpPOP, List: 0x10}, "", false},
		{cpu.Inst{Op: cpu.OpCBZ}, "", true},
	} {
		if got := strings.Join(instructionTags(&tc.in), " "); got != tc.tags {
			t.Errorf("%v: tags = %q, want %q", tc.in.Op, got, tc.tags)
		}
		if got := isBlockEnd(&tc.in); got != tc.end {
			t.Errorf("%v: block end = %v", tc.in.Op, got)
		}
	}
}

func TestFormatEvents(t *testing.T) {
	colorize.SetEnabled(false)
	e := trace.NewEvent(0xc0de0010, 3, string(trace.NVM), "nvm_write", "dst=0xc0e00040 len=4")
	e.Annotate("b", "2")
	e.Annotate("a", "1")
	got := formatEvents([]*trace.Event{e})
	want := "          └─ #nvm nvm_write  dst=0xc0e00040 len=4 a=1 b=2"
	if got != want {
		t.Errorf("formatEvents =\n%q\nwant\n%q", got, want)
	}
}

func TestRNGSeed(t *testing.T) {
	rngSeedFlag = ""
	got, err := rngSeed([]byte("seed"))
	if err != nil || got != sha256.Sum256([]byte("seed")) {
		t.Errorf("default rng seed = %x, %v", got, err)
	}
	rngSeedFlag = strings.Repeat("ab", 32)
	defer func() { rngSeedFlag = "" }()
	got, err = rngSeed(nil)
	if err != nil || got[0] != 0xab || got[31] != 0xab {
		t.Errorf("hex rng seed = %x, %v", got, err)
	}
	rngSeedFlag = "abcd"
	if _, err := rngSeed(nil); err == nil {
		t.Errorf("short rng seed accepted")
	}
}
