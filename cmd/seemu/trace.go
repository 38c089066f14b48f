package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zboralski/seemu/internal/cpu"
	"github.com/zboralski/seemu/internal/emulator"
	"github.com/zboralski/seemu/internal/trace"
	"github.com/zboralski/seemu/internal/ui/colorize"
)

type traceCollector struct {
	mu     sync.Mutex
	events []*trace.Event
}

func (tc *traceCollector) Add(e *trace.Event) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.events = append(tc.events, e)
}

func (tc *traceCollector) GetAndClear() []*trace.Event {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	events := tc.events
	tc.events = nil
	return events
}

// outputWriter keeps terminal writes off the machine goroutine. Lines are
// dropped rather than stalling emulation.
type outputWriter struct {
	ch     chan string
	done   chan struct{}
	writer *bufio.Writer
}

func newOutputWriter() *outputWriter {
	w := &outputWriter{
		ch:     make(chan string, 2048),
		done:   make(chan struct{}),
		writer: bufio.NewWriterSize(os.Stdout, 64*1024),
	}
	go w.run()
	return w
}

func (w *outputWriter) run() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case line, ok := <-w.ch:
			if !ok {
				w.writer.Flush()
				close(w.done)
				return
			}
			w.writer.WriteString(line)
			w.writer.WriteByte('\n')
		case <-ticker.C:
			w.writer.Flush()
		}
	}
}

func (w *outputWriter) Write(line string) {
	select {
	case w.ch <- line:
	default:
	}
}

func (w *outputWriter) Close() {
	close(w.ch)
	<-w.done
}

// tracer renders one line per executed instruction, followed by the events
// that instruction raised.
type tracer struct {
	m         *emulator.Machine
	out       *outputWriter
	collector *traceCollector
	max       int
	count     int
}

func newTracer(m *emulator.Machine, max int) *tracer {
	t := &tracer{m: m, out: newOutputWriter(), collector: &traceCollector{}, max: max}
	m.OnEvent(func(e *trace.Event) {
		trace.DefaultEnricher(e)
		t.collector.Add(e)
	})
	m.HookCode(t.hook)
	return t
}

func (t *tracer) hook(pc uint32, in *cpu.Inst) {
	t.count++
	if t.count > t.max {
		return
	}
	// events belong to the previous instruction: the hook runs before execution
	if events := t.collector.GetAndClear(); len(events) > 0 {
		t.out.Write(formatEvents(events))
	}
	dis := in.Format(pc)
	sym, off, _ := t.m.Image().SymbolAt(pc)
	if off != 0 {
		sym = ""
	}
	t.out.Write(formatLine(pc, in, dis, sym))
	if isBlockEnd(in) {
		t.out.Write("")
	}
}

func (t *tracer) header(firmware string) {
	if cwd, err := os.Getwd(); err == nil {
		if rel, err := filepath.Rel(cwd, firmware); err == nil && !strings.HasPrefix(rel, "..") {
			firmware = rel
		}
	}
	img := t.m.Image()
	model := t.m.Model()
	t.out.Write("")
	t.out.Write(fmt.Sprintf("%s seemu ─ secure-element firmware emulator", colorize.Header("▶")))
	t.out.Write(fmt.Sprintf("  %s %s  %s %s",
		colorize.Detail("Loading:"), firmware,
		colorize.Detail("Model:"), colorize.FuncName(model.Name)))
	t.out.Write(fmt.Sprintf("  %s %s  %s %s",
		colorize.Detail("Entry:"), colorize.Address(img.Entry&^1),
		colorize.Detail("Stack:"), colorize.Address(img.StackTop)))
	t.out.Write(fmt.Sprintf("  %s %s  %s %s",
		colorize.Detail("Symbols:"), colorize.FuncName(fmt.Sprint(len(img.Symbols))),
		colorize.Detail("Syscalls:"), colorize.FuncName(fmt.Sprint(t.m.Table().Len()))))
	if name, off, ok := img.SymbolAt(img.Entry &^ 1); ok && off == 0 {
		t.out.Write(fmt.Sprintf("  %s %s", colorize.Detail("Entry point:"), colorize.FuncName(name)))
	}
	t.out.Write("")
}

func (t *tracer) close() {
	if events := t.collector.GetAndClear(); len(events) > 0 && t.count <= t.max {
		t.out.Write(formatEvents(events))
	}
	t.out.Close()
}

func instructionTags(in *cpu.Inst) []string {
	switch in.Op {
	case cpu.OpSVC:
		return []string{"#syscall"}
	case cpu.OpBL, cpu.OpBLX:
		return []string{"#call"}
	case cpu.OpBX:
		if in.Rm == cpu.LR {
			return []string{"#ret"}
		}
		return []string{"#br"}
	case cpu.OpPOP:
		if in.List&(1<<cpu.PC) != 0 {
			return []string{"#ret"}
		}
	case cpu.OpEOR:
		return []string{"#xor"}
	case cpu.OpUDF:
		return []string{"#fault"}
	case cpu.OpBKPT:
		return []string{"#breakpoint"}
	}
	return nil
}

func isBlockEnd(in *cpu.Inst) bool {
	switch in.Op {
	case cpu.OpB, cpu.OpBX, cpu.OpCBZ, cpu.OpCBNZ, cpu.OpTBB, cpu.OpTBH:
		return true
	case cpu.OpPOP:
		return in.List&(1<<cpu.PC) != 0
	}
	return false
}

func formatLine(pc uint32, in *cpu.Inst, dis, funcName string) string {
	var b strings.Builder
	b.Grow(256)
	visibleLen := 0

	b.WriteString(colorize.Address(pc))
	b.WriteString("  ")
	visibleLen += 8 + 2

	// halfwords in fetch order, as objdump prints Thumb-2
	var hexBytes string
	if in.Size == 4 {
		hexBytes = fmt.Sprintf("%04X %04X", in.Raw>>16, in.Raw&0xffff)
	} else {
		hexBytes = fmt.Sprintf("%04X     ", in.Raw&0xffff)
	}
	b.WriteString(colorize.HexBytes(hexBytes))
	b.WriteString("  ")
	visibleLen += len(hexBytes) + 2

	b.WriteString(colorize.Instruction(dis))
	visibleLen += len(dis)

	const insnCol = 52
	for visibleLen < insnCol {
		b.WriteByte(' ')
		visibleLen++
	}
	if tags := instructionTags(in); len(tags) > 0 {
		b.WriteString(colorize.Comment("; " + strings.Join(tags, " ")))
		b.WriteString("  ")
	}
	if funcName != "" {
		b.WriteString(colorize.FuncName(funcName))
	}
	return b.String()
}

func formatEvents(events []*trace.Event) string {
	var b strings.Builder
	for i, e := range events {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(strings.Repeat(" ", 10))
		b.WriteString(colorize.Border("└─ "))
		b.WriteString(colorize.Tag(strings.Join(e.Tags.Strings(), " ")))
		b.WriteByte(' ')
		b.WriteString(colorize.FuncName(e.Name))
		if e.Detail != "" {
			b.WriteString("  ")
			b.WriteString(colorize.Detail(e.Detail))
		}
		if len(e.Annotations) > 0 {
			keys := make([]string, 0, len(e.Annotations))
			for k := range e.Annotations {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				b.WriteString(colorize.Detail(" " + k + "=" + e.Annotations[k]))
			}
		}
	}
	return b.String()
}
