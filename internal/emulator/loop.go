package emulator

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/zboralski/seemu/internal/cpu"
	"github.com/zboralski/seemu/internal/log"
	"github.com/zboralski/seemu/internal/mem"
	"github.com/zboralski/seemu/internal/syscalls"
	"github.com/zboralski/seemu/internal/trace"
)

// errReset unwinds a pending syscall when a reset request arrives.
var errReset = errors.New("reset requested")

// Run executes the firmware and serves control requests until ctx is
// cancelled. Cancelling a live machine stops it. Run returns the *Crash of
// a crashed session, otherwise nil.
func (m *Machine) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("machine already started")
	}
	defer close(m.finished)
	stop := context.AfterFunc(ctx, func() { m.stopping.Store(true) })
	defer stop()

	m.state = StateRunning
	m.log.Info("running", log.Ptr("pc", m.core.R[cpu.PC]))
	for {
		if m.stopping.Load() && !m.state.Terminal() {
			m.exit(0, "stop")
		}
		if m.state == StateRunning {
			m.run(ctx)
			continue
		}
		select {
		case <-ctx.Done():
			if m.crash != nil {
				return m.crash
			}
			return nil
		case r := <-m.reqs:
			m.control(m.handle(ctx, r))
		}
	}
}

// run steps the core until the state leaves Running.
func (m *Machine) run(ctx context.Context) {
	for n := 0; ; n++ {
		if m.state != StateRunning || m.stopping.Load() {
			return
		}
		if n > 0 && n%pollInterval == 0 {
			m.poll(ctx)
			continue
		}
		m.step(ctx)
	}
}

// poll serves one request without blocking.
func (m *Machine) poll(ctx context.Context) {
	select {
	case r := <-m.reqs:
		m.control(m.handle(ctx, r))
	default:
	}
}

// step executes one instruction unless a breakpoint sits at pc. After a
// breakpoint halt the same instruction runs on the next step.
func (m *Machine) step(ctx context.Context) {
	pc := m.core.R[cpu.PC]
	if m.breaks[pc] && !m.skipOnce {
		m.skipOnce = true
		m.halt(pc, "breakpoint")
		return
	}
	m.skipOnce = false

	ev := m.core.Step()
	switch ev.Kind {
	case cpu.EventContinue:
	case cpu.EventSyscall:
		m.dispatch(ctx, ev)
	case cpu.EventBreakpoint:
		m.halt(ev.PC, "bkpt")
	case cpu.EventHalted:
		m.exit(m.core.R[0], "return")
	default:
		m.crashed(ev.PC, ev.Err)
	}
}

// singleStep executes exactly one instruction from the halted state.
func (m *Machine) singleStep(ctx context.Context) {
	m.skipOnce = true
	m.state = StateRunning
	m.step(ctx)
	if m.state == StateRunning {
		m.state = StateHalted
	}
}

func (m *Machine) dispatch(ctx context.Context, ev cpu.Event) {
	trap := syscalls.Trap{
		PC:     ev.PC,
		Imm:    ev.Imm,
		ID:     m.core.R[0],
		Params: m.core.R[1],
		Step:   m.core.Steps(),
	}
	m.state = StateDispatching
	ret, err := m.disp.Dispatch(ctx, m.space, trap)

	var exit *syscalls.ExitError
	switch {
	case err == nil:
		m.core.R[0] = ret
		m.state = StateRunning
	case errors.As(err, &exit):
		m.exit(exit.Code, m.disp.Table().Name(trap.ID))
	case errors.Is(err, errReset), errors.Is(err, ErrStopped):
		m.control(err)
	default:
		m.crashed(ev.PC, err)
	}
}

// control applies the reset and stop signals raised by request handling.
func (m *Machine) control(err error) {
	switch {
	case err == nil:
	case errors.Is(err, errReset):
		m.reset()
	case errors.Is(err, ErrStopped):
		m.exit(0, "stop")
	default:
		m.log.Error("control", zap.Error(err))
	}
}

// reset restarts the firmware from its entry point with fresh RAM and a
// blank screen. NVM keeps its content.
func (m *Machine) reset() {
	space, err := m.img.Space(m.backings())
	if err != nil {
		m.crashed(m.core.R[cpu.PC], err)
		return
	}
	m.space = space
	m.core.Rebind(space)
	m.core.Reset(m.img.Entry, m.img.StackTop)
	m.screen.Clear()
	m.queue = nil
	m.buttons = 0
	m.ticks = 0
	m.skipOnce = false
	for _, r := range m.exchanges {
		r.finish(response{err: ErrReset})
	}
	m.exchanges = nil

	m.state = StateRunning
	m.log.Info("reset", log.Ptr("pc", m.core.R[cpu.PC]))
}

func (m *Machine) halt(pc uint32, why string) {
	m.state = StateHalted
	m.log.Info("halted", log.Addr(pc), zap.String("cause", why), zap.String("sym", m.symbolize(pc)))
	m.addTraceEvent(trace.NewEvent(pc, m.core.Steps(), string(trace.Breakpoint), why, m.symbolize(pc)))
	m.settle()
}

func (m *Machine) exit(code uint32, why string) {
	m.exitCode = code
	m.log.Info("exited", zap.Uint32("code", code), zap.String("cause", why), zap.Uint64("steps", m.core.Steps()))
	m.terminate(StateExited)
}

func (m *Machine) crashed(pc uint32, err error) {
	if err == nil {
		err = errors.New("unknown failure")
	}
	c := &Crash{
		Reason: err.Error(),
		PC:     pc,
		Addr:   pc,
		Symbol: m.symbolize(pc),
		Regs:   m.core.State,
		Err:    err,
	}
	c.Regs.R[cpu.PC] = pc
	fields := []zap.Field{zap.String("sym", c.Symbol)}
	var f *mem.Fault
	if errors.As(err, &f) {
		c.Addr = f.Addr
		fields = append(fields, log.Ptr("addr", f.Addr), log.Size(uint32(f.Size)))
	}
	m.crash = c
	m.log.Crash(pc, c.Reason, fields...)

	e := trace.NewEvent(pc, m.core.Steps(), string(trace.Fault), "crash", c.Reason)
	e.Annotate("addr", log.Hex(c.Addr))
	m.addTraceEvent(e)
	m.terminate(StateCrashed)
}

// terminate ends the session: NVM is committed when it has a file, pending
// requests are answered and Done is closed.
func (m *Machine) terminate(s State) {
	m.state = s
	if m.nvm != nil && m.nvm.Path() != "" && m.nvm.Dirty() {
		if err := m.nvm.Flush(); err != nil {
			m.log.Error("nvm commit failed", zap.String("path", m.nvm.Path()), zap.Error(err))
		} else {
			m.log.Info("nvm committed", zap.String("path", m.nvm.Path()))
		}
	}
	err := ErrTerminal
	if m.crash != nil {
		err = errors.Join(ErrTerminal, m.crash)
	}
	for _, r := range m.exchanges {
		r.finish(response{err: err})
	}
	m.exchanges = nil
	m.queue = nil
	m.settle()
	m.closeTexts()
	m.doneOnce.Do(func() { close(m.done) })
}
