package syscalls

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/zboralski/seemu/internal/log"
	"github.com/zboralski/seemu/internal/trace"
)

// Trap is a supervisor call taken by the CPU.
type Trap struct {
	PC     uint32 // address of the svc instruction
	Imm    uint8
	ID     uint32 // r0
	Params uint32 // r1
	Step   uint64
}

// Call is the context of one handler invocation.
type Call struct {
	Ctx  context.Context
	Def  *Def
	Trap Trap
	Args []uint32
	Mem  Memory
	Env  *Env

	log    *log.Logger
	detail string
	notes  trace.Annotations
}

// Arg returns parameter i.
func (c *Call) Arg(i int) uint32 {
	if i < len(c.Args) {
		return c.Args[i]
	}
	return 0
}

// Read copies n guest bytes at addr.
func (c *Call) Read(addr, n uint32) ([]byte, error) {
	if n > MaxBuffer {
		return nil, c.argError("buffer of %d bytes exceeds %d", n, MaxBuffer)
	}
	if n == 0 {
		return nil, nil
	}
	return c.Mem.Read(addr, int(n))
}

// Write stores p at addr.
func (c *Call) Write(addr uint32, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	return c.Mem.Write(addr, p)
}

// Log records the trace detail of the call.
func (c *Call) Log(format string, args ...any) {
	c.detail = fmt.Sprintf(format, args...)
}

// Annotate attaches a trace annotation.
func (c *Call) Annotate(k, v string) {
	if c.notes == nil {
		c.notes = make(trace.Annotations)
	}
	c.notes[k] = v
}

// Recovered logs an error the handler absorbed.
func (c *Call) Recovered(op string, err error) {
	c.log.Transport(op, err)
	c.Annotate("error", err.Error())
}

func (c *Call) argError(format string, args ...any) error {
	return &ArgumentError{Syscall: c.Def.Name, Reason: fmt.Sprintf(format, args...)}
}

// Dispatcher routes traps through a table to their handlers.
type Dispatcher struct {
	table *Table
	env   *Env
	log   *log.Logger

	// OnCall receives a trace event for every completed syscall.
	OnCall func(e *trace.Event)
	// Enrich adds secondary tags before OnCall.
	Enrich trace.Enricher
}

// NewDispatcher returns a dispatcher over table and env.
func NewDispatcher(table *Table, env *Env, l *log.Logger) *Dispatcher {
	if l == nil {
		l = log.NewNop()
	}
	return &Dispatcher{table: table, env: env, log: l, Enrich: trace.DefaultEnricher}
}

// Table returns the dispatcher's syscall table.
func (d *Dispatcher) Table() *Table { return d.table }

// Env returns the handler environment.
func (d *Dispatcher) Env() *Env { return d.env }

// Dispatch runs the handler for trap against m and returns the r0 value.
// Any error is fatal to the session except *ExitError, which ends it.
// Argument errors are answered with ArgumentFailure.
func (d *Dispatcher) Dispatch(ctx context.Context, m Memory, trap Trap) (uint32, error) {
	if trap.Imm != SVCImm {
		return 0, &UnknownSyscallError{ID: trap.ID, Imm: trap.Imm}
	}
	def, ok := d.table.Lookup(trap.ID)
	if !ok {
		return 0, &UnknownSyscallError{ID: trap.ID, Imm: trap.Imm}
	}

	c := &Call{Ctx: ctx, Def: def, Trap: trap, Mem: m, Env: d.env, log: d.log}
	if n := def.Params(); n > 0 {
		args, err := m.ReadWords(trap.Params, n)
		if err != nil {
			return 0, fmt.Errorf("%s parameter block: %w", def.Name, err)
		}
		c.Args = args
	}

	ret, err := def.Handler(c)
	var ae *ArgumentError
	if errors.As(err, &ae) {
		d.log.Warn("syscall rejected", log.Syscall(def.Name), log.Addr(trap.PC), zap.String("reason", ae.Reason))
		c.Annotate("error", ae.Reason)
		ret, err = ArgumentFailure, nil
	}
	if err != nil {
		d.log.Debug("syscall failed", log.Syscall(def.Name), log.Addr(trap.PC), zap.Error(err))
		return 0, err
	}
	d.emit(c, ret)
	return ret, nil
}

func (d *Dispatcher) emit(c *Call, ret uint32) {
	cat := string(c.Def.Category)
	d.log.Trace(c.Trap.PC, cat, c.Def.Name, c.detail)
	if d.OnCall == nil {
		return
	}
	e := trace.NewEvent(c.Trap.PC, c.Trap.Step, cat, c.Def.Name, c.detail)
	for k, v := range c.notes {
		e.Annotate(k, v)
	}
	e.Annotate("ret", log.Hex(ret))
	if d.Enrich != nil {
		d.Enrich(e)
	}
	d.OnCall(e)
}
