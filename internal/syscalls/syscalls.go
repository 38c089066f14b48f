// Package syscalls implements the supervisor-call ABI: a closed table of
// syscall definitions built once per hardware profile and a dispatcher that
// marshals parameter blocks between guest memory and host handlers.
//
// Calling convention: svc #1 with r0 = syscall id and r1 = pointer to a block
// of 32-bit parameters. The top byte of the id is the parameter count. The
// handler result is returned in r0.
package syscalls

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/zboralski/seemu/internal/display"
	"github.com/zboralski/seemu/internal/hw"
	"github.com/zboralski/seemu/internal/nvm"
	"github.com/zboralski/seemu/internal/trace"
)

// SVCImm is the only supervisor-call immediate the ABI uses.
const SVCImm = 1

// MaxBuffer bounds any single guest buffer a handler reads.
const MaxBuffer = 64 << 10

// Status words returned to firmware for recoverable failures.
const (
	// TransportFailure is returned when a send fails.
	TransportFailure = 0xffffffff
	// ArgumentFailure is returned for parameters a handler cannot honor,
	// such as oversized buffers or non-hardened derivation paths.
	ArgumentFailure = 0xfffffffe
)

var (
	// ErrTransport reports a lost or absent transport collaborator.
	// Handlers recover from it in place.
	ErrTransport = errors.New("transport unavailable")
	// ErrTimeout is a transport error raised when an event wait expires.
	ErrTimeout = fmt.Errorf("event wait timed out: %w", ErrTransport)
)

// UnknownSyscallError is raised for ids outside the table.
type UnknownSyscallError struct {
	ID  uint32
	Imm uint8
}

func (e *UnknownSyscallError) Error() string {
	if e.Imm != SVCImm {
		return fmt.Sprintf("unknown syscall: svc #%d (id 0x%08x)", e.Imm, e.ID)
	}
	return fmt.Sprintf("unknown syscall 0x%08x", e.ID)
}

// ArgumentError reports a parameter no handler can honor. The dispatcher
// returns ArgumentFailure to the firmware instead of failing the session.
type ArgumentError struct {
	Syscall string
	Reason  string
}

func (e *ArgumentError) Error() string {
	return e.Syscall + ": " + e.Reason
}

// ExitError ends the session with a firmware-provided code.
type ExitError struct {
	Code uint32
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("firmware exited with code %d", e.Code)
}

// EventKind is the kind field of the event record.
type EventKind uint32

const (
	EventNone EventKind = iota
	EventPressed
	EventReleased
	EventTicker
	EventAPDU
	EventFingerPressed
	EventFingerReleased
)

func (k EventKind) String() string {
	switch k {
	case EventPressed:
		return "pressed"
	case EventReleased:
		return "released"
	case EventTicker:
		return "ticker"
	case EventAPDU:
		return "apdu"
	case EventFingerPressed:
		return "finger_pressed"
	case EventFingerReleased:
		return "finger_released"
	}
	return "timeout"
}

// Button bits.
const (
	ButtonLeft  = 1
	ButtonRight = 2
	ButtonBoth  = ButtonLeft | ButtonRight
)

// Finger reports whether k is a touch event.
func (k EventKind) Finger() bool {
	return k == EventFingerPressed || k == EventFingerReleased
}

// Event is one input delivered to io_event_wait. X and Y are set for finger
// events.
type Event struct {
	Kind   EventKind
	Button uint32
	X, Y   uint16
	Data   []byte
}

// IO is the run loop side of the input/transport handlers. WaitEvent is the
// single suspension point of a session.
type IO interface {
	WaitEvent(ctx context.Context) (Event, error)
	SendAPDU(ctx context.Context, apdu []byte) error
	Buttons() uint32
	Ticks() uint32
}

// Env holds the host-side collaborators handlers act on.
type Env struct {
	Model   *hw.Model
	Screen  *display.Screen
	NVM     *nvm.Image
	NVMBase uint32
	RNG     io.Reader
	Seed    []byte
	IO      IO
}

// Memory is the guest memory view handlers use. Every access is checked.
type Memory interface {
	Read(addr uint32, n int) ([]byte, error)
	Write(addr uint32, p []byte) error
	ReadWords(addr uint32, n int) ([]uint32, error)
}

// Handler implements one syscall and returns the r0 value.
type Handler func(c *Call) (uint32, error)

// Def is one syscall table entry.
type Def struct {
	ID       uint32
	Name     string
	Category trace.Tag
	Handler  Handler
}

// Params returns the size of the parameter block in words.
func (d *Def) Params() int { return int(d.ID >> 24) }

// Builtin returns every syscall this emulator implements.
func Builtin() []Def {
	var defs []Def
	defs = append(defs, osDefs()...)
	defs = append(defs, displayDefs()...)
	defs = append(defs, storageDefs()...)
	defs = append(defs, ioDefs()...)
	defs = append(defs, cryptoDefs()...)
	return defs
}

// Table maps syscall ids to definitions. It is read-only once built.
type Table struct {
	byID map[uint32]*Def
	defs []*Def
}

// NewTable builds a table from defs, keeping those allow accepts. A nil
// allow keeps everything.
func NewTable(defs []Def, allow func(name string) bool) (*Table, error) {
	t := &Table{byID: make(map[uint32]*Def)}
	names := make(map[string]bool)
	for i := range defs {
		d := defs[i]
		if names[d.Name] {
			return nil, fmt.Errorf("duplicate syscall name %s", d.Name)
		}
		if prev, dup := t.byID[d.ID]; dup {
			return nil, fmt.Errorf("syscall id 0x%08x used by %s and %s", d.ID, prev.Name, d.Name)
		}
		names[d.Name] = true
		if allow != nil && !allow(d.Name) {
			continue
		}
		t.byID[d.ID] = &d
		t.defs = append(t.defs, &d)
	}
	sort.Slice(t.defs, func(i, j int) bool { return t.defs[i].ID < t.defs[j].ID })
	return t, nil
}

// ForModel builds the builtin table filtered by the profile's allow-list.
// Names in the allow-list that no handler implements are an error.
func ForModel(m *hw.Model) (*Table, error) {
	defs := Builtin()
	known := make(map[string]bool, len(defs))
	for _, d := range defs {
		known[d.Name] = true
	}
	for _, name := range m.Syscalls {
		if !known[name] {
			return nil, fmt.Errorf("model %s: unknown syscall %q in allow-list", m.Name, name)
		}
	}
	return NewTable(defs, m.HasSyscall)
}

// Lookup returns the definition for id.
func (t *Table) Lookup(id uint32) (*Def, bool) {
	d, ok := t.byID[id]
	return d, ok
}

// Name returns the syscall name for id, or its hex form.
func (t *Table) Name(id uint32) string {
	if d, ok := t.byID[id]; ok {
		return d.Name
	}
	return fmt.Sprintf("0x%08x", id)
}

// Len returns the number of syscalls in the table.
func (t *Table) Len() int { return len(t.defs) }

// Defs returns the definitions sorted by id.
func (t *Table) Defs() []*Def {
	out := make([]*Def, len(t.defs))
	copy(out, t.defs)
	return out
}
