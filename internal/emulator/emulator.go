// Package emulator drives a firmware image: it owns the CPU core and address
// space of one session, dispatches supervisor calls, and serves control
// requests at the machine's suspension points.
package emulator

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zboralski/seemu/internal/automation"
	"github.com/zboralski/seemu/internal/cpu"
	"github.com/zboralski/seemu/internal/display"
	"github.com/zboralski/seemu/internal/hw"
	"github.com/zboralski/seemu/internal/loader"
	"github.com/zboralski/seemu/internal/log"
	"github.com/zboralski/seemu/internal/mem"
	"github.com/zboralski/seemu/internal/nvm"
	"github.com/zboralski/seemu/internal/syscalls"
	"github.com/zboralski/seemu/internal/trace"
)

// Defaults for Config.
const (
	DefaultQueueSize = 64
	DefaultTraceSize = 1024
	// pollInterval is how many instructions run between polls of the
	// request channel while the firmware computes.
	pollInterval = 4096
)

var (
	// ErrTransport reports a missing or lost transport collaborator.
	ErrTransport = syscalls.ErrTransport
	// ErrStopped is returned once a stop request or cancellation ended the
	// session.
	ErrStopped = errors.New("machine stopped")
	// ErrTerminal rejects requests that need a live machine.
	ErrTerminal = errors.New("machine is in a terminal state")
	// ErrNotHalted rejects single-step outside the halted state.
	ErrNotHalted = errors.New("machine is not halted")
	// ErrQueueFull is returned when the event queue cannot take an input.
	ErrQueueFull = errors.New("event queue full")
	// ErrReset fails exchanges that were pending when the machine reset.
	ErrReset = errors.New("machine reset")
	// ErrNoTouch rejects finger events on models without a touch screen.
	ErrNoTouch = errors.New("model has no touch screen")
	// ErrOffScreen rejects finger events outside the screen.
	ErrOffScreen = errors.New("touch outside the screen")
)

// State is the run loop state.
type State int

const (
	StateLoaded State = iota
	StateRunning
	StateDispatching
	StateHalted
	StateExited
	StateCrashed
)

var stateNames = [...]string{"loaded", "running", "dispatching", "halted", "exited", "crashed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further execution is possible.
func (s State) Terminal() bool { return s == StateExited || s == StateCrashed }

// Crash is the diagnostic of a session that ended on a fault.
type Crash struct {
	Reason string
	PC     uint32
	// Addr is the faulting data address for memory faults, else PC.
	Addr   uint32
	Symbol string
	Regs   cpu.State
	Err    error
}

func (c *Crash) Error() string {
	where := log.Hex(c.PC)
	if c.Symbol != "" {
		where += " <" + c.Symbol + ">"
	}
	return fmt.Sprintf("crashed at %s: %s", where, c.Reason)
}

func (c *Crash) Unwrap() error { return c.Err }

// Observation is the externally visible state returned by control requests.
type Observation struct {
	State State
	PC    uint32
	// Waiting is set while the firmware is blocked in io_event_wait.
	Waiting  bool
	NVMDirty bool
	// Screen is the display version, bumped on every refresh.
	Screen   uint64
	Ticks    uint32
	Steps    uint64
	Buttons  uint32
	ExitCode uint32
	Crash    *Crash
}

// Sink receives outbound APDU frames no exchange is waiting for. Send must
// not block; an unavailable peer is reported with an error wrapping
// ErrTransport.
type Sink interface {
	Send(frame []byte) error
}

// CodeHookFunc is called before each executed instruction.
type CodeHookFunc func(pc uint32, in *cpu.Inst)

// Config parameterizes a session.
type Config struct {
	// NVMPath is the persisted image; empty keeps NVM in memory.
	NVMPath string
	// Seed is the master seed used for key derivation.
	Seed []byte
	// RNGSeed seeds the ChaCha8 stream behind cx_rng and the rng window.
	RNGSeed [32]byte
	// EventTimeout bounds each io_event_wait; zero waits forever.
	EventTimeout time.Duration
	Breakpoints  []uint32
	// Automation answers screen texts with inputs; nil disables it.
	Automation *automation.Rules
	Sink       Sink
	QueueSize  int
	TraceSize  int
	Logger     *log.Logger
}

// Machine is one emulation session. Run owns all mutable state; other
// goroutines interact through the request methods, which return copies.
type Machine struct {
	id    string
	cfg   Config
	img   *loader.Image
	model *hw.Model
	log   *log.Logger

	core   *cpu.Core
	space  *mem.Space
	nvm    *nvm.Image
	screen *display.Screen
	disp   *syscalls.Dispatcher
	rng    *rand.ChaCha8

	state    State
	waiting  bool
	exitCode uint32
	crash    *Crash
	ticks    uint32
	buttons  uint32

	queue     []syscalls.Event
	waiters   []*request // settle at the next suspension point
	exchanges []*request // waiting for an outbound frame

	breaks   map[uint32]bool
	skipOnce bool
	rules    *automation.Rules

	codeHooks []CodeHookFunc

	reqs     chan *request
	stopping atomic.Bool
	started  atomic.Bool
	done     chan struct{}
	doneOnce sync.Once
	finished chan struct{}

	textMu     sync.Mutex
	textSubs   map[int]chan display.Text
	textNext   int
	textClosed bool

	traceMu     sync.Mutex
	traceEvents []*trace.Event
	onEvent     []func(*trace.Event)
}

// New prepares a session for img. The machine is in StateLoaded until Run.
func New(img *loader.Image, cfg Config) (*Machine, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.TraceSize <= 0 {
		cfg.TraceSize = DefaultTraceSize
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}

	model := img.Model()
	m := &Machine{
		id:     uuid.NewString(),
		cfg:    cfg,
		img:    img,
		model:  model,
		screen: display.New(model.Screen.Width, model.Screen.Height, model.Screen.Align),
		rng:    rand.NewChaCha8(cfg.RNGSeed),
		breaks: make(map[uint32]bool),
		rules:  cfg.Automation,
		reqs:   make(chan *request, cfg.QueueSize),
		done:   make(chan struct{}),

		finished: make(chan struct{}),
	}
	m.log = cfg.Logger.With(log.Session(m.id))
	m.screen.OnText = m.publishText
	for _, bp := range cfg.Breakpoints {
		m.breaks[bp&^1] = true
	}

	var nvmBase uint32
	if r := model.RegionOf(hw.KindNVM); r != nil {
		nvmBase = r.Base
		var err error
		if m.nvm, err = openNVM(cfg.NVMPath, r.Size, img.NVMContent()); err != nil {
			return nil, err
		}
	}

	table, err := syscalls.ForModel(model)
	if err != nil {
		return nil, err
	}
	env := &syscalls.Env{
		Model:   model,
		Screen:  m.screen,
		NVM:     m.nvm,
		NVMBase: nvmBase,
		RNG:     m.rng,
		Seed:    cfg.Seed,
		IO:      m,
	}
	m.disp = syscalls.NewDispatcher(table, env, m.log.WithCategory(string(trace.Syscall)))
	m.disp.OnCall = m.addTraceEvent

	space, err := img.Space(m.backings())
	if err != nil {
		return nil, err
	}
	m.space = space
	m.core = cpu.New(space, model.ExitSentinel)
	m.core.Hook = m.runCodeHooks
	m.core.Reset(img.Entry, img.StackTop)

	m.log.Info("loaded",
		zap.String("path", img.Path),
		zap.String("model", model.Name),
		log.Ptr("entry", img.Entry),
		log.Ptr("sp", img.StackTop),
		zap.Int("syscalls", table.Len()),
	)
	return m, nil
}

func openNVM(path string, size uint32, initial []byte) (*nvm.Image, error) {
	if path == "" {
		img := nvm.New(size)
		if err := img.WriteAt(initial, 0); err != nil {
			return nil, err
		}
		img.Clean()
		return img, nil
	}
	img, _, err := nvm.Load(path, size, initial)
	return img, err
}

// ID returns the session identifier.
func (m *Machine) ID() string { return m.id }

// Model returns the hardware profile.
func (m *Machine) Model() *hw.Model { return m.model }

// Image returns the loaded firmware.
func (m *Machine) Image() *loader.Image { return m.img }

// Table returns the syscall table of the session.
func (m *Machine) Table() *syscalls.Table { return m.disp.Table() }

// Done is closed when the machine reaches a terminal state.
func (m *Machine) Done() <-chan struct{} { return m.done }

// HookCode adds a hook called before every executed instruction. Hooks must
// be added before Run and run on the machine goroutine.
func (m *Machine) HookCode(fn CodeHookFunc) {
	m.codeHooks = append(m.codeHooks, fn)
}

// OnEvent adds a callback for every trace event. Like HookCode it must be
// registered before Run.
func (m *Machine) OnEvent(fn func(*trace.Event)) {
	m.onEvent = append(m.onEvent, fn)
}

func (m *Machine) runCodeHooks(pc uint32, in *cpu.Inst) {
	for _, h := range m.codeHooks {
		h(pc, in)
	}
}

// addTraceEvent records e in the bounded trace buffer.
func (m *Machine) addTraceEvent(e *trace.Event) {
	m.traceMu.Lock()
	if len(m.traceEvents) >= m.cfg.TraceSize {
		copy(m.traceEvents, m.traceEvents[1:])
		m.traceEvents = m.traceEvents[:len(m.traceEvents)-1]
	}
	m.traceEvents = append(m.traceEvents, e)
	m.traceMu.Unlock()

	for _, fn := range m.onEvent {
		fn(e)
	}
}

// TraceEvents returns the most recent trace events, oldest first.
func (m *Machine) TraceEvents() []*trace.Event {
	m.traceMu.Lock()
	defer m.traceMu.Unlock()
	return append([]*trace.Event(nil), m.traceEvents...)
}

// ClearTrace drops the recorded trace events.
func (m *Machine) ClearTrace() {
	m.traceMu.Lock()
	defer m.traceMu.Unlock()
	m.traceEvents = nil
}

// Final returns the last observation once Run has returned.
func (m *Machine) Final() (Observation, bool) {
	select {
	case <-m.finished:
		return m.observe(), true
	default:
		return Observation{}, false
	}
}

func (m *Machine) observe() Observation {
	o := Observation{
		State:    m.state,
		PC:       m.core.R[cpu.PC],
		Waiting:  m.waiting,
		Screen:   m.screen.Version(),
		Ticks:    m.ticks,
		Steps:    m.core.Steps(),
		Buttons:  m.buttons,
		ExitCode: m.exitCode,
		Crash:    m.crash,
	}
	if m.nvm != nil {
		o.NVMDirty = m.nvm.Dirty()
	}
	return o
}

func (m *Machine) symbolize(addr uint32) string {
	name, off, ok := m.img.SymbolAt(addr)
	if !ok {
		return ""
	}
	if off == 0 {
		return name
	}
	return fmt.Sprintf("%s+0x%x", name, off)
}
