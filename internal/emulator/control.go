package emulator

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/zboralski/seemu/internal/automation"
	"github.com/zboralski/seemu/internal/cpu"
	"github.com/zboralski/seemu/internal/syscalls"
)

type reqKind int

const (
	reqPress reqKind = iota
	reqRelease
	reqTick
	reqTouch
	reqExchange
	reqSnapshot
	reqScreenshot
	reqState
	reqRegisters
	reqReadMemory
	reqAddBreakpoint
	reqRemoveBreakpoint
	reqStep
	reqResume
	reqReset
	reqStop
	reqFlush
	reqAutomation
)

// request is one control message to the machine goroutine.
type request struct {
	kind   reqKind
	button uint32
	data   []byte
	addr   uint32
	n      int
	// touch coordinates and direction
	x, y    uint16
	pressed bool
	rules   *automation.Rules
	reply   chan response
	// ctx is the caller's context; a done ctx means nobody reads reply.
	ctx context.Context
	// pending receives the frame of an exchange acknowledged on reply.
	pending *PendingExchange
}

type response struct {
	obs  Observation
	data []byte
	regs cpu.State
	err  error
}

func (r *request) respond(resp response) { r.reply <- resp }

func (r *request) fail(err error) { r.reply <- response{err: err} }

// finish answers an exchange with the frame or the error that ended it.
func (r *request) finish(resp response) {
	if r.pending != nil {
		r.pending.frame <- resp
		return
	}
	r.reply <- resp
}

// abandoned reports whether nobody will read the frame of an exchange.
func (r *request) abandoned() bool {
	if r.pending != nil {
		return r.pending.closed.Load()
	}
	return r.ctx != nil && r.ctx.Err() != nil
}

// Pending is an exchange whose response is read later. *PendingExchange
// implements it.
type Pending interface {
	Receive(ctx context.Context) ([]byte, error)
	Close()
}

// PendingExchange is an APDU delivered without waiting for its response.
type PendingExchange struct {
	frame    chan response
	closed   atomic.Bool
	finished <-chan struct{}
}

// Receive waits for the response frame. It returns once; later calls block
// until ctx is done.
func (p *PendingExchange) Receive(ctx context.Context) ([]byte, error) {
	select {
	case resp := <-p.frame:
		return resp.data, resp.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.finished:
		select {
		case resp := <-p.frame:
			return resp.data, resp.err
		default:
			return nil, ErrStopped
		}
	}
}

// Close gives up on the response. A frame sent afterwards goes to the sink.
func (p *PendingExchange) Close() { p.closed.Store(true) }

// handle serves r on the machine goroutine. The returned error is a reset
// or stop signal for the caller to apply.
func (m *Machine) handle(ctx context.Context, r *request) error {
	switch r.kind {
	case reqPress, reqRelease, reqTick, reqExchange:
		m.input(r)
	case reqTouch:
		if err := m.checkTouch(r.x, r.y); err != nil {
			r.fail(err)
			break
		}
		m.input(r)
	case reqAutomation:
		m.rules = r.rules
		n := 0
		if r.rules != nil {
			n = r.rules.Len()
		}
		m.log.Info("automation rules set", zap.Int("rules", n))
		r.respond(response{obs: m.observe()})
	case reqSnapshot:
		r.respond(response{obs: m.observe(), data: m.screen.Snapshot()})
	case reqScreenshot:
		var buf bytes.Buffer
		if err := m.screen.EncodePNG(&buf, r.n); err != nil {
			r.fail(err)
			break
		}
		r.respond(response{obs: m.observe(), data: buf.Bytes()})
	case reqState:
		r.respond(response{obs: m.observe()})
	case reqRegisters:
		r.respond(response{obs: m.observe(), regs: m.core.State})
	case reqReadMemory:
		if r.n < 0 || r.n > syscalls.MaxBuffer {
			r.fail(fmt.Errorf("read of %d bytes exceeds %d", r.n, syscalls.MaxBuffer))
			break
		}
		data, err := m.space.Peek(r.addr, r.n)
		r.respond(response{obs: m.observe(), data: data, err: err})
	case reqAddBreakpoint:
		m.breaks[r.addr&^1] = true
		r.respond(response{obs: m.observe()})
	case reqRemoveBreakpoint:
		delete(m.breaks, r.addr&^1)
		r.respond(response{obs: m.observe()})
	case reqFlush:
		var err error
		if m.nvm != nil {
			err = m.nvm.Flush()
		}
		r.respond(response{obs: m.observe(), err: err})
	case reqStep:
		if m.state != StateHalted {
			r.fail(ErrNotHalted)
			break
		}
		m.singleStep(ctx)
		r.respond(response{obs: m.observe()})
	case reqResume:
		if m.state != StateHalted {
			r.respond(response{obs: m.observe()})
			break
		}
		m.state = StateRunning
		m.waiters = append(m.waiters, r)
	case reqReset:
		if m.state.Terminal() {
			r.fail(ErrTerminal)
			break
		}
		m.waiters = append(m.waiters, r)
		return errReset
	case reqStop:
		if m.state.Terminal() {
			r.respond(response{obs: m.observe()})
			break
		}
		m.waiters = append(m.waiters, r)
		return ErrStopped
	}
	return nil
}

// input queues the event of an input request.
func (m *Machine) input(r *request) {
	if m.state.Terminal() {
		r.fail(ErrTerminal)
		return
	}
	if len(m.queue) >= m.cfg.QueueSize {
		r.fail(ErrQueueFull)
		return
	}
	var ev syscalls.Event
	switch r.kind {
	case reqPress:
		ev = syscalls.Event{Kind: syscalls.EventPressed, Button: r.button}
	case reqRelease:
		ev = syscalls.Event{Kind: syscalls.EventReleased, Button: r.button}
	case reqTick:
		ev = syscalls.Event{Kind: syscalls.EventTicker}
	case reqTouch:
		ev = syscalls.Event{Kind: syscalls.EventFingerReleased, X: r.x, Y: r.y}
		if r.pressed {
			ev.Kind = syscalls.EventFingerPressed
		}
	case reqExchange:
		ev = syscalls.Event{Kind: syscalls.EventAPDU, Data: r.data}
	}
	m.queue = append(m.queue, ev)

	switch {
	case r.kind == reqExchange:
		m.exchanges = append(m.exchanges, r)
		if r.pending != nil {
			r.respond(response{obs: m.observe()})
		}
	case m.state == StateHalted:
		r.respond(response{obs: m.observe()})
	default:
		m.waiters = append(m.waiters, r)
	}
}

// checkTouch validates a finger event for the model.
func (m *Machine) checkTouch(x, y uint16) error {
	if !m.model.Touch {
		return fmt.Errorf("%s: %w", m.model.Name, ErrNoTouch)
	}
	if int(x) >= m.model.Screen.Width || int(y) >= m.model.Screen.Height {
		return fmt.Errorf("touch at %d,%d on %dx%d: %w", x, y, m.model.Screen.Width, m.model.Screen.Height, ErrOffScreen)
	}
	return nil
}

// settle answers requests waiting for the firmware to go idle.
func (m *Machine) settle() {
	if len(m.waiters) == 0 {
		return
	}
	obs := m.observe()
	for _, r := range m.waiters {
		r.respond(response{obs: obs})
	}
	m.waiters = nil
}

// call sends r to the machine goroutine and waits for the reply.
func (m *Machine) call(ctx context.Context, r *request) (response, error) {
	r.reply = make(chan response, 1)
	r.ctx = ctx
	select {
	case m.reqs <- r:
	case <-ctx.Done():
		return response{}, ctx.Err()
	case <-m.finished:
		return response{}, ErrStopped
	}
	select {
	case resp := <-r.reply:
		return resp, resp.err
	case <-ctx.Done():
		return response{}, ctx.Err()
	case <-m.finished:
		select {
		case resp := <-r.reply:
			return resp, resp.err
		default:
			return response{}, ErrStopped
		}
	}
}

func (m *Machine) observation(ctx context.Context, r *request) (Observation, error) {
	resp, err := m.call(ctx, r)
	return resp.obs, err
}

// Press queues a button press and returns once the firmware is idle again.
func (m *Machine) Press(ctx context.Context, button uint32) (Observation, error) {
	return m.observation(ctx, &request{kind: reqPress, button: button})
}

// Release queues a button release.
func (m *Machine) Release(ctx context.Context, button uint32) (Observation, error) {
	return m.observation(ctx, &request{kind: reqRelease, button: button})
}

// PressAndRelease presses then releases button.
func (m *Machine) PressAndRelease(ctx context.Context, button uint32) (Observation, error) {
	if _, err := m.Press(ctx, button); err != nil {
		return Observation{}, err
	}
	return m.Release(ctx, button)
}

// Tick queues a ticker event. The tick counter advances when the firmware
// receives it.
func (m *Machine) Tick(ctx context.Context) (Observation, error) {
	return m.observation(ctx, &request{kind: reqTick})
}

// Touch queues a finger press or release at screen pixel x, y.
func (m *Machine) Touch(ctx context.Context, x, y uint16, pressed bool) (Observation, error) {
	return m.observation(ctx, &request{kind: reqTouch, x: x, y: y, pressed: pressed})
}

// FingerTouch presses then releases a finger at x, y.
func (m *Machine) FingerTouch(ctx context.Context, x, y uint16) (Observation, error) {
	if _, err := m.Touch(ctx, x, y, true); err != nil {
		return Observation{}, err
	}
	return m.Touch(ctx, x, y, false)
}

// Exchange delivers an APDU and returns the next frame the firmware sends.
func (m *Machine) Exchange(ctx context.Context, apdu []byte) ([]byte, error) {
	resp, err := m.call(ctx, &request{kind: reqExchange, data: bytes.Clone(apdu)})
	return resp.data, err
}

// ExchangeNowait delivers an APDU and returns once it is queued. The
// response frame is read from the returned exchange.
func (m *Machine) ExchangeNowait(ctx context.Context, apdu []byte) (*PendingExchange, error) {
	p := &PendingExchange{frame: make(chan response, 1), finished: m.finished}
	if _, err := m.call(ctx, &request{kind: reqExchange, data: bytes.Clone(apdu), pending: p}); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// SetAutomation replaces the rules applied to published screen texts. Nil
// disables automation.
func (m *Machine) SetAutomation(ctx context.Context, rules *automation.Rules) error {
	_, err := m.call(ctx, &request{kind: reqAutomation, rules: rules})
	return err
}

// Snapshot returns the published screen as RGB24 bytes.
func (m *Machine) Snapshot(ctx context.Context) ([]byte, Observation, error) {
	resp, err := m.call(ctx, &request{kind: reqSnapshot})
	return resp.data, resp.obs, err
}

// Screenshot returns the published screen as PNG, scaled by scale.
func (m *Machine) Screenshot(ctx context.Context, scale int) ([]byte, error) {
	resp, err := m.call(ctx, &request{kind: reqScreenshot, n: scale})
	return resp.data, err
}

// State returns the current observation.
func (m *Machine) State(ctx context.Context) (Observation, error) {
	return m.observation(ctx, &request{kind: reqState})
}

// Registers returns a copy of the register state.
func (m *Machine) Registers(ctx context.Context) (cpu.State, error) {
	resp, err := m.call(ctx, &request{kind: reqRegisters})
	return resp.regs, err
}

// ReadMemory copies n bytes of guest memory at addr.
func (m *Machine) ReadMemory(ctx context.Context, addr uint32, n int) ([]byte, error) {
	resp, err := m.call(ctx, &request{kind: reqReadMemory, addr: addr, n: n})
	return resp.data, err
}

// AddBreakpoint halts the machine before the instruction at addr runs.
func (m *Machine) AddBreakpoint(ctx context.Context, addr uint32) error {
	_, err := m.call(ctx, &request{kind: reqAddBreakpoint, addr: addr})
	return err
}

// RemoveBreakpoint clears the breakpoint at addr.
func (m *Machine) RemoveBreakpoint(ctx context.Context, addr uint32) error {
	_, err := m.call(ctx, &request{kind: reqRemoveBreakpoint, addr: addr})
	return err
}

// Step executes one instruction of a halted machine. Stepping into
// io_event_wait returns once an input is delivered.
func (m *Machine) Step(ctx context.Context) (Observation, error) {
	return m.observation(ctx, &request{kind: reqStep})
}

// Resume continues a halted machine and returns at the next suspension
// point.
func (m *Machine) Resume(ctx context.Context) (Observation, error) {
	return m.observation(ctx, &request{kind: reqResume})
}

// Reset restarts the firmware, keeping NVM. It fails in terminal states.
func (m *Machine) Reset(ctx context.Context) (Observation, error) {
	return m.observation(ctx, &request{kind: reqReset})
}

// Stop ends the session. Stopping an ended session is a no-op.
func (m *Machine) Stop(ctx context.Context) (Observation, error) {
	m.stopping.Store(true)
	return m.observation(ctx, &request{kind: reqStop})
}

// Flush commits NVM to its file.
func (m *Machine) Flush(ctx context.Context) (Observation, error) {
	return m.observation(ctx, &request{kind: reqFlush})
}
