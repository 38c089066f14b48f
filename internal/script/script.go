// Package script runs JavaScript automation against a machine.
//
// A script sees a small set of globals:
//
//	press(b) release(b) pressAndRelease(b)  b is "left", "right", "both" or a mask
//	tick(n)                                 n ticker events, default 1
//	apdu(hex) -> hex                        exchange one APDU frame
//	apduNowait(hex) -> {receive() -> hex}   exchange without waiting
//	snapshot() -> hex                       sha256 of the RGB24 screen
//	state() -> object                       current observation
//	fingerTouch(x, y)                       press and release a finger
//	waitForText(text, ms) -> object         next screen text containing text
//	setAutomation(rules)                    rule document or object, null disables
//	breakpoint(addr) clearBreakpoint(addr)
//	step() resume() -> object               drive a halted machine
//	registers() -> object                   r0..pc, flags and mode
//	readMemory(addr, n) -> hex
//	log(...) assert(cond, msg)
//
// Any thrown exception fails the run.
package script

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/zboralski/seemu/internal/automation"
	"github.com/zboralski/seemu/internal/cpu"
	"github.com/zboralski/seemu/internal/display"
	"github.com/zboralski/seemu/internal/emulator"
	"github.com/zboralski/seemu/internal/log"
	"github.com/zboralski/seemu/internal/syscalls"
)

// Target is the machine surface scripts drive.
type Target interface {
	Press(ctx context.Context, button uint32) (emulator.Observation, error)
	Release(ctx context.Context, button uint32) (emulator.Observation, error)
	PressAndRelease(ctx context.Context, button uint32) (emulator.Observation, error)
	Tick(ctx context.Context) (emulator.Observation, error)
	Exchange(ctx context.Context, apdu []byte) ([]byte, error)
	Snapshot(ctx context.Context) ([]byte, emulator.Observation, error)
	State(ctx context.Context) (emulator.Observation, error)

	ExchangeNowait(ctx context.Context, apdu []byte) (emulator.Pending, error)
	FingerTouch(ctx context.Context, x, y uint16) (emulator.Observation, error)
	SetAutomation(ctx context.Context, rules *automation.Rules) error
	Subscribe(buf int) (<-chan display.Text, func())
	AddBreakpoint(ctx context.Context, addr uint32) error
	RemoveBreakpoint(ctx context.Context, addr uint32) error
	Step(ctx context.Context) (emulator.Observation, error)
	Resume(ctx context.Context) (emulator.Observation, error)
	Registers(ctx context.Context) (cpu.State, error)
	ReadMemory(ctx context.Context, addr uint32, n int) ([]byte, error)
}

const (
	textBacklog     = 256
	defaultTextWait = 10 * time.Second
)

// AssertionError is thrown by assert().
type AssertionError struct {
	Msg string
}

func (e *AssertionError) Error() string { return "assertion failed: " + e.Msg }

// Error is a script failure with its JavaScript stack.
type Error struct {
	Name  string
	Err   error
	Stack string
}

func (e *Error) Error() string {
	if e.Stack != "" {
		return fmt.Sprintf("script %s: %v\n%s", e.Name, e.Err, e.Stack)
	}
	return fmt.Sprintf("script %s: %v", e.Name, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type runner struct {
	ctx   context.Context
	t     Target
	log   *log.Logger
	texts <-chan display.Text
}

// Run executes src against t. Cancelling ctx interrupts the script.
func Run(ctx context.Context, t Target, name, src string, l *log.Logger) error {
	if l == nil {
		l = log.NewNop()
	}
	r := &runner{ctx: ctx, t: t, log: l.WithCategory("script").With(zap.String("script", name))}

	// texts published while the script runs are kept for waitForText
	texts, unsubscribe := t.Subscribe(textBacklog)
	defer unsubscribe()
	r.texts = texts

	vm := goja.New()
	stop := context.AfterFunc(ctx, func() { vm.Interrupt(ctx.Err()) })
	defer stop()

	for k, v := range map[string]any{
		"press":           r.button(t.Press),
		"release":         r.button(t.Release),
		"pressAndRelease": r.button(t.PressAndRelease),
		"tick":            r.tick,
		"apdu":            r.apdu,
		"snapshot":        r.snapshot,
		"state":           r.state,
		"apduNowait":      r.apduNowait,
		"fingerTouch":     r.fingerTouch,
		"waitForText":     r.waitForText,
		"setAutomation":   r.setAutomation,
		"breakpoint":      r.breakpoint,
		"clearBreakpoint": r.clearBreakpoint,
		"step":            r.observe(t.Step),
		"resume":          r.observe(t.Resume),
		"registers":       r.registers,
		"readMemory":      r.readMemory,
		"log":             r.logf,
		"assert":          r.assert,
	} {
		if err := vm.Set(k, v); err != nil {
			return fmt.Errorf("script %s: bind %s: %w", name, k, err)
		}
	}

	r.log.Info("start")
	_, err := vm.RunScript(name, src)
	if err != nil {
		return scriptError(name, err)
	}
	r.log.Info("done")
	return nil
}

func scriptError(name string, err error) error {
	var intr *goja.InterruptedError
	if errors.As(err, &intr) {
		if cause, ok := intr.Value().(error); ok {
			return &Error{Name: name, Err: cause}
		}
		return &Error{Name: name, Err: err}
	}
	var exc *goja.Exception
	if errors.As(err, &exc) {
		cause := exc.Unwrap()
		if cause == nil {
			cause = errors.New(exc.Value().String())
		}
		return &Error{Name: name, Err: cause, Stack: exc.String()}
	}
	return &Error{Name: name, Err: err}
}

// ParseButton accepts "left", "right", "both" or a numeric mask.
func ParseButton(v any) (uint32, error) {
	switch b := v.(type) {
	case string:
		switch strings.ToLower(b) {
		case "left", "l":
			return syscalls.ButtonLeft, nil
		case "right", "r":
			return syscalls.ButtonRight, nil
		case "both", "lr":
			return syscalls.ButtonBoth, nil
		}
		return 0, fmt.Errorf("unknown button %q", b)
	case int64:
		if b >= syscalls.ButtonLeft && b <= syscalls.ButtonBoth {
			return uint32(b), nil
		}
	case float64:
		if b >= syscalls.ButtonLeft && b <= syscalls.ButtonBoth && b == float64(int64(b)) {
			return uint32(b), nil
		}
	}
	return 0, fmt.Errorf("invalid button %v", v)
}

func (r *runner) button(fn func(context.Context, uint32) (emulator.Observation, error)) func(goja.Value) (map[string]any, error) {
	return func(v goja.Value) (map[string]any, error) {
		if v == nil || goja.IsUndefined(v) {
			return nil, errors.New("button required")
		}
		b, err := ParseButton(v.Export())
		if err != nil {
			return nil, err
		}
		obs, err := fn(r.ctx, b)
		if err != nil {
			return nil, err
		}
		return observation(obs), nil
	}
}

func (r *runner) tick(n goja.Value) (map[string]any, error) {
	count := int64(1)
	if n != nil && !goja.IsUndefined(n) {
		count = n.ToInteger()
	}
	if count < 1 {
		return nil, fmt.Errorf("tick count %d", count)
	}
	var obs emulator.Observation
	for i := int64(0); i < count; i++ {
		var err error
		if obs, err = r.t.Tick(r.ctx); err != nil {
			return nil, err
		}
	}
	return observation(obs), nil
}

func (r *runner) apdu(h string) (string, error) {
	cmd, err := hex.DecodeString(strings.ReplaceAll(h, " ", ""))
	if err != nil {
		return "", fmt.Errorf("apdu: %w", err)
	}
	resp, err := r.t.Exchange(r.ctx, cmd)
	if err != nil {
		return "", err
	}
	r.log.Debug("apdu", zap.String("cmd", hex.EncodeToString(cmd)), zap.String("resp", hex.EncodeToString(resp)))
	return hex.EncodeToString(resp), nil
}

func (r *runner) apduNowait(h string) (map[string]any, error) {
	cmd, err := hex.DecodeString(strings.ReplaceAll(h, " ", ""))
	if err != nil {
		return nil, fmt.Errorf("apduNowait: %w", err)
	}
	p, err := r.t.ExchangeNowait(r.ctx, cmd)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"receive": func() (string, error) {
			defer p.Close()
			resp, err := p.Receive(r.ctx)
			if err != nil {
				return "", err
			}
			return hex.EncodeToString(resp), nil
		},
		"close": p.Close,
	}, nil
}

func (r *runner) fingerTouch(x, y int64) (map[string]any, error) {
	if x < 0 || y < 0 || x > 0xffff || y > 0xffff {
		return nil, fmt.Errorf("fingerTouch: bad position %d,%d", x, y)
	}
	obs, err := r.t.FingerTouch(r.ctx, uint16(x), uint16(y))
	if err != nil {
		return nil, err
	}
	return observation(obs), nil
}

func (r *runner) waitForText(text string, ms goja.Value) (map[string]any, error) {
	wait := defaultTextWait
	if ms != nil && !goja.IsUndefined(ms) {
		wait = time.Duration(ms.ToInteger()) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(r.ctx, wait)
	defer cancel()
	t, err := emulator.WaitForText(ctx, r.texts, text)
	if err != nil {
		return nil, fmt.Errorf("waitForText %q: %w", text, err)
	}
	return map[string]any{
		"text":   t.Text,
		"x":      int64(t.X),
		"y":      int64(t.Y),
		"w":      int64(t.Width),
		"h":      int64(t.Height),
		"screen": int64(t.Screen),
	}, nil
}

// setAutomation takes a rule document string or the equivalent object.
func (r *runner) setAutomation(v goja.Value) error {
	var rules *automation.Rules
	if v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
		doc, ok := v.Export().(string)
		if !ok {
			raw, err := json.Marshal(v.Export())
			if err != nil {
				return fmt.Errorf("setAutomation: %w", err)
			}
			doc = string(raw)
		}
		var err error
		if rules, err = automation.Parse([]byte(doc)); err != nil {
			return err
		}
	}
	return r.t.SetAutomation(r.ctx, rules)
}

func (r *runner) breakpoint(addr int64) error {
	return r.t.AddBreakpoint(r.ctx, uint32(addr))
}

func (r *runner) clearBreakpoint(addr int64) error {
	return r.t.RemoveBreakpoint(r.ctx, uint32(addr))
}

func (r *runner) observe(fn func(context.Context) (emulator.Observation, error)) func() (map[string]any, error) {
	return func() (map[string]any, error) {
		obs, err := fn(r.ctx)
		if err != nil {
			return nil, err
		}
		return observation(obs), nil
	}
}

func (r *runner) registers() (map[string]any, error) {
	regs, err := r.t.Registers(r.ctx)
	if err != nil {
		return nil, err
	}
	m := map[string]any{
		"flags": regs.Flags.String(),
		"mode":  regs.Mode.String(),
	}
	for i, v := range regs.R {
		m[cpu.RegName(uint8(i))] = int64(v)
	}
	return m, nil
}

func (r *runner) readMemory(addr, n int64) (string, error) {
	if addr < 0 || addr > 0xffffffff || n < 0 {
		return "", fmt.Errorf("readMemory: bad range %d+%d", addr, n)
	}
	raw, err := r.t.ReadMemory(r.ctx, uint32(addr), int(n))
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

func (r *runner) snapshot() (string, error) {
	raw, _, err := r.t.Snapshot(r.ctx)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func (r *runner) state() (map[string]any, error) {
	obs, err := r.t.State(r.ctx)
	if err != nil {
		return nil, err
	}
	return observation(obs), nil
}

func (r *runner) logf(call goja.FunctionCall) goja.Value {
	parts := make([]string, len(call.Arguments))
	for i, a := range call.Arguments {
		parts[i] = a.String()
	}
	r.log.Info(strings.Join(parts, " "))
	return goja.Undefined()
}

func (r *runner) assert(cond bool, msg goja.Value) error {
	if cond {
		return nil
	}
	m := "assert"
	if msg != nil && !goja.IsUndefined(msg) {
		m = msg.String()
	}
	return &AssertionError{Msg: m}
}

func observation(obs emulator.Observation) map[string]any {
	m := map[string]any{
		"state":    obs.State.String(),
		"pc":       int64(obs.PC),
		"waiting":  obs.Waiting,
		"nvmDirty": obs.NVMDirty,
		"screen":   int64(obs.Screen),
		"ticks":    int64(obs.Ticks),
		"steps":    int64(obs.Steps),
		"buttons":  int64(obs.Buttons),
		"exitCode": int64(obs.ExitCode),
	}
	if obs.Crash != nil {
		m["crash"] = obs.Crash.Error()
	}
	return m
}
