// Package control exposes a running machine to automation over connect RPC.
// Messages are protobuf well-known types, so no generated code is needed:
// observations, registers and screen texts travel as google.protobuf.Struct,
// buttons, scales and addresses as UInt32Value, frames and images as
// BytesValue.
package control

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"connectrpc.com/connect"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/zboralski/seemu/internal/automation"
	"github.com/zboralski/seemu/internal/cpu"
	"github.com/zboralski/seemu/internal/display"
	"github.com/zboralski/seemu/internal/emulator"
	"github.com/zboralski/seemu/internal/log"
	"github.com/zboralski/seemu/internal/mem"
	"github.com/zboralski/seemu/internal/nvm"
	"github.com/zboralski/seemu/internal/syscalls"
)

// ServiceName is the fully-qualified control service name.
const ServiceName = "seemu.control.v1.ControlService"

// Procedure paths.
const (
	PressProcedure      = "/" + ServiceName + "/Press"
	ReleaseProcedure    = "/" + ServiceName + "/Release"
	TickProcedure       = "/" + ServiceName + "/Tick"
	SnapshotProcedure   = "/" + ServiceName + "/Snapshot"
	ScreenshotProcedure = "/" + ServiceName + "/Screenshot"
	ResetProcedure      = "/" + ServiceName + "/Reset"
	StopProcedure       = "/" + ServiceName + "/Stop"
	FlushProcedure      = "/" + ServiceName + "/Flush"
	ExchangeProcedure   = "/" + ServiceName + "/Exchange"
	StateProcedure      = "/" + ServiceName + "/State"

	RegistersProcedure        = "/" + ServiceName + "/Registers"
	ReadMemoryProcedure       = "/" + ServiceName + "/ReadMemory"
	AddBreakpointProcedure    = "/" + ServiceName + "/AddBreakpoint"
	RemoveBreakpointProcedure = "/" + ServiceName + "/RemoveBreakpoint"
	StepProcedure             = "/" + ServiceName + "/Step"
	ResumeProcedure           = "/" + ServiceName + "/Resume"
	TouchProcedure            = "/" + ServiceName + "/Touch"
	SetAutomationProcedure    = "/" + ServiceName + "/SetAutomation"

	// server streams
	EventsProcedure         = "/" + ServiceName + "/Events"
	ExchangeNowaitProcedure = "/" + ServiceName + "/ExchangeNowait"
)

// eventBuffer is the per-stream text backlog before texts are dropped.
const eventBuffer = 64

// Target is the machine surface the service drives. Local adapts an
// *emulator.Machine.
type Target interface {
	Press(ctx context.Context, button uint32) (emulator.Observation, error)
	Release(ctx context.Context, button uint32) (emulator.Observation, error)
	Tick(ctx context.Context) (emulator.Observation, error)
	Snapshot(ctx context.Context) ([]byte, emulator.Observation, error)
	Screenshot(ctx context.Context, scale int) ([]byte, error)
	Reset(ctx context.Context) (emulator.Observation, error)
	Stop(ctx context.Context) (emulator.Observation, error)
	Flush(ctx context.Context) (emulator.Observation, error)
	Exchange(ctx context.Context, apdu []byte) ([]byte, error)
	State(ctx context.Context) (emulator.Observation, error)

	Registers(ctx context.Context) (cpu.State, error)
	ReadMemory(ctx context.Context, addr uint32, n int) ([]byte, error)
	AddBreakpoint(ctx context.Context, addr uint32) error
	RemoveBreakpoint(ctx context.Context, addr uint32) error
	Step(ctx context.Context) (emulator.Observation, error)
	Resume(ctx context.Context) (emulator.Observation, error)
	Touch(ctx context.Context, x, y uint16, pressed bool) (emulator.Observation, error)
	SetAutomation(ctx context.Context, rules *automation.Rules) error
	ExchangeNowait(ctx context.Context, apdu []byte) (emulator.Pending, error)
	Subscribe(buf int) (<-chan display.Text, func())
}

// Local serves a machine in this process.
type Local struct {
	*emulator.Machine
}

// ExchangeNowait delivers apdu and returns its pending response.
func (l Local) ExchangeNowait(ctx context.Context, apdu []byte) (emulator.Pending, error) {
	p, err := l.Machine.ExchangeNowait(ctx, apdu)
	if err != nil {
		return nil, err
	}
	return p, nil
}

type service struct {
	t Target
}

// NewHandler returns the service path prefix and its handler.
func NewHandler(t Target, l *log.Logger, opts ...connect.HandlerOption) (string, http.Handler) {
	if l == nil {
		l = log.NewNop()
	}
	s := &service{t: t}
	opts = append([]connect.HandlerOption{connect.WithInterceptors(logInterceptor(l))}, opts...)

	mux := http.NewServeMux()
	mux.Handle(PressProcedure, connect.NewUnaryHandler(PressProcedure, s.press, opts...))
	mux.Handle(ReleaseProcedure, connect.NewUnaryHandler(ReleaseProcedure, s.release, opts...))
	mux.Handle(TickProcedure, connect.NewUnaryHandler(TickProcedure, s.tick, opts...))
	mux.Handle(SnapshotProcedure, connect.NewUnaryHandler(SnapshotProcedure, s.snapshot, opts...))
	mux.Handle(ScreenshotProcedure, connect.NewUnaryHandler(ScreenshotProcedure, s.screenshot, opts...))
	mux.Handle(ResetProcedure, connect.NewUnaryHandler(ResetProcedure, s.reset, opts...))
	mux.Handle(StopProcedure, connect.NewUnaryHandler(StopProcedure, s.stop, opts...))
	mux.Handle(FlushProcedure, connect.NewUnaryHandler(FlushProcedure, s.flush, opts...))
	mux.Handle(ExchangeProcedure, connect.NewUnaryHandler(ExchangeProcedure, s.exchange, opts...))
	mux.Handle(StateProcedure, connect.NewUnaryHandler(StateProcedure, s.state, opts...))
	mux.Handle(RegistersProcedure, connect.NewUnaryHandler(RegistersProcedure, s.registers, opts...))
	mux.Handle(ReadMemoryProcedure, connect.NewUnaryHandler(ReadMemoryProcedure, s.readMemory, opts...))
	mux.Handle(AddBreakpointProcedure, connect.NewUnaryHandler(AddBreakpointProcedure, s.addBreakpoint, opts...))
	mux.Handle(RemoveBreakpointProcedure, connect.NewUnaryHandler(RemoveBreakpointProcedure, s.removeBreakpoint, opts...))
	mux.Handle(StepProcedure, connect.NewUnaryHandler(StepProcedure, s.step, opts...))
	mux.Handle(ResumeProcedure, connect.NewUnaryHandler(ResumeProcedure, s.resume, opts...))
	mux.Handle(TouchProcedure, connect.NewUnaryHandler(TouchProcedure, s.touch, opts...))
	mux.Handle(SetAutomationProcedure, connect.NewUnaryHandler(SetAutomationProcedure, s.setAutomation, opts...))
	mux.Handle(EventsProcedure, connect.NewServerStreamHandler(EventsProcedure, s.events, opts...))
	mux.Handle(ExchangeNowaitProcedure, connect.NewServerStreamHandler(ExchangeNowaitProcedure, s.exchangeNowait, opts...))
	return "/" + ServiceName + "/", mux
}

func logInterceptor(l *log.Logger) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			resp, err := next(ctx, req)
			if err != nil {
				l.Warn("control", zap.String("procedure", req.Spec().Procedure), zap.Error(err))
			} else {
				l.Debug("control", zap.String("procedure", req.Spec().Procedure))
			}
			return resp, err
		}
	}
}

func (s *service) press(ctx context.Context, req *connect.Request[wrapperspb.UInt32Value]) (*connect.Response[structpb.Struct], error) {
	return observed(s.t.Press(ctx, req.Msg.GetValue()))
}

func (s *service) release(ctx context.Context, req *connect.Request[wrapperspb.UInt32Value]) (*connect.Response[structpb.Struct], error) {
	return observed(s.t.Release(ctx, req.Msg.GetValue()))
}

func (s *service) tick(ctx context.Context, _ *connect.Request[emptypb.Empty]) (*connect.Response[structpb.Struct], error) {
	return observed(s.t.Tick(ctx))
}

func (s *service) reset(ctx context.Context, _ *connect.Request[emptypb.Empty]) (*connect.Response[structpb.Struct], error) {
	return observed(s.t.Reset(ctx))
}

func (s *service) stop(ctx context.Context, _ *connect.Request[emptypb.Empty]) (*connect.Response[structpb.Struct], error) {
	return observed(s.t.Stop(ctx))
}

func (s *service) flush(ctx context.Context, _ *connect.Request[emptypb.Empty]) (*connect.Response[structpb.Struct], error) {
	return observed(s.t.Flush(ctx))
}

func (s *service) state(ctx context.Context, _ *connect.Request[emptypb.Empty]) (*connect.Response[structpb.Struct], error) {
	return observed(s.t.State(ctx))
}

func (s *service) snapshot(ctx context.Context, _ *connect.Request[emptypb.Empty]) (*connect.Response[wrapperspb.BytesValue], error) {
	data, _, err := s.t.Snapshot(ctx)
	if err != nil {
		return nil, rpcError(err)
	}
	return connect.NewResponse(wrapperspb.Bytes(data)), nil
}

func (s *service) screenshot(ctx context.Context, req *connect.Request[wrapperspb.UInt32Value]) (*connect.Response[wrapperspb.BytesValue], error) {
	scale := int(req.Msg.GetValue())
	if scale > 16 {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("scale %d exceeds 16", scale))
	}
	data, err := s.t.Screenshot(ctx, scale)
	if err != nil {
		return nil, rpcError(err)
	}
	return connect.NewResponse(wrapperspb.Bytes(data)), nil
}

func (s *service) exchange(ctx context.Context, req *connect.Request[wrapperspb.BytesValue]) (*connect.Response[wrapperspb.BytesValue], error) {
	resp, err := s.t.Exchange(ctx, req.Msg.GetValue())
	if err != nil {
		return nil, rpcError(err)
	}
	return connect.NewResponse(wrapperspb.Bytes(resp)), nil
}

func (s *service) step(ctx context.Context, _ *connect.Request[emptypb.Empty]) (*connect.Response[structpb.Struct], error) {
	return observed(s.t.Step(ctx))
}

func (s *service) resume(ctx context.Context, _ *connect.Request[emptypb.Empty]) (*connect.Response[structpb.Struct], error) {
	return observed(s.t.Resume(ctx))
}

func (s *service) registers(ctx context.Context, _ *connect.Request[emptypb.Empty]) (*connect.Response[structpb.Struct], error) {
	regs, err := s.t.Registers(ctx)
	if err != nil {
		return nil, rpcError(err)
	}
	st, err := RegistersStruct(regs)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(st), nil
}

// readMemory takes {"addr": n, "len": n}.
func (s *service) readMemory(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[wrapperspb.BytesValue], error) {
	f := req.Msg.GetFields()
	addr, n := f["addr"].GetNumberValue(), f["len"].GetNumberValue()
	if addr < 0 || addr >= 1<<32 || n < 0 || n > syscalls.MaxBuffer {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("read of %v bytes at %v", n, addr))
	}
	data, err := s.t.ReadMemory(ctx, uint32(addr), int(n))
	if err != nil {
		return nil, rpcError(err)
	}
	return connect.NewResponse(wrapperspb.Bytes(data)), nil
}

func (s *service) addBreakpoint(ctx context.Context, req *connect.Request[wrapperspb.UInt32Value]) (*connect.Response[emptypb.Empty], error) {
	if err := s.t.AddBreakpoint(ctx, req.Msg.GetValue()); err != nil {
		return nil, rpcError(err)
	}
	return connect.NewResponse(&emptypb.Empty{}), nil
}

func (s *service) removeBreakpoint(ctx context.Context, req *connect.Request[wrapperspb.UInt32Value]) (*connect.Response[emptypb.Empty], error) {
	if err := s.t.RemoveBreakpoint(ctx, req.Msg.GetValue()); err != nil {
		return nil, rpcError(err)
	}
	return connect.NewResponse(&emptypb.Empty{}), nil
}

// touch takes {"x": n, "y": n, "pressed": bool}.
func (s *service) touch(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	f := req.Msg.GetFields()
	x, y := f["x"].GetNumberValue(), f["y"].GetNumberValue()
	if x < 0 || y < 0 || x > 0xffff || y > 0xffff {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("touch at %v,%v", x, y))
	}
	return observed(s.t.Touch(ctx, uint16(x), uint16(y), f["pressed"].GetBoolValue()))
}

// setAutomation takes a rule document; an empty one disables automation.
func (s *service) setAutomation(ctx context.Context, req *connect.Request[wrapperspb.StringValue]) (*connect.Response[emptypb.Empty], error) {
	var rules *automation.Rules
	if doc := req.Msg.GetValue(); doc != "" {
		var err error
		if rules, err = automation.Parse([]byte(doc)); err != nil {
			return nil, connect.NewError(connect.CodeInvalidArgument, err)
		}
	}
	if err := s.t.SetAutomation(ctx, rules); err != nil {
		return nil, rpcError(err)
	}
	return connect.NewResponse(&emptypb.Empty{}), nil
}

// events streams screen texts. The first message is empty and marks the
// subscription as live.
func (s *service) events(ctx context.Context, _ *connect.Request[emptypb.Empty], stream *connect.ServerStream[structpb.Struct]) error {
	texts, cancel := s.t.Subscribe(eventBuffer)
	defer cancel()
	if err := stream.Send(&structpb.Struct{}); err != nil {
		return err
	}
	for {
		select {
		case t, ok := <-texts:
			if !ok {
				return nil
			}
			st, err := TextStruct(t)
			if err != nil {
				return connect.NewError(connect.CodeInternal, err)
			}
			if err := stream.Send(st); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// exchangeNowait acknowledges the queued APDU with an empty message, then
// sends the response frame.
func (s *service) exchangeNowait(ctx context.Context, req *connect.Request[wrapperspb.BytesValue], stream *connect.ServerStream[wrapperspb.BytesValue]) error {
	p, err := s.t.ExchangeNowait(ctx, req.Msg.GetValue())
	if err != nil {
		return rpcError(err)
	}
	defer p.Close()
	if err := stream.Send(&wrapperspb.BytesValue{}); err != nil {
		return err
	}
	resp, err := p.Receive(ctx)
	if err != nil {
		return rpcError(err)
	}
	return stream.Send(wrapperspb.Bytes(resp))
}

func observed(obs emulator.Observation, err error) (*connect.Response[structpb.Struct], error) {
	if err != nil {
		return nil, rpcError(err)
	}
	st, err := ObservationStruct(obs)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(st), nil
}

// ObservationStruct encodes obs as a protobuf Struct.
func ObservationStruct(obs emulator.Observation) (*structpb.Struct, error) {
	m := map[string]any{
		"state":     obs.State.String(),
		"pc":        obs.PC,
		"waiting":   obs.Waiting,
		"nvm_dirty": obs.NVMDirty,
		"screen":    obs.Screen,
		"ticks":     obs.Ticks,
		"steps":     obs.Steps,
		"buttons":   obs.Buttons,
		"exit_code": obs.ExitCode,
	}
	if obs.Crash != nil {
		m["crash"] = obs.Crash.Error()
	}
	return structpb.NewStruct(m)
}

// RegistersStruct encodes a register state as a protobuf Struct keyed by
// register name.
func RegistersStruct(regs cpu.State) (*structpb.Struct, error) {
	m := map[string]any{
		"apsr":       regs.APSR(),
		"flags":      regs.Flags.String(),
		"mode":       regs.Mode.String(),
		"privileged": regs.Privileged,
	}
	for i, v := range regs.R {
		m[cpu.RegName(uint8(i))] = v
	}
	return structpb.NewStruct(m)
}

// TextStruct encodes a published screen text.
func TextStruct(t display.Text) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"text":   t.Text,
		"x":      t.X,
		"y":      t.Y,
		"w":      t.Width,
		"h":      t.Height,
		"screen": t.Screen,
	})
}

// rpcError maps machine errors onto connect codes.
func rpcError(err error) error {
	code := connect.CodeInternal
	switch {
	case errors.Is(err, context.Canceled):
		code = connect.CodeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		code = connect.CodeDeadlineExceeded
	case errors.Is(err, emulator.ErrTerminal), errors.Is(err, emulator.ErrNotHalted),
		errors.Is(err, nvm.ErrNoPath), errors.Is(err, emulator.ErrNoTouch):
		code = connect.CodeFailedPrecondition
	case errors.Is(err, emulator.ErrOffScreen), errors.As(err, new(*mem.Fault)):
		code = connect.CodeInvalidArgument
	case errors.Is(err, emulator.ErrQueueFull):
		code = connect.CodeResourceExhausted
	case errors.Is(err, emulator.ErrStopped), errors.Is(err, emulator.ErrReset):
		code = connect.CodeUnavailable
	}
	return connect.NewError(code, err)
}
