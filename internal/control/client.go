package control

import (
	"context"
	"io"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/zboralski/seemu/internal/cpu"
	"github.com/zboralski/seemu/internal/display"
)

// Status is the client-side view of an observation.
type Status struct {
	State    string
	PC       uint32
	Waiting  bool
	NVMDirty bool
	Screen   uint64
	Ticks    uint32
	Steps    uint64
	Buttons  uint32
	ExitCode uint32
	Crash    string
}

// StatusFrom decodes an observation Struct.
func StatusFrom(st *structpb.Struct) Status {
	f := st.GetFields()
	num := func(k string) float64 { return f[k].GetNumberValue() }
	return Status{
		State:    f["state"].GetStringValue(),
		PC:       uint32(num("pc")),
		Waiting:  f["waiting"].GetBoolValue(),
		NVMDirty: f["nvm_dirty"].GetBoolValue(),
		Screen:   uint64(num("screen")),
		Ticks:    uint32(num("ticks")),
		Steps:    uint64(num("steps")),
		Buttons:  uint32(num("buttons")),
		ExitCode: uint32(num("exit_code")),
		Crash:    f["crash"].GetStringValue(),
	}
}

// Registers is the client-side view of a register state.
type Registers struct {
	R     [16]uint32
	APSR  uint32
	Flags string
	Mode  string
}

// RegistersFrom decodes a register Struct.
func RegistersFrom(st *structpb.Struct) Registers {
	f := st.GetFields()
	r := Registers{
		APSR:  uint32(f["apsr"].GetNumberValue()),
		Flags: f["flags"].GetStringValue(),
		Mode:  f["mode"].GetStringValue(),
	}
	for i := range r.R {
		r.R[i] = uint32(f[cpu.RegName(uint8(i))].GetNumberValue())
	}
	return r
}

// TextFrom decodes a screen text Struct.
func TextFrom(st *structpb.Struct) display.Text {
	f := st.GetFields()
	num := func(k string) float64 { return f[k].GetNumberValue() }
	return display.Text{
		Text:   f["text"].GetStringValue(),
		X:      uint16(num("x")),
		Y:      uint16(num("y")),
		Width:  uint16(num("w")),
		Height: uint16(num("h")),
		Screen: uint64(num("screen")),
	}
}

// Client calls a remote control service.
type Client struct {
	press      *connect.Client[wrapperspb.UInt32Value, structpb.Struct]
	release    *connect.Client[wrapperspb.UInt32Value, structpb.Struct]
	tick       *connect.Client[emptypb.Empty, structpb.Struct]
	snapshot   *connect.Client[emptypb.Empty, wrapperspb.BytesValue]
	screenshot *connect.Client[wrapperspb.UInt32Value, wrapperspb.BytesValue]
	reset      *connect.Client[emptypb.Empty, structpb.Struct]
	stop       *connect.Client[emptypb.Empty, structpb.Struct]
	flush      *connect.Client[emptypb.Empty, structpb.Struct]
	exchange   *connect.Client[wrapperspb.BytesValue, wrapperspb.BytesValue]
	state      *connect.Client[emptypb.Empty, structpb.Struct]

	registers        *connect.Client[emptypb.Empty, structpb.Struct]
	readMemory       *connect.Client[structpb.Struct, wrapperspb.BytesValue]
	addBreakpoint    *connect.Client[wrapperspb.UInt32Value, emptypb.Empty]
	removeBreakpoint *connect.Client[wrapperspb.UInt32Value, emptypb.Empty]
	step             *connect.Client[emptypb.Empty, structpb.Struct]
	resume           *connect.Client[emptypb.Empty, structpb.Struct]
	touch            *connect.Client[structpb.Struct, structpb.Struct]
	setAutomation    *connect.Client[wrapperspb.StringValue, emptypb.Empty]
	events           *connect.Client[emptypb.Empty, structpb.Struct]
	exchangeNowait   *connect.Client[wrapperspb.BytesValue, wrapperspb.BytesValue]
}

// NewClient returns a client for the service at baseURL.
func NewClient(hc connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	u := strings.TrimRight(baseURL, "/")
	return &Client{
		press:      connect.NewClient[wrapperspb.UInt32Value, structpb.Struct](hc, u+PressProcedure, opts...),
		release:    connect.NewClient[wrapperspb.UInt32Value, structpb.Struct](hc, u+ReleaseProcedure, opts...),
		tick:       connect.NewClient[emptypb.Empty, structpb.Struct](hc, u+TickProcedure, opts...),
		snapshot:   connect.NewClient[emptypb.Empty, wrapperspb.BytesValue](hc, u+SnapshotProcedure, opts...),
		screenshot: connect.NewClient[wrapperspb.UInt32Value, wrapperspb.BytesValue](hc, u+ScreenshotProcedure, opts...),
		reset:      connect.NewClient[emptypb.Empty, structpb.Struct](hc, u+ResetProcedure, opts...),
		stop:       connect.NewClient[emptypb.Empty, structpb.Struct](hc, u+StopProcedure, opts...),
		flush:      connect.NewClient[emptypb.Empty, structpb.Struct](hc, u+FlushProcedure, opts...),
		exchange:   connect.NewClient[wrapperspb.BytesValue, wrapperspb.BytesValue](hc, u+ExchangeProcedure, opts...),
		state:      connect.NewClient[emptypb.Empty, structpb.Struct](hc, u+StateProcedure, opts...),

		registers:        connect.NewClient[emptypb.Empty, structpb.Struct](hc, u+RegistersProcedure, opts...),
		readMemory:       connect.NewClient[structpb.Struct, wrapperspb.BytesValue](hc, u+ReadMemoryProcedure, opts...),
		addBreakpoint:    connect.NewClient[wrapperspb.UInt32Value, emptypb.Empty](hc, u+AddBreakpointProcedure, opts...),
		removeBreakpoint: connect.NewClient[wrapperspb.UInt32Value, emptypb.Empty](hc, u+RemoveBreakpointProcedure, opts...),
		step:             connect.NewClient[emptypb.Empty, structpb.Struct](hc, u+StepProcedure, opts...),
		resume:           connect.NewClient[emptypb.Empty, structpb.Struct](hc, u+ResumeProcedure, opts...),
		touch:            connect.NewClient[structpb.Struct, structpb.Struct](hc, u+TouchProcedure, opts...),
		setAutomation:    connect.NewClient[wrapperspb.StringValue, emptypb.Empty](hc, u+SetAutomationProcedure, opts...),
		events:           connect.NewClient[emptypb.Empty, structpb.Struct](hc, u+EventsProcedure, opts...),
		exchangeNowait:   connect.NewClient[wrapperspb.BytesValue, wrapperspb.BytesValue](hc, u+ExchangeNowaitProcedure, opts...),
	}
}

func status(resp *connect.Response[structpb.Struct], err error) (Status, error) {
	if err != nil {
		return Status{}, err
	}
	return StatusFrom(resp.Msg), nil
}

func empty() *connect.Request[emptypb.Empty] { return connect.NewRequest(&emptypb.Empty{}) }

// Press presses button.
func (c *Client) Press(ctx context.Context, button uint32) (Status, error) {
	return status(c.press.CallUnary(ctx, connect.NewRequest(wrapperspb.UInt32(button))))
}

// Release releases button.
func (c *Client) Release(ctx context.Context, button uint32) (Status, error) {
	return status(c.release.CallUnary(ctx, connect.NewRequest(wrapperspb.UInt32(button))))
}

// Tick delivers a ticker event.
func (c *Client) Tick(ctx context.Context) (Status, error) {
	return status(c.tick.CallUnary(ctx, empty()))
}

// Reset restarts the firmware.
func (c *Client) Reset(ctx context.Context) (Status, error) {
	return status(c.reset.CallUnary(ctx, empty()))
}

// Stop ends the session.
func (c *Client) Stop(ctx context.Context) (Status, error) {
	return status(c.stop.CallUnary(ctx, empty()))
}

// Flush commits NVM.
func (c *Client) Flush(ctx context.Context) (Status, error) {
	return status(c.flush.CallUnary(ctx, empty()))
}

// State returns the machine status.
func (c *Client) State(ctx context.Context) (Status, error) {
	return status(c.state.CallUnary(ctx, empty()))
}

// Snapshot returns the screen as RGB24 bytes.
func (c *Client) Snapshot(ctx context.Context) ([]byte, error) {
	resp, err := c.snapshot.CallUnary(ctx, empty())
	if err != nil {
		return nil, err
	}
	return resp.Msg.GetValue(), nil
}

// Screenshot returns the screen as PNG.
func (c *Client) Screenshot(ctx context.Context, scale int) ([]byte, error) {
	resp, err := c.screenshot.CallUnary(ctx, connect.NewRequest(wrapperspb.UInt32(uint32(scale))))
	if err != nil {
		return nil, err
	}
	return resp.Msg.GetValue(), nil
}

// Exchange sends an APDU and returns the response frame.
func (c *Client) Exchange(ctx context.Context, apdu []byte) ([]byte, error) {
	resp, err := c.exchange.CallUnary(ctx, connect.NewRequest(wrapperspb.Bytes(apdu)))
	if err != nil {
		return nil, err
	}
	return resp.Msg.GetValue(), nil
}

// Registers returns the register state.
func (c *Client) Registers(ctx context.Context) (Registers, error) {
	resp, err := c.registers.CallUnary(ctx, empty())
	if err != nil {
		return Registers{}, err
	}
	return RegistersFrom(resp.Msg), nil
}

// ReadMemory copies n bytes of guest memory at addr.
func (c *Client) ReadMemory(ctx context.Context, addr uint32, n int) ([]byte, error) {
	st, err := structpb.NewStruct(map[string]any{"addr": addr, "len": n})
	if err != nil {
		return nil, err
	}
	resp, err := c.readMemory.CallUnary(ctx, connect.NewRequest(st))
	if err != nil {
		return nil, err
	}
	return resp.Msg.GetValue(), nil
}

// AddBreakpoint halts the machine before the instruction at addr.
func (c *Client) AddBreakpoint(ctx context.Context, addr uint32) error {
	_, err := c.addBreakpoint.CallUnary(ctx, connect.NewRequest(wrapperspb.UInt32(addr)))
	return err
}

// RemoveBreakpoint clears the breakpoint at addr.
func (c *Client) RemoveBreakpoint(ctx context.Context, addr uint32) error {
	_, err := c.removeBreakpoint.CallUnary(ctx, connect.NewRequest(wrapperspb.UInt32(addr)))
	return err
}

// Step executes one instruction of a halted machine.
func (c *Client) Step(ctx context.Context) (Status, error) {
	return status(c.step.CallUnary(ctx, empty()))
}

// Resume continues a halted machine.
func (c *Client) Resume(ctx context.Context) (Status, error) {
	return status(c.resume.CallUnary(ctx, empty()))
}

// Touch presses or releases a finger at x, y.
func (c *Client) Touch(ctx context.Context, x, y uint16, pressed bool) (Status, error) {
	st, err := structpb.NewStruct(map[string]any{"x": x, "y": y, "pressed": pressed})
	if err != nil {
		return Status{}, err
	}
	return status(c.touch.CallUnary(ctx, connect.NewRequest(st)))
}

// FingerTouch presses then releases a finger at x, y.
func (c *Client) FingerTouch(ctx context.Context, x, y uint16) (Status, error) {
	if _, err := c.Touch(ctx, x, y, true); err != nil {
		return Status{}, err
	}
	return c.Touch(ctx, x, y, false)
}

// SetAutomation installs a rule document (JSON or YAML). An empty document
// disables automation.
func (c *Client) SetAutomation(ctx context.Context, doc string) error {
	_, err := c.setAutomation.CallUnary(ctx, connect.NewRequest(wrapperspb.String(doc)))
	return err
}

// EventStream reads screen texts published by the firmware.
type EventStream struct {
	stream *connect.ServerStreamForClient[structpb.Struct]
}

// Events subscribes to screen texts. The stream lives until ctx is done or
// Close is called; texts published after Events returns are not missed.
func (c *Client) Events(ctx context.Context) (*EventStream, error) {
	stream, err := c.events.CallServerStream(ctx, empty())
	if err != nil {
		return nil, err
	}
	if !stream.Receive() {
		return nil, streamErr(stream.Err(), stream.Close())
	}
	return &EventStream{stream: stream}, nil
}

// Next returns the next text.
func (e *EventStream) Next() (display.Text, error) {
	if !e.stream.Receive() {
		return display.Text{}, streamErr(e.stream.Err(), nil)
	}
	return TextFrom(e.stream.Msg()), nil
}

// WaitForText returns the first text containing substr.
func (e *EventStream) WaitForText(substr string) (display.Text, error) {
	for {
		t, err := e.Next()
		if err != nil {
			return display.Text{}, err
		}
		if strings.Contains(t.Text, substr) {
			return t, nil
		}
	}
}

// Close ends the subscription.
func (e *EventStream) Close() error { return e.stream.Close() }

// PendingExchange is an APDU sent with ExchangeNowait.
type PendingExchange struct {
	stream *connect.ServerStreamForClient[wrapperspb.BytesValue]
}

// ExchangeNowait sends an APDU and returns once the machine queued it. The
// response is read with Receive while ctx is live.
func (c *Client) ExchangeNowait(ctx context.Context, apdu []byte) (*PendingExchange, error) {
	stream, err := c.exchangeNowait.CallServerStream(ctx, connect.NewRequest(wrapperspb.Bytes(apdu)))
	if err != nil {
		return nil, err
	}
	if !stream.Receive() {
		return nil, streamErr(stream.Err(), stream.Close())
	}
	return &PendingExchange{stream: stream}, nil
}

// Receive waits for the response frame.
func (p *PendingExchange) Receive() ([]byte, error) {
	defer p.stream.Close()
	if !p.stream.Receive() {
		return nil, streamErr(p.stream.Err(), nil)
	}
	return p.stream.Msg().GetValue(), nil
}

// Close gives up on the response.
func (p *PendingExchange) Close() error { return p.stream.Close() }

// streamErr reports why a stream ended early.
func streamErr(err, closeErr error) error {
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return err
}
