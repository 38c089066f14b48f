package syscalls

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/lunixbochs/struc"

	"github.com/zboralski/seemu/internal/trace"
)

func ioDefs() []Def {
	return []Def{
		{ID: 0x03000030, Name: "io_event_wait", Category: trace.IO, Handler: eventWait},
		{ID: 0x02000031, Name: "io_apdu_send", Category: trace.IO, Handler: apduSend},
		{ID: 0x00000032, Name: "io_button_state", Category: trace.IO, Handler: buttonState},
	}
}

// eventRecord is the guest layout written by io_event_wait. Finger events
// carry x | y<<16 in the button word.
type eventRecord struct {
	Kind   uint32 `struc:"uint32"`
	Button uint32 `struc:"uint32"`
	Length uint32 `struc:"uint32"`
}

// EventRecordSize is the guest size of the event record.
const EventRecordSize = 12

// io_event_wait(evt, buf, maxlen) blocks until the next input. A timeout
// delivers kind 0 and the firmware carries on.
func eventWait(c *Call) (uint32, error) {
	evt, buf, maxLen := c.Arg(0), c.Arg(1), c.Arg(2)

	ev, err := c.Env.IO.WaitEvent(c.Ctx)
	switch {
	case errors.Is(err, ErrTransport):
		c.Recovered("event_wait", err)
		ev = Event{}
	case err != nil:
		return 0, err
	}

	rec := eventRecord{Kind: uint32(ev.Kind), Button: ev.Button}
	if ev.Kind.Finger() {
		rec.Button = uint32(ev.X) | uint32(ev.Y)<<16
	}
	if ev.Kind == EventAPDU {
		data := ev.Data
		if uint32(len(data)) > maxLen {
			data = data[:maxLen]
		}
		if err := c.Write(buf, data); err != nil {
			return 0, err
		}
		rec.Length = uint32(len(data))
	}

	var out bytes.Buffer
	if err := struc.PackWithOrder(&out, &rec, binary.LittleEndian); err != nil {
		return 0, fmt.Errorf("pack event record: %w", err)
	}
	if err := c.Write(evt, out.Bytes()); err != nil {
		return 0, err
	}

	c.Annotate("kind", ev.Kind.String())
	switch ev.Kind {
	case EventPressed, EventReleased:
		c.Log("%s button=%d", ev.Kind, ev.Button)
	case EventFingerPressed, EventFingerReleased:
		c.Log("%s x=%d y=%d", ev.Kind, ev.X, ev.Y)
	case EventAPDU:
		c.Log("apdu len=%d %x", rec.Length, ev.Data)
	default:
		c.Log("%s", ev.Kind)
	}
	return uint32(ev.Kind), nil
}

// io_apdu_send(buf, len) forwards a response frame. Transport loss is
// reported to the firmware instead of crashing it.
func apduSend(c *Call) (uint32, error) {
	buf, n := c.Arg(0), c.Arg(1)
	data, err := c.Read(buf, n)
	if err != nil {
		return 0, err
	}
	c.Log("len=%d %x", n, data)
	if err := c.Env.IO.SendAPDU(c.Ctx, data); err != nil {
		if errors.Is(err, ErrTransport) {
			c.Recovered("apdu_send", err)
			return TransportFailure, nil
		}
		return 0, err
	}
	return 0, nil
}

func buttonState(c *Call) (uint32, error) {
	b := c.Env.IO.Buttons()
	c.Log("mask=%d", b)
	return b, nil
}
