package emulator

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/zboralski/seemu/internal/hw"
	"github.com/zboralski/seemu/internal/loader"
	"github.com/zboralski/seemu/internal/mem"
	"github.com/zboralski/seemu/internal/syscalls"
)

// backings wires the host-side regions: NVM, the screen framebuffer and the
// rng and button windows.
func (m *Machine) backings() loader.Backings {
	b := loader.Backings{
		hw.KindRNG: &mem.Device{
			Read: func(p []byte, _ uint32) error {
				m.rng.Read(p)
				return nil
			},
			Volatile: true,
		},
		hw.KindButtons: &mem.Device{
			Read: func(p []byte, off uint32) error {
				var w [4]byte
				binary.LittleEndian.PutUint32(w[:], m.buttons)
				copy(p, w[off:])
				return nil
			},
		},
		hw.KindFramebuffer: m.screen,
	}
	if m.nvm != nil {
		b[hw.KindNVM] = m.nvm
	}
	return b
}

// WaitEvent is the suspension point of the session. It serves control
// requests until an input is queued, the wait times out, or the session is
// stopped or reset.
func (m *Machine) WaitEvent(ctx context.Context) (syscalls.Event, error) {
	m.waiting = true
	defer func() { m.waiting = false }()

	var expired <-chan time.Time
	if m.cfg.EventTimeout > 0 {
		t := time.NewTimer(m.cfg.EventTimeout)
		defer t.Stop()
		expired = t.C
	}
	for {
		if m.stopping.Load() {
			return syscalls.Event{}, ErrStopped
		}
		if len(m.queue) > 0 {
			ev := m.queue[0]
			m.queue = m.queue[1:]
			m.deliver(ev)
			return ev, nil
		}
		m.settle()

		select {
		case <-ctx.Done():
			return syscalls.Event{}, ErrStopped
		case <-expired:
			return syscalls.Event{}, syscalls.ErrTimeout
		case r := <-m.reqs:
			if err := m.handle(ctx, r); err != nil {
				return syscalls.Event{}, err
			}
		}
	}
}

// deliver applies the machine-side effect of an input as the firmware
// receives it.
func (m *Machine) deliver(ev syscalls.Event) {
	switch ev.Kind {
	case syscalls.EventPressed:
		m.buttons |= ev.Button
	case syscalls.EventReleased:
		m.buttons &^= ev.Button
	case syscalls.EventTicker:
		m.ticks++
	}
}

// SendAPDU routes an outbound frame to the oldest pending exchange whose
// caller is still waiting, or to the sink.
func (m *Machine) SendAPDU(_ context.Context, apdu []byte) error {
	frame := bytes.Clone(apdu)
	for len(m.exchanges) > 0 {
		r := m.exchanges[0]
		m.exchanges = m.exchanges[1:]
		if r.abandoned() {
			continue
		}
		r.finish(response{obs: m.observe(), data: frame})
		return nil
	}
	if m.cfg.Sink == nil {
		return fmt.Errorf("send %d bytes: no client: %w", len(frame), ErrTransport)
	}
	return m.cfg.Sink.Send(frame)
}

// Buttons returns the current button mask.
func (m *Machine) Buttons() uint32 { return m.buttons }

// Ticks returns the number of ticker events delivered.
func (m *Machine) Ticks() uint32 { return m.ticks }
