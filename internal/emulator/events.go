package emulator

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/zboralski/seemu/internal/automation"
	"github.com/zboralski/seemu/internal/display"
	"github.com/zboralski/seemu/internal/syscalls"
)

// Subscribe returns a channel receiving every text the firmware publishes on
// a screen refresh. Texts are dropped while the channel is full. The channel
// is closed by cancel or when the session ends.
func (m *Machine) Subscribe(buf int) (<-chan display.Text, func()) {
	ch := make(chan display.Text, max(buf, 1))
	m.textMu.Lock()
	defer m.textMu.Unlock()
	if m.textClosed {
		close(ch)
		return ch, func() {}
	}
	if m.textSubs == nil {
		m.textSubs = make(map[int]chan display.Text)
	}
	id := m.textNext
	m.textNext++
	m.textSubs[id] = ch
	return ch, func() {
		m.textMu.Lock()
		defer m.textMu.Unlock()
		if c, ok := m.textSubs[id]; ok {
			delete(m.textSubs, id)
			close(c)
		}
	}
}

// WaitForText reads ch until a text containing substr arrives.
func WaitForText(ctx context.Context, ch <-chan display.Text, substr string) (display.Text, error) {
	for {
		select {
		case t, ok := <-ch:
			if !ok {
				return display.Text{}, ErrStopped
			}
			if strings.Contains(t.Text, substr) {
				return t, nil
			}
		case <-ctx.Done():
			return display.Text{}, ctx.Err()
		}
	}
}

// publishText runs on the machine goroutine for each published text.
func (m *Machine) publishText(t display.Text) {
	m.textMu.Lock()
	for _, ch := range m.textSubs {
		select {
		case ch <- t:
		default:
		}
	}
	m.textMu.Unlock()
	m.automate(t)
}

func (m *Machine) closeTexts() {
	m.textMu.Lock()
	defer m.textMu.Unlock()
	for id, ch := range m.textSubs {
		delete(m.textSubs, id)
		close(ch)
	}
	m.textClosed = true
}

// automate queues the inputs of the rule matching t.
func (m *Machine) automate(t display.Text) {
	if m.rules == nil {
		return
	}
	for _, a := range m.rules.Apply(t) {
		m.log.Debug("automation", zap.String("text", t.Text), zap.Stringer("action", a.Kind))
		switch a.Kind {
		case automation.ActionButton:
			ev := syscalls.Event{Kind: syscalls.EventReleased, Button: a.Button}
			if a.Pressed {
				ev.Kind = syscalls.EventPressed
			}
			m.enqueue(ev)
		case automation.ActionFinger:
			if err := m.checkTouch(a.X, a.Y); err != nil {
				m.log.Warn("automation touch rejected", zap.Error(err))
				continue
			}
			ev := syscalls.Event{Kind: syscalls.EventFingerReleased, X: a.X, Y: a.Y}
			if a.Pressed {
				ev.Kind = syscalls.EventFingerPressed
			}
			m.enqueue(ev)
		case automation.ActionExit:
			m.log.Info("automation exit", zap.String("text", t.Text))
			m.stopping.Store(true)
		}
	}
}

func (m *Machine) enqueue(ev syscalls.Event) {
	if len(m.queue) >= m.cfg.QueueSize {
		m.log.Warn("event queue full, input dropped", zap.Stringer("kind", ev.Kind))
		return
	}
	m.queue = append(m.queue, ev)
}
