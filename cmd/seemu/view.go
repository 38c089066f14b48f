package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/zboralski/seemu/internal/control"
	"github.com/zboralski/seemu/internal/emulator"
	"github.com/zboralski/seemu/internal/ui/screen"
)

// machineDevice shows a local session.
type machineDevice struct {
	m *emulator.Machine
}

func (d machineDevice) Frame(ctx context.Context) (screen.Frame, error) {
	rgb, obs, err := d.m.Snapshot(ctx)
	if err != nil {
		return screen.Frame{}, err
	}
	return screen.Frame{RGB: rgb, Version: obs.Screen, State: obs.State.String(), Ticks: obs.Ticks}, nil
}

func (d machineDevice) Click(ctx context.Context, button uint32) error {
	_, err := d.m.PressAndRelease(ctx, button)
	return err
}

func (d machineDevice) Touch(ctx context.Context, x, y uint16) error {
	_, err := d.m.FingerTouch(ctx, x, y)
	return err
}

func (d machineDevice) Step(ctx context.Context) error {
	_, err := d.m.Step(ctx)
	return err
}

func (d machineDevice) Resume(ctx context.Context) error {
	_, err := d.m.Resume(ctx)
	return err
}

// remoteDevice shows a session through its control API.
type remoteDevice struct {
	c *control.Client
}

func (d remoteDevice) Frame(ctx context.Context) (screen.Frame, error) {
	st, err := d.c.State(ctx)
	if err != nil {
		return screen.Frame{}, err
	}
	rgb, err := d.c.Snapshot(ctx)
	if err != nil {
		return screen.Frame{}, err
	}
	return screen.Frame{RGB: rgb, Version: st.Screen, State: st.State, Ticks: st.Ticks}, nil
}

func (d remoteDevice) Click(ctx context.Context, button uint32) error {
	if _, err := d.c.Press(ctx, button); err != nil {
		return err
	}
	_, err := d.c.Release(ctx, button)
	return err
}

func viewRemote(cmd *cobra.Command, args []string) error {
	model, err := loadModel()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	c := control.NewClient(http.DefaultClient, fmt.Sprintf("http://127.0.0.1:%d", apiPort))
	if _, err := c.State(ctx); err != nil {
		return fmt.Errorf("connect to control API: %w", err)
	}
	return screen.Run(ctx, remoteDevice{c}, model.Screen.Width, model.Screen.Height)
}

func (d remoteDevice) Touch(ctx context.Context, x, y uint16) error {
	_, err := d.c.FingerTouch(ctx, x, y)
	return err
}

func (d remoteDevice) Step(ctx context.Context) error {
	_, err := d.c.Step(ctx)
	return err
}

func (d remoteDevice) Resume(ctx context.Context) error {
	_, err := d.c.Resume(ctx)
	return err
}
