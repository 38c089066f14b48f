package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zboralski/seemu/internal/automation"
	"github.com/zboralski/seemu/internal/control"
	"github.com/zboralski/seemu/internal/emulator"
	"github.com/zboralski/seemu/internal/hw"
	"github.com/zboralski/seemu/internal/loader"
	glog "github.com/zboralski/seemu/internal/log"
	"github.com/zboralski/seemu/internal/script"
	"github.com/zboralski/seemu/internal/seed"
	"github.com/zboralski/seemu/internal/transport"
	"github.com/zboralski/seemu/internal/ui/colorize"
	"github.com/zboralski/seemu/internal/ui/screen"
)

var (
	verbose bool
	quiet   bool
	maxInsn int

	modelName    string
	profilesPath string
	nvmPath      string
	seedFlag     string
	rngSeedFlag  string
	eventTimeout time.Duration
	breaks       []string
	apduPort     int
	apiPort      int
	scriptPath   string
	rulesPath    string
	displayMode  string
	traceOn      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "seemu",
		Short: "Emulate secure-element firmware",
		Long: `Seemu runs ARM Thumb firmware built for a secure-element device.

It loads the ELF image into the address space described by a hardware
profile, executes it on an in-process ARMv7-M core, and services the
firmware's supervisor calls: display, NVM, buttons, APDU I/O and crypto.

Examples:
  seemu run app.elf                         # headless, until the firmware exits
  seemu run app.elf --apdu-port 9999        # serve APDUs over TCP
  seemu run app.elf --display tui           # show the screen in the terminal
  seemu run app.elf --script flow.js -q     # drive the UI from a script
  seemu run app.elf --automation rules.json # answer screen texts with inputs
  seemu run app.elf --trace -n 200          # colorized instruction trace
  seemu view --api-port 5000                # attach a viewer to a running session
  seemu info app.elf`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "quiet mode (summary only)")
	rootCmd.PersistentFlags().StringVar(&modelName, "model", "nanos", "hardware profile")
	rootCmd.PersistentFlags().StringVar(&profilesPath, "profiles", "", "YAML profile catalog replacing the builtin one")

	runCmd := &cobra.Command{
		Use:   "run <firmware.elf>",
		Short: "Run firmware",
		Args:  cobra.ExactArgs(1),
		RunE:  runFirmware,
	}
	f := runCmd.Flags()
	f.StringVar(&nvmPath, "nvm", "", "NVM backing file (created on first commit)")
	f.StringVar(&seedFlag, "seed", "", "BIP39 mnemonic or hex seed (default: test mnemonic)")
	f.StringVar(&rngSeedFlag, "rng-seed", "", "32-byte hex RNG seed (default: derived from --seed)")
	f.DurationVar(&eventTimeout, "event-timeout", 0, "io_event_wait timeout (0 waits forever)")
	f.StringArrayVar(&breaks, "break", nil, "halt before address or symbol (repeatable)")
	f.IntVar(&apduPort, "apdu-port", 0, "APDU TCP port (0 disables)")
	f.IntVar(&apiPort, "api-port", 0, "control API port (0 disables)")
	f.StringVar(&scriptPath, "script", "", "JavaScript automation to run against the session")
	f.StringVar(&rulesPath, "automation", "", "JSON or YAML rules answering screen texts with inputs")
	f.StringVar(&displayMode, "display", "headless", "display mode: headless or tui")
	f.BoolVar(&traceOn, "trace", false, "print a colorized instruction trace")
	f.IntVarP(&maxInsn, "num", "n", 500, "max instructions to trace")
	rootCmd.AddCommand(runCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "info <firmware.elf>",
		Short: "Show firmware layout",
		Args:  cobra.ExactArgs(1),
		RunE:  showInfo,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "models",
		Short: "List hardware profiles",
		Args:  cobra.NoArgs,
		RunE:  listModels,
	})
	viewCmd := &cobra.Command{
		Use:   "view",
		Short: "View the screen of a session served with --api-port",
		Args:  cobra.NoArgs,
		RunE:  viewRemote,
	}
	viewCmd.Flags().IntVar(&apiPort, "api-port", 5000, "control API port")
	rootCmd.AddCommand(viewCmd)

	if err := rootCmd.Execute(); err != nil {
		var crash *emulator.Crash
		if !errors.As(err, &crash) {
			fmt.Fprintln(os.Stderr, colorize.Error(err.Error()))
		}
		os.Exit(1)
	}
}

func loadModel() (*hw.Model, error) {
	catalog := hw.Builtin()
	if profilesPath != "" {
		c, err := hw.LoadFile(profilesPath)
		if err != nil {
			return nil, err
		}
		catalog = c
	}
	return catalog.Get(modelName)
}

func rngSeed(masterSeed []byte) ([32]byte, error) {
	var out [32]byte
	if rngSeedFlag == "" {
		return sha256.Sum256(masterSeed), nil
	}
	b, err := hex.DecodeString(strings.TrimPrefix(rngSeedFlag, "0x"))
	if err != nil || len(b) != len(out) {
		return out, fmt.Errorf("--rng-seed must be %d hex bytes", len(out))
	}
	copy(out[:], b)
	return out, nil
}

func parseBreaks(img *loader.Image) ([]uint32, error) {
	var out []uint32
	for _, s := range breaks {
		if addr, ok := img.FindSymbol(s); ok {
			out = append(out, addr&^1)
			continue
		}
		v, err := strconv.ParseUint(s, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("--break %q: not a symbol or address", s)
		}
		out = append(out, uint32(v))
	}
	return out, nil
}

// machineRef lets the APDU server exist before the machine it feeds.
type machineRef struct {
	m *emulator.Machine
}

func (r *machineRef) Exchange(ctx context.Context, apdu []byte) ([]byte, error) {
	return r.m.Exchange(ctx, apdu)
}

func runFirmware(cmd *cobra.Command, args []string) error {
	if displayMode != "headless" && displayMode != "tui" {
		return fmt.Errorf("--display must be headless or tui, got %q", displayMode)
	}
	glog.Init(verbose)
	logger := glog.Default()
	defer logger.Sync()

	model, err := loadModel()
	if err != nil {
		return err
	}
	img, err := loader.Load(args[0], model)
	if err != nil {
		return err
	}
	master, err := seed.Parse(seedFlag)
	if err != nil {
		return err
	}
	rs, err := rngSeed(master)
	if err != nil {
		return err
	}
	bps, err := parseBreaks(img)
	if err != nil {
		return err
	}
	var rules *automation.Rules
	if rulesPath != "" {
		if rules, err = automation.Load(rulesPath); err != nil {
			return err
		}
	}
	var src []byte
	if scriptPath != "" {
		if src, err = os.ReadFile(scriptPath); err != nil {
			return fmt.Errorf("read script: %w", err)
		}
	}

	cfg := emulator.Config{
		NVMPath:      nvmPath,
		Seed:         master,
		RNGSeed:      rs,
		EventTimeout: eventTimeout,
		Breakpoints:  bps,
		Automation:   rules,
		Logger:       logger,
	}
	ref := &machineRef{}
	var apdu *transport.Server
	if apduPort > 0 {
		apdu = transport.NewServer(ref, logger)
		cfg.Sink = apdu
	}
	m, err := emulator.New(img, cfg)
	if err != nil {
		return err
	}
	ref.m = m

	tui := displayMode == "tui"
	var tr *tracer
	if traceOn && !quiet && !tui {
		tr = newTracer(m, maxInsn)
		tr.header(args[0])
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	sess, endSession := context.WithCancel(gctx)
	defer endSession()

	var runErr error
	g.Go(func() error {
		runErr = m.Run(sess)
		return nil
	})
	g.Go(func() error {
		select {
		case <-m.Done():
		case <-sess.Done():
		}
		endSession()
		return nil
	})
	if apdu != nil {
		g.Go(func() error {
			return apdu.ListenAndServe(sess, fmt.Sprintf("127.0.0.1:%d", apduPort))
		})
	}
	if apiPort > 0 {
		api := control.NewServer(control.Local{Machine: m}, logger)
		g.Go(func() error {
			return api.ListenAndServe(sess, fmt.Sprintf("127.0.0.1:%d", apiPort))
		})
	}
	if src != nil {
		g.Go(func() error {
			if err := script.Run(sess, control.Local{Machine: m}, filepath.Base(scriptPath), string(src), logger); err != nil {
				return err
			}
			_, err := m.Stop(sess)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	if tui {
		g.Go(func() error {
			defer endSession()
			return screen.Run(sess, machineDevice{m}, model.Screen.Width, model.Screen.Height)
		})
	}

	werr := g.Wait()
	if tr != nil {
		tr.close()
	}
	obs, _ := m.Final()
	report(m, obs)
	if werr != nil {
		return werr
	}
	if obs.Crash != nil {
		return obs.Crash
	}
	return runErr
}

// report prints the crash diagnostic, if any, and the session summary.
func report(m *emulator.Machine, obs emulator.Observation) {
	crash := obs.Crash
	if crash != nil {
		fmt.Println()
		fmt.Println(colorize.Crash(crash.Error()))
		fmt.Println(colorize.Detail(crash.Regs.String()))
	}
	glog.Default().Info("session ended",
		glog.Session(m.ID()),
		zap.Stringer("state", obs.State),
		zap.Uint32("exit_code", obs.ExitCode),
		zap.Uint64("steps", obs.Steps))
	fmt.Println()
	fmt.Print(colorize.Border("───────────────────────────────────────── "))
	fmt.Printf("%s insn  %s ticks  %s frames",
		colorize.FuncName(strconv.FormatUint(obs.Steps, 10)),
		colorize.FuncName(strconv.FormatUint(uint64(obs.Ticks), 10)),
		colorize.FuncName(strconv.FormatUint(obs.Screen, 10)))
	if crash == nil && obs.State == emulator.StateExited {
		fmt.Printf("  %s 0x%x", colorize.Detail("exit"), obs.ExitCode)
	}
	fmt.Println()
}

func showInfo(cmd *cobra.Command, args []string) error {
	model, err := loadModel()
	if err != nil {
		return err
	}
	img, err := loader.Load(args[0], model)
	if err != nil {
		return err
	}
	fmt.Printf("Firmware: %s\n", filepath.Base(img.Path))
	fmt.Printf("Model:    %s (api %d, %s)\n", model.Name, model.APILevel, model.Version)
	fmt.Printf("Entry:    0x%08x\n", img.Entry)
	fmt.Printf("Stack:    0x%08x\n", img.StackTop)
	fmt.Printf("Symbols:  %d\n\n", len(img.Symbols))
	fmt.Println("Segments:")
	for _, s := range img.Segments {
		region := s.Region
		if region == "" {
			region = "(own)"
		}
		fmt.Printf("  0x%08x-0x%08x %-4s %-8s %d bytes\n", s.VAddr, s.End(), s.Perm, region, len(s.Data))
	}
	if nv := img.NVMContent(); nv != nil {
		used := 0
		for _, b := range nv {
			if b != 0 {
				used++
			}
		}
		fmt.Printf("\nNVM: %d bytes, %d initialized\n", len(nv), used)
	}
	return nil
}

func listModels(cmd *cobra.Command, args []string) error {
	catalog := hw.Builtin()
	if profilesPath != "" {
		c, err := hw.LoadFile(profilesPath)
		if err != nil {
			return err
		}
		catalog = c
	}
	for _, name := range catalog.Names() {
		m, _ := catalog.Get(name)
		fmt.Printf("%-8s api %-2d %-8s %dx%d  %d syscalls\n",
			m.Name, m.APILevel, m.Version, m.Screen.Width, m.Screen.Height, len(m.Syscalls))
	}
	return nil
}
