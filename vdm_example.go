//go:build ignore

// This file demonstrates every public API in the vdm package.
// It is excluded from the build and serves as a reference and compile-time check.

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	vdm "github.com/tinyrange/vdm"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// =========================================================================
	// RegisterDeviceType - out-of-tree device types
	// =========================================================================
	err := vdm.RegisterDeviceType(vdm.Registration{
		Name:       "blinker",
		APIVersion: vdm.CurrentAPIVersion,
		Schema:     vdm.SchemaV1,
		Class:      vdm.ClassMisc,
		New:        func() vdm.Device { return &blinker{} },
	})
	if err != nil {
		return fmt.Errorf("register type: %w", err)
	}

	// =========================================================================
	// LoadConfig - parse a machine description up front
	// =========================================================================
	cfg, err := vdm.LoadConfig([]byte(machineDescription))
	if err != nil {
		return fmt.Errorf("parse description: %w", err)
	}

	// =========================================================================
	// New - assemble the machine
	// =========================================================================
	m, err := vdm.New(
		vdm.WithLogger(slog.Default()),
		vdm.WithConfig(cfg), // or vdm.WithConfigYAML(raw)
		vdm.WithCPUNotifier(vdm.SimpleCPUNotifier{
			RaiseFunc: func() { fmt.Println("INTR high") },
			LowerFunc: func() { fmt.Println("INTR low") },
			MSIFunc: func(addr, data uint64) error {
				fmt.Printf("MSI %#x <- %#x\n", addr, data)
				return nil
			},
		}),
		vdm.WithConsole(stdoutConsole{}),
		vdm.WithTSCFrequency(1_000_000_000),
	)
	if err != nil {
		return fmt.Errorf("new machine: %w", err)
	}
	defer m.Close()

	// Run serves interrupt routing and DMA until the context ends.
	runCtx, stopRun := context.WithCancel(ctx)
	runDone := make(chan error, 1)
	go func() { runDone <- m.Run(runCtx) }()
	defer func() { stopRun(); <-runDone }()

	// =========================================================================
	// Device creation - from the description, or one at a time
	// =========================================================================
	if err := m.CreateConfigured(); err != nil {
		return fmt.Errorf("create devices: %w", err)
	}
	if _, err := m.CreateDevice("blinker", 0); err != nil {
		return fmt.Errorf("create blinker: %w", err)
	}
	if inst, ok := m.Find("uart", 0); ok {
		fmt.Println("created", inst.InstanceName())
	}

	// =========================================================================
	// Lifecycle - power on, reset, suspend and resume
	// =========================================================================
	if err := m.PowerOn(ctx); err != nil {
		return fmt.Errorf("power on: %w", err)
	}
	m.Reset(vdm.ResetFull)

	// If the embedder moves its mapping of guest structures, every device
	// implementing RelocateHandler hears the delta.
	m.Relocate(0x200000)

	// =========================================================================
	// Dispatch - the embedder's CPU exit handler calls these
	// =========================================================================
	if err := m.PortOut(vdm.ContextUser, 0x3f8, 1, 'x'); err != nil {
		return fmt.Errorf("transmit: %w", err)
	}
	lsr, err := m.PortIn(vdm.ContextUser, 0x3f8+5, 1)
	if err != nil {
		return fmt.Errorf("line status: %w", err)
	}
	fmt.Printf("LSR %#x\n", lsr)

	buf := make([]byte, 4)
	if err := m.MMIORead(vdm.ContextUser, 0xfec0_0000, buf); err != nil {
		// The hot path can also ask for a user-context retry.
		if errors.Is(err, vdm.ErrDeferred) || errors.Is(err, vdm.ErrNotHandled) {
			fmt.Println("unclaimed MMIO window")
		} else {
			return fmt.Errorf("mmio read: %w", err)
		}
	}

	// A repeated store (memset-style exit) dispatches as one fill run.
	err = m.MMIOFill(vdm.ContextUser, 0xfec0_0000, 0, 4, 16)
	if err != nil && !errors.Is(err, vdm.ErrNotHandled) && !errors.Is(err, vdm.ErrDeferred) {
		return fmt.Errorf("mmio fill: %w", err)
	}

	// Guest memory is shared with the embedder.
	if _, err := m.Memory().WriteAt([]byte("boot"), 0x7c00); err != nil {
		return fmt.Errorf("seed memory: %w", err)
	}

	// =========================================================================
	// Snapshots - capture needs a suspended machine
	// =========================================================================
	if err := m.Suspend(); err != nil {
		return fmt.Errorf("suspend: %w", err)
	}
	var snap bytes.Buffer
	if err := m.CaptureState(&snap); err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	if err := m.RestoreState(bytes.NewReader(snap.Bytes())); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	if err := m.Resume(); err != nil {
		return fmt.Errorf("resume: %w", err)
	}

	// =========================================================================
	// Stats - counters from every component and device
	// =========================================================================
	for _, s := range m.Stats() {
		_ = s.Name
		_ = s.Value
	}
	if err := m.WriteStats(os.Stdout); err != nil {
		return fmt.Errorf("stats: %w", err)
	}

	// =========================================================================
	// Shutdown
	// =========================================================================
	m.PowerOff()
	if err := m.Wait(); err != nil {
		return fmt.Errorf("wait: %w", err)
	}
	time.Sleep(10 * time.Millisecond) // let the console drain
	return nil
}

const machineDescription = `
machine:
  memory-mb: 16
devices:
  pic:
    0: {}
  pit:
    0: {}
  uart:
    0:
      base: 1016
      irq: 4
  pcihost:
    0: {}
  playground:
    0:
      dma: 3
`

// stdoutConsole shows transmitted bytes; its empty reader detaches the
// receive side immediately.
type stdoutConsole struct{}

func (stdoutConsole) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdoutConsole) Read([]byte) (int, error)    { return 0, io.EOF }

// blinker is a tiny device written against the root package only: one
// port that reads back how often it was written.
type blinker struct {
	writes uint64
}

func (b *blinker) Construct(in *vdm.Instance, cfg *vdm.ConfigNode, help vdm.Helpers) error {
	h, err := help.NewPortRegion(1, vdm.PortFuncs{
		In: func(_ vdm.ExecutionContext, _ uint16, size uint8) (uint64, error) {
			if size != 1 {
				return 0, vdm.ErrNotHandled
			}
			return b.writes & 0xff, nil
		},
		Out: func(_ vdm.ExecutionContext, _ uint16, size uint8, _ uint64) error {
			if size != 1 {
				return vdm.ErrNotHandled
			}
			b.writes++
			return nil
		},
	}, vdm.WithRegionName("blinker"))
	if err != nil {
		return err
	}
	return help.MapPort(h, uint16(cfg.Uint64Def("base", 0x404)))
}

func (b *blinker) Destruct(in *vdm.Instance) error { return nil }
