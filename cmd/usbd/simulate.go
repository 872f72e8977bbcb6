package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ardnew/usbdcore/device"
	"github.com/ardnew/usbdcore/device/hal"
	"github.com/ardnew/usbdcore/device/hal/sim"
	"github.com/ardnew/usbdcore/pkg"
)

type simulateOptions struct {
	preset  presetOptions
	bundle  string
	address uint8
	timeout time.Duration
}

func newSimulateCommand() *cobra.Command {
	opts := &simulateOptions{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Enumerate a device on a simulated controller",
		Long: `simulate attaches a device to an in-memory controller, walks it through
enumeration the way a host would, and prints what the host learned.
The device comes from --bundle, or from the class preset flags.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd.Context(), cmd.OutOrStdout())
		},
	}
	addPresetFlags(cmd, &opts.preset)
	f := cmd.Flags()
	f.StringVar(&opts.bundle, "bundle", "", "descriptor bundle to simulate")
	f.Uint8Var(&opts.address, "address", 1, "address assigned by the host (1-127)")
	f.DurationVar(&opts.timeout, "timeout", 5*time.Second, "enumeration timeout")
	return cmd
}

func (o *simulateOptions) run(ctx context.Context, w io.Writer) error {
	if o.address == 0 || o.address > 127 {
		return fmt.Errorf("address %d: %w", o.address, pkg.ErrInvalidParameter)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if o.bundle != "" {
		b, err := readBundle(o.bundle)
		if err != nil {
			return err
		}
		ctl := newController(b.Config.HighSpeed)
		dev, err := b.NewDevice(ctl)
		if err != nil {
			return err
		}
		return o.enumerate(ctx, w, dev, ctl)
	}

	p, err := o.preset.build()
	if err != nil {
		return err
	}
	ctl := newController(p.config.HighSpeed)
	dev, err := device.New(p.config, p.desc, ctl, p.classes...)
	if err != nil {
		return err
	}
	p.attach(dev)
	return o.enumerate(ctx, w, dev, ctl)
}

func newController(highSpeed bool) *sim.Controller {
	speed := hal.SpeedFull
	if highSpeed {
		speed = hal.SpeedHigh
	}
	return sim.New(sim.WithSpeed(speed))
}

func (o *simulateOptions) enumerate(ctx context.Context, w io.Writer, dev *device.Device, ctl *sim.Controller) error {
	if err := dev.Initialize(); err != nil {
		return err
	}
	defer func() {
		if err := dev.Uninitialize(); err != nil {
			pkg.LogWarn(pkg.ComponentCLI, "uninitialize failed", "error", err)
		}
	}()
	if err := dev.Connect(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- dev.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	e, err := sim.NewHost(ctl).Enumerate(ctx, o.address)
	if err != nil {
		return fmt.Errorf("enumerate: %w", err)
	}
	printEnumeration(w, e, dev.GetState(), ctl)
	return nil
}

func printEnumeration(w io.Writer, e *sim.Enumeration, st device.DeviceState, ctl *sim.Controller) {
	fmt.Fprintf(w, "device %04X:%04X at address %d\n", e.Device.VendorID, e.Device.ProductID, e.Address)
	for _, index := range []uint8{e.Device.ManufacturerIndex, e.Device.ProductIndex, e.Device.SerialNumberIndex} {
		if s, ok := e.Strings[index]; ok {
			fmt.Fprintf(w, "  string %d: %q\n", index, s)
		}
	}
	fmt.Fprintf(w, "  configuration: %d bytes\n", len(e.Configuration))
	fmt.Fprintf(w, "state %s, %s, configuration %d\n", st.State, st.Speed, st.Configuration)

	device.Walk(e.Configuration, func(d []byte) bool {
		if d[1] != device.DescriptorTypeEndpoint || len(d) < device.EndpointDescriptorSize {
			return true
		}
		if mps, ok := ctl.Configured(d[2]); ok {
			fmt.Fprintf(w, "  endpoint 0x%02X enabled, %d bytes\n", d[2], mps)
		}
		return true
	})
}
