package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ardnew/usbdcore/device"
	"github.com/ardnew/usbdcore/pkg"
	"github.com/ardnew/usbdcore/pkg/usbid"
)

func newDescriptorsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "descriptors",
		Aliases: []string{"desc"},
		Short:   "Generate and inspect descriptor bundles",
	}
	cmd.AddCommand(newGenCommand(), newDumpCommand())
	return cmd
}

// addPresetFlags registers the flags that select and identify a preset.
func addPresetFlags(cmd *cobra.Command, o *presetOptions) {
	f := cmd.Flags()
	f.StringVar(&o.class, "class", presetHID, "class preset (hid, cdc, msc, vendor)")
	f.Uint16Var(&o.vendorID, "vid", 0x1209, "vendor ID")
	f.Uint16Var(&o.productID, "pid", 0x0001, "product ID")
	f.StringVar(&o.manufacturer, "manufacturer", "usbdcore", "manufacturer string")
	f.StringVar(&o.product, "product", "Simulated Device", "product string")
	f.StringVar(&o.serial, "serial", "", "serial number (default: random)")
	f.BoolVar(&o.highSpeed, "hs", false, "add high-speed tables")
	f.Uint8Var(&o.vendorCode, "vendor-code", 0, "Microsoft OS descriptor vendor code (0 disables)")
	f.Uint64Var(&o.diskBlocks, "disk-blocks", 2048, "msc preset disk size in 512-byte blocks")
}

func newGenCommand() *cobra.Command {
	var (
		opts   presetOptions
		output string
	)
	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Write a descriptor bundle for a class preset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.serial == "" {
				opts.serial = device.NewSerialNumber()
			}
			p, err := opts.build()
			if err != nil {
				return err
			}
			bundle := device.NewBundle(p.config, p.desc)

			w := cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create bundle: %w", err)
				}
				defer f.Close()
				w = f
			}
			if _, err := bundle.WriteTo(w); err != nil {
				return fmt.Errorf("write bundle: %w", err)
			}
			return nil
		},
	}
	addPresetFlags(cmd, &opts)
	cmd.Flags().StringVarP(&output, "output", "o", "-", "bundle file (- for stdout)")
	return cmd
}

func newDumpCommand() *cobra.Command {
	var ids string
	cmd := &cobra.Command{
		Use:   "dump <bundle>",
		Short: "Print the contents of a descriptor bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bundle, err := readBundle(args[0])
			if err != nil {
				return err
			}
			db, err := openIDs(ids)
			if err != nil {
				return err
			}
			return dumpBundle(cmd.OutOrStdout(), bundle, db)
		},
	}
	cmd.Flags().StringVar(&ids, "usb-ids", "", "usb.ids database for vendor and product names (default: system locations)")
	return cmd
}

// openIDs loads the named usb.ids, or the system copy when path is empty.
// A missing system copy is not an error.
func openIDs(path string) (*usbid.Database, error) {
	if path != "" {
		return usbid.Open(path)
	}
	db, err := usbid.Open(usbid.DefaultPaths...)
	if err != nil {
		pkg.LogDebug(pkg.ComponentCLI, "no usb.ids database", "error", err)
		return nil, nil
	}
	return db, nil
}

func readBundle(path string) (*device.Bundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	defer f.Close()
	return device.LoadBundle(f)
}

func dumpBundle(w io.Writer, b *device.Bundle, db *usbid.Database) error {
	cfg := b.Config
	fmt.Fprintf(w, "bundle v%d: high speed %t, vendor code 0x%02X\n", b.Version, cfg.HighSpeed, cfg.VendorCode)
	if b.Serial != "" {
		fmt.Fprintf(w, "serial override %q\n", b.Serial)
	}

	var dev device.DeviceDescriptor
	if err := device.ParseDeviceDescriptor(b.Descriptors.Device, &dev); err != nil {
		return err
	}
	fmt.Fprintf(w, "device %04X:%04X usb %X.%02X class %02X/%02X/%02X ep0 %d, %d configuration(s)\n",
		dev.VendorID, dev.ProductID, dev.USBVersion>>8, dev.USBVersion&0xFF,
		dev.DeviceClass, dev.DeviceSubClass, dev.DeviceProtocol,
		dev.MaxPacketSize0, dev.NumConfigurations)
	if name := db.Describe(dev.VendorID, dev.ProductID); name != "" {
		fmt.Fprintf(w, "  %s\n", name)
	}

	tables := []struct {
		name  string
		chain []byte
	}{
		{"full speed", b.Descriptors.ConfigurationFS},
		{"high speed", b.Descriptors.ConfigurationHS},
		{"other speed (fs)", b.Descriptors.OtherSpeedFS},
		{"other speed (hs)", b.Descriptors.OtherSpeedHS},
	}
	for _, t := range tables {
		if len(t.chain) == 0 {
			continue
		}
		fmt.Fprintf(w, "%s:\n", t.name)
		device.WalkConfigurations(t.chain, func(block []byte) bool {
			device.Walk(block, func(d []byte) bool {
				fmt.Fprintf(w, "  %s\n", describe(d))
				return true
			})
			return true
		})
	}

	fmt.Fprintln(w, "strings:")
	index := 0
	device.Walk(b.Descriptors.Strings, func(d []byte) bool {
		switch {
		case index == 0:
			fmt.Fprintf(w, "  [0] languages % X\n", d[2:])
		case len(d) > 2:
			s, err := device.DecodeStringDescriptor(d)
			if err != nil {
				s = err.Error()
			}
			fmt.Fprintf(w, "  [%d] %q\n", index, s)
		}
		index++
		return true
	})
	if len(b.Descriptors.ExtendedCompatID) > 0 {
		fmt.Fprintf(w, "extended compat id: %d bytes\n", len(b.Descriptors.ExtendedCompatID))
	}
	return nil
}

// describe renders one descriptor of a configuration block.
func describe(d []byte) string {
	switch d[1] {
	case device.DescriptorTypeConfiguration, device.DescriptorTypeOtherSpeedConfig:
		var c device.ConfigurationDescriptor
		if err := device.ParseConfigurationDescriptor(d, &c); err != nil {
			return err.Error()
		}
		return fmt.Sprintf("configuration %d: %d interface(s), %d bytes, attributes 0x%02X, %d mA",
			c.ConfigurationValue, c.NumInterfaces, c.TotalLength, c.Attributes, int(c.MaxPower)*2)
	case device.DescriptorTypeInterface:
		var i device.InterfaceDescriptor
		if err := device.ParseInterfaceDescriptor(d, &i); err != nil {
			return err.Error()
		}
		return fmt.Sprintf("  interface %d alt %d: class %02X/%02X/%02X, %d endpoint(s)",
			i.InterfaceNumber, i.AlternateSetting, i.InterfaceClass, i.InterfaceSubClass, i.InterfaceProtocol, i.NumEndpoints)
	case device.DescriptorTypeEndpoint:
		var e device.EndpointDescriptor
		if err := device.ParseEndpointDescriptor(d, &e); err != nil {
			return err.Error()
		}
		return fmt.Sprintf("    endpoint 0x%02X: %s, %d bytes, interval %d",
			e.EndpointAddress, transferType(e.Attributes), e.MaxPacketSize, e.Interval)
	case device.DescriptorTypeInterfaceAssociation:
		if len(d) < device.IADSize {
			break
		}
		return fmt.Sprintf("  association: interfaces %d-%d, class %02X", d[2], int(d[2])+int(d[3])-1, d[4])
	}
	return fmt.Sprintf("    class descriptor 0x%02X: % X", d[1], d[2:])
}

func transferType(attributes uint8) string {
	switch attributes & 0x03 {
	case device.EndpointTypeControl:
		return "control"
	case device.EndpointTypeIsochronous:
		return "isochronous"
	case device.EndpointTypeBulk:
		return "bulk"
	}
	return "interrupt"
}
