// Command usbd generates and inspects device descriptor bundles and runs
// simulated enumerations against them.
//
// Usage:
//
//	usbd descriptors gen --class cdc --vid 0x1209 --pid 0x0002 -o serial.cbor
//	usbd descriptors dump serial.cbor
//	usbd simulate --bundle serial.cbor
package main

import (
	"os"

	"github.com/ardnew/usbdcore/pkg"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		pkg.LogError(pkg.ComponentCLI, "command failed", "error", err)
		os.Exit(1)
	}
}
