package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ardnew/usbdcore/pkg"
	"github.com/ardnew/usbdcore/pkg/usbid"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestGenDumpSimulate(t *testing.T) {
	tests := []struct {
		class string
		hs    bool
		want  []string
	}{
		{presetHID, false, []string{"interface 0 alt 0: class 03/01/01", "endpoint 0x81: interrupt"}},
		{presetCDC, false, []string{"association: interfaces 0-1", "endpoint 0x82: bulk, 64 bytes"}},
		{presetMSC, true, []string{"class 08/06/50", "high speed:", "endpoint 0x81: bulk, 512 bytes"}},
		{presetVendor, false, []string{"vendor code 0x20", "extended compat id"}},
	}
	for _, tt := range tests {
		t.Run(tt.class, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.class+".cbor")
			args := []string{"descriptors", "gen", "--class", tt.class, "--vid", "0x1209", "--pid", "0x00AB", "-o", path}
			if tt.hs {
				args = append(args, "--hs")
			}
			if _, err := execute(t, args...); err != nil {
				t.Fatalf("gen: %v", err)
			}

			out, err := execute(t, "descriptors", "dump", path)
			if err != nil {
				t.Fatalf("dump: %v", err)
			}
			for _, w := range append(tt.want, "device 1209:00AB", `"Simulated Device"`) {
				if !strings.Contains(out, w) {
					t.Errorf("dump missing %q:\n%s", w, out)
				}
			}

			out, err = execute(t, "simulate", "--bundle", path, "--address", "9")
			if err != nil {
				t.Fatalf("simulate: %v", err)
			}
			for _, w := range []string{"device 1209:00AB at address 9", "configuration 1", `"usbdcore"`} {
				if !strings.Contains(out, w) {
					t.Errorf("simulate missing %q:\n%s", w, out)
				}
			}
		})
	}
}

func TestSimulatePreset(t *testing.T) {
	out, err := execute(t, "simulate", "--class", "cdc", "--product", "Console")
	if err != nil {
		t.Fatal(err)
	}
	for _, w := range []string{`"Console"`, "endpoint 0x83 enabled, 16 bytes", "endpoint 0x02 enabled, 64 bytes"} {
		if !strings.Contains(out, w) {
			t.Errorf("output missing %q:\n%s", w, out)
		}
	}
}

func TestErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		err  error
	}{
		{"unknown preset", []string{"descriptors", "gen", "--class", "audio"}, pkg.ErrInvalidParameter},
		{"bad address", []string{"simulate", "--address", "0"}, pkg.ErrInvalidParameter},
		{"bad log level", []string{"--log-level", "loud", "simulate"}, pkg.ErrInvalidParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := execute(t, tt.args...); !errors.Is(err, tt.err) {
				t.Errorf("err = %v, want %v", err, tt.err)
			}
		})
	}

	if _, err := execute(t, "descriptors", "dump", filepath.Join(t.TempDir(), "missing.cbor")); err == nil {
		t.Error("dump of a missing file succeeded")
	}
}

func TestDumpNames(t *testing.T) {
	dir := t.TempDir()
	bundle := filepath.Join(dir, "hid.cbor")
	ids := filepath.Join(dir, "usb.ids")
	if err := os.WriteFile(ids, []byte("1209  Generic\n\t00ab  Example Board\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "descriptors", "gen", "--vid", "0x1209", "--pid", "0x00AB", "-o", bundle); err != nil {
		t.Fatalf("gen: %v", err)
	}

	out, err := execute(t, "descriptors", "dump", "--usb-ids", ids, bundle)
	if err != nil {
		t.Fatalf("dump: %v", err)
	}
	if !strings.Contains(out, "  Generic Example Board\n") {
		t.Errorf("dump missing names:\n%s", out)
	}

	_, err = execute(t, "descriptors", "dump", "--usb-ids", filepath.Join(dir, "none"), bundle)
	if !errors.Is(err, usbid.ErrNotFound) {
		t.Errorf("err = %v, want %v", err, usbid.ErrNotFound)
	}
}
