package device

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/ardnew/usbdcore/device/hal"
	"github.com/ardnew/usbdcore/pkg"
)

// BundleVersion is the bundle format written by WriteTo.
const BundleVersion = 1

// Bundle is a device configuration together with its descriptor tables,
// stored as CBOR.
type Bundle struct {
	Version     uint16      `cbor:"version"`
	Config      Config      `cbor:"config"`
	Descriptors Descriptors `cbor:"descriptors"`
	Serial      string      `cbor:"serial,omitempty"`
}

var bundleEncMode = func() cbor.EncMode {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

// NewBundle returns a bundle of the current version.
func NewBundle(cfg Config, desc *Descriptors) *Bundle {
	return &Bundle{
		Version:     BundleVersion,
		Config:      cfg,
		Descriptors: *desc,
	}
}

// MarshalBinary encodes the bundle as deterministic CBOR.
func (b *Bundle) MarshalBinary() ([]byte, error) {
	return bundleEncMode.Marshal(b)
}

// WriteTo writes the encoded bundle to w.
func (b *Bundle) WriteTo(w io.Writer) (int64, error) {
	data, err := b.MarshalBinary()
	if err != nil {
		return 0, fmt.Errorf("encode bundle: %w", err)
	}
	n, err := w.Write(data)
	return int64(n), err
}

// LoadBundle decodes and validates a bundle read from r.
func LoadBundle(r io.Reader) (*Bundle, error) {
	var b Bundle
	if err := cbor.NewDecoder(r).Decode(&b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if b.Version != BundleVersion {
		return nil, fmt.Errorf("bundle version %d: %w", b.Version, pkg.ErrBundleVersion)
	}
	if err := b.Config.Validate(); err != nil {
		return nil, err
	}
	if err := b.Descriptors.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// NewDevice creates a device from the bundle and applies its serial
// number, if any.
func (b *Bundle) NewDevice(drv hal.Driver, classes ...ClassExtension) (*Device, error) {
	desc := b.Descriptors
	dev, err := New(b.Config, &desc, drv, classes...)
	if err != nil {
		return nil, err
	}
	if b.Serial != "" {
		if err := dev.SetSerialNumber(b.Serial); err != nil {
			return nil, err
		}
	}
	return dev, nil
}
