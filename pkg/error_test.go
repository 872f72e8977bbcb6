package pkg

import (
	"errors"
	"fmt"
	"testing"
)

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusOK, "ok"},
		{StatusInvalidParameter, "invalid parameter"},
		{StatusDeviceError, "device error"},
		{StatusDriverError, "driver error"},
		{StatusDriverBusy, "driver busy"},
		{StatusTimeout, "timeout"},
		{StatusUnsupported, "unsupported"},
		{StatusStall, "stall"},
		{Status(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.status.String(); got != tt.want {
				t.Errorf("Status.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStatus_Error(t *testing.T) {
	tests := []struct {
		status  Status
		wantErr error
	}{
		{StatusOK, nil},
		{StatusInvalidParameter, ErrInvalidParameter},
		{StatusDeviceError, ErrDeviceNotInitialized},
		{StatusDriverError, ErrDriverError},
		{StatusDriverBusy, ErrDriverBusy},
		{StatusTimeout, ErrTimeout},
		{StatusUnsupported, ErrNotSupported},
		{StatusStall, ErrStall},
		{StatusUnknown, ErrProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			err := tt.status.Error()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Status.Error() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Status.Error() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Status
	}{
		{"nil", nil, StatusOK},
		{"parameter", ErrInvalidParameter, StatusInvalidParameter},
		{"endpoint", ErrInvalidEndpoint, StatusInvalidParameter},
		{"wrapped parameter", fmt.Errorf("ep 0x81: %w", ErrInvalidParameter), StatusInvalidParameter},
		{"not initialized", ErrDeviceNotInitialized, StatusDeviceError},
		{"unknown device", ErrUnknownDevice, StatusDeviceError},
		{"busy", ErrDriverBusy, StatusDriverBusy},
		{"halted", ErrEndpointHalted, StatusDriverBusy},
		{"driver", fmt.Errorf("configure: %w", ErrDriverError), StatusDriverError},
		{"timeout", ErrTimeout, StatusTimeout},
		{"unsupported", ErrNotSupported, StatusUnsupported},
		{"stall", ErrStall, StatusStall},
		{"other", errors.New("boom"), StatusUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusOf(tt.err); got != tt.want {
				t.Errorf("StatusOf(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestStatusRoundTrip(t *testing.T) {
	for s := StatusOK; s < StatusUnknown; s++ {
		if got := StatusOf(s.Error()); got != s {
			t.Errorf("StatusOf(%v.Error()) = %v", s, got)
		}
	}
}

func TestErrorsDistinct(t *testing.T) {
	errs := []error{
		ErrStall, ErrNAK, ErrTimeout, ErrCancelled, ErrProtocol,
		ErrNotConfigured, ErrInvalidEndpoint, ErrInvalidState, ErrInvalidRequest,
		ErrBufferTooSmall, ErrNotSupported, ErrDescriptorTooShort,
		ErrDescriptorTypeMismatch, ErrDescriptorMissing, ErrSetupPacketTooShort,
		ErrInvalidParameter, ErrReset, ErrAlreadyRunning, ErrNotRunning,
		ErrAlreadyInitialized, ErrDeviceNotInitialized, ErrUnknownDevice,
		ErrDuplicateDevice, ErrEndpointHalted, ErrBundleVersion,
		ErrDriverError, ErrDriverBusy,
	}

	for i, a := range errs {
		for j, b := range errs {
			if i != j && errors.Is(a, b) {
				t.Errorf("errors %v and %v are not distinct", a, b)
			}
		}
	}
}
