package device

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ardnew/usbdcore/device/hal"
	"github.com/ardnew/usbdcore/pkg"
)

// DefaultDriverRetryDelay is the pause between attempts of a transient
// driver failure.
const DefaultDriverRetryDelay = time.Millisecond

// driver wraps a hal.Driver with per-endpoint transfer tracking and
// bounded retry of transient failures.
//
// The active set is atomic because completions are reported by driver
// callbacks that may run while the device lock is held elsewhere.
type driver struct {
	hal.Driver
	retries int
	delay   time.Duration
	active  atomic.Uint32
}

func newDriver(d hal.Driver, retries int, delay time.Duration) *driver {
	return &driver{Driver: d, retries: retries, delay: delay}
}

func (a *driver) isActive(ep EndpointID) bool {
	return EndpointMask(a.active.Load()).Has(ep)
}

func (a *driver) setActive(ep EndpointID, on bool) {
	for {
		old := a.active.Load()
		m := EndpointMask(old)
		if on {
			m.Set(ep)
		} else {
			m.Clear(ep)
		}
		if a.active.CompareAndSwap(old, uint32(m)) {
			return
		}
	}
}

// completed records that the transfer on ep has finished.
func (a *driver) completed(ep EndpointID) {
	a.setActive(ep, false)
}

// completedOn clears the active flag for every direction of ep that event
// reports complete. Endpoint 0 completions are matched by event bit since
// both directions share one number.
func (a *driver) completedOn(ep EndpointID, event hal.EndpointEvent) {
	if !ep.IsControl() {
		if event&(hal.EndpointEventIn|hal.EndpointEventOut) != 0 {
			a.completed(ep)
		}
		return
	}
	if event&hal.EndpointEventIn != 0 {
		a.completed(EndpointID{In: true})
	}
	if event&hal.EndpointEventOut != 0 {
		a.completed(EndpointID{})
	}
}

func (a *driver) activeMask() EndpointMask {
	return EndpointMask(a.active.Load())
}

func (a *driver) resetActive() {
	a.active.Store(0)
}

// retry runs op until it succeeds, fails permanently, or exhausts the
// configured attempts.
func (a *driver) retry(op string, ep EndpointID, fn func() error) error {
	var err error
	for attempt := 0; attempt <= a.retries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !hal.Retryable(err) {
			break
		}
		if attempt < a.retries && a.delay > 0 {
			time.Sleep(a.delay)
		}
	}
	pkg.LogDebug(pkg.ComponentHAL, "driver call failed",
		"op", op,
		"endpoint", ep.String(),
		"error", err)
	return driverError(op, err)
}

// driverError maps a driver failure onto the core error taxonomy.
func driverError(op string, err error) error {
	var kind error
	switch {
	case errors.Is(err, hal.ErrBusy):
		kind = pkg.ErrDriverBusy
	case errors.Is(err, hal.ErrTimeout):
		kind = pkg.ErrTimeout
	case errors.Is(err, hal.ErrParameter):
		kind = pkg.ErrInvalidParameter
	case errors.Is(err, hal.ErrUnsupported):
		kind = pkg.ErrNotSupported
	default:
		kind = pkg.ErrDriverError
	}
	return fmt.Errorf("%s: %w: %w", op, kind, err)
}

// abortIfActive cancels the transfer in progress on ep, if any.
func (a *driver) abortIfActive(ep EndpointID) error {
	if !a.isActive(ep) {
		return nil
	}
	return a.abort(ep)
}

func (a *driver) configure(ep EndpointID, epType uint8, maxPacketSize uint16) error {
	if err := a.abortIfActive(ep); err != nil {
		return err
	}
	return a.retry("configure", ep, func() error {
		return a.Driver.EndpointConfigure(ep.Address(), epType, maxPacketSize)
	})
}

func (a *driver) unconfigure(ep EndpointID) error {
	if err := a.abortIfActive(ep); err != nil {
		return err
	}
	return a.retry("unconfigure", ep, func() error {
		return a.Driver.EndpointUnconfigure(ep.Address())
	})
}

func (a *driver) stall(ep EndpointID, on bool) error {
	if err := a.abortIfActive(ep); err != nil {
		return err
	}
	return a.retry("stall", ep, func() error {
		return a.Driver.EndpointStall(ep.Address(), on)
	})
}

// transfer starts a transfer on ep. A transfer still active on endpoint 0
// is aborted first; on any other endpoint it is reported as busy.
func (a *driver) transfer(ep EndpointID, buf []byte) error {
	if a.isActive(ep) {
		if !ep.IsControl() {
			return fmt.Errorf("transfer %v: %w", ep, pkg.ErrDriverBusy)
		}
		if err := a.abort(ep); err != nil {
			return err
		}
	}
	a.setActive(ep, true)
	err := a.retry("transfer", ep, func() error {
		return a.Driver.EndpointTransfer(ep.Address(), buf)
	})
	if err != nil {
		a.setActive(ep, false)
	}
	return err
}

func (a *driver) abort(ep EndpointID) error {
	if !a.isActive(ep) {
		return nil
	}
	err := a.retry("abort", ep, func() error {
		return a.Driver.EndpointTransferAbort(ep.Address())
	})
	if err == nil {
		a.setActive(ep, false)
	}
	return err
}

func (a *driver) result(ep EndpointID) uint32 {
	return a.Driver.EndpointTransferGetResult(ep.Address())
}
