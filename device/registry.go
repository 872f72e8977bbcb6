package device

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ardnew/usbdcore/pkg"
)

// Registry maps device indices to devices.
type Registry struct {
	mutex   sync.RWMutex
	devices map[int]*Device
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[int]*Device)}
}

// Register adds dev under its configured index.
func (r *Registry) Register(dev *Device) error {
	if dev == nil {
		return pkg.ErrInvalidParameter
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()

	index := dev.Index()
	if _, ok := r.devices[index]; ok {
		return fmt.Errorf("register index %d: %w", index, pkg.ErrDuplicateDevice)
	}
	r.devices[index] = dev
	pkg.LogDebug(pkg.ComponentRegistry, "device registered", "index", index)
	return nil
}

// Unregister removes the device at index.
func (r *Registry) Unregister(index int) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, ok := r.devices[index]; !ok {
		return fmt.Errorf("unregister index %d: %w", index, pkg.ErrUnknownDevice)
	}
	delete(r.devices, index)
	pkg.LogDebug(pkg.ComponentRegistry, "device unregistered", "index", index)
	return nil
}

// Get returns the device at index.
func (r *Registry) Get(index int) (*Device, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	dev, ok := r.devices[index]
	if !ok {
		return nil, fmt.Errorf("index %d: %w", index, pkg.ErrUnknownDevice)
	}
	return dev, nil
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.devices)
}

// Each calls fn for every device in index order until fn returns false.
func (r *Registry) Each(fn func(dev *Device) bool) {
	for _, dev := range r.sorted() {
		if !fn(dev) {
			return
		}
	}
}

func (r *Registry) sorted() []*Device {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	list := make([]*Device, 0, len(r.devices))
	for _, dev := range r.devices {
		list = append(list, dev)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Index() < list[j].Index()
	})
	return list
}

// Run runs the worker of every registered device until ctx is cancelled
// or a worker fails, in which case the others are stopped and the first
// error is returned.
func (r *Registry) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, dev := range r.sorted() {
		dev := dev
		g.Go(func() error {
			if err := dev.Run(ctx); err != nil {
				return fmt.Errorf("device %d: %w", dev.Index(), err)
			}
			return nil
		})
	}
	return g.Wait()
}
