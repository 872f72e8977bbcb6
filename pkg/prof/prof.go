//go:build profile

package prof

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"
	"sync"
)

// Session is a running profile capture.
type Session struct {
	opts Options
	cpu  *os.File
}

var (
	mutex  sync.Mutex
	active *Session
)

// Enabled reports whether profiling was compiled in.
func Enabled() bool { return true }

// Start begins a session. CPU sampling starts immediately; the heap
// profile is written by [Session.Stop].
func Start(opts Options) (*Session, error) {
	mutex.Lock()
	defer mutex.Unlock()

	if active != nil {
		return nil, ErrActive
	}
	s := &Session{opts: opts}
	if opts.CPU != "" {
		f, err := os.Create(opts.CPU)
		if err != nil {
			return nil, fmt.Errorf("cpu profile: %w", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			f.Close()
			return nil, fmt.Errorf("cpu profile: %w", err)
		}
		s.cpu = f
	}
	if !opts.empty() {
		active = s
	}
	return s, nil
}

// Stop ends CPU sampling and writes the heap profile. Stop on an ended
// session does nothing.
func (s *Session) Stop() error {
	mutex.Lock()
	defer mutex.Unlock()

	if active != s {
		return nil
	}
	active = nil

	var errs []error
	if s.cpu != nil {
		pprof.StopCPUProfile()
		if err := s.cpu.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cpu profile: %w", err))
		}
		s.cpu = nil
	}
	if s.opts.Heap != "" {
		if err := writeHeap(s.opts.Heap); err != nil {
			errs = append(errs, fmt.Errorf("heap profile: %w", err))
		}
	}
	return errors.Join(errs...)
}

func writeHeap(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	runtime.GC()
	if err := pprof.Lookup("heap").WriteTo(f, 0); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
