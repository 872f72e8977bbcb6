package prof

import "errors"

// ErrActive is returned by [Start] while another session is running.
var ErrActive = errors.New("profiling session already active")

// Options names the profile outputs. Empty paths are skipped.
type Options struct {
	CPU  string
	Heap string
}

func (o Options) empty() bool { return o.CPU == "" && o.Heap == "" }
