//go:build !profile

package prof

// Session is inert without the "profile" build tag.
type Session struct{}

// Enabled reports whether profiling was compiled in.
func Enabled() bool { return false }

// Start returns an inert session.
func Start(Options) (*Session, error) { return &Session{}, nil }

// Stop does nothing.
func (*Session) Stop() error { return nil }
