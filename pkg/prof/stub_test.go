//go:build !profile

package prof

import "testing"

func TestStub(t *testing.T) {
	if Enabled() {
		t.Fatal("Enabled() = true without the profile tag")
	}
	s, err := Start(Options{CPU: "/nonexistent/cpu.prof"})
	if err != nil || s == nil {
		t.Fatalf("Start() = %v, %v", s, err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}
