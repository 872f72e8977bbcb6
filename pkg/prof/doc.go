// Package prof captures CPU and heap profiles around a usbd command.
//
// Profiling is compiled in only with the "profile" build tag:
//
//	go build -tags profile ./cmd/usbd
//	usbd --cpu-profile cpu.prof --heap-profile heap.prof simulate --class msc
//
// Without the tag [Start] returns an inert [Session] and [Enabled] reports
// false, so callers need no build tags of their own.
package prof
