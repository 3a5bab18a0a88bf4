// Package mmap provides read-only memory-mapped file access for zero-copy I/O.
//
// Patch stacks and checkpoint payloads can reach gigabytes; memory mapping
// lets the npy reader and the local artifact store hand out views into file
// contents without copying them through kernel buffers first.
//
// # Usage
//
//	m, err := mmap.Open("stack.npy")
//	if err != nil { ... }
//	defer m.Close()
//
//	// Zero-copy access to file contents
//	data := m.Bytes()
//
//	// Provide kernel hints for access patterns
//	m.Advise(mmap.AccessSequential)
//
// # Platform Support
//
//   - Unix (Linux, macOS, BSD): mmap(2) with madvise(2) for access hints
//   - Windows: CreateFileMapping/MapViewOfFile (madvise is a no-op)
//
// # Thread Safety
//
// Mapping is safe for concurrent read access. Close() is idempotent and
// protected by atomic operations. Callers must ensure no goroutines access
// Bytes() after Close() returns.
package mmap
