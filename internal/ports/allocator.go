// Package ports assigns non-conflicting network ports to branch
// instances. Assignments are tracked explicitly instead of picked at
// random, so two branches can never race onto the same port.
package ports

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// ErrExhausted indicates no free port remains in the configured range.
var ErrExhausted = errors.New("ports: no free port in range")

// Allocator hands out ports from a fixed range. The reserved set covers
// every branch record, running or stopped, because a stopped branch keeps
// its port for resume.
type Allocator struct {
	mu       sync.Mutex
	start    int
	end      int // exclusive
	next     int
	reserved map[int]bool
}

// NewAllocator creates an allocator for the half-open range [start, end).
func NewAllocator(start, end int) *Allocator {
	return &Allocator{
		start:    start,
		end:      end,
		next:     start,
		reserved: make(map[int]bool),
	}
}

// Allocate reserves and returns a free port. Besides the reserved set it
// probes the OS with a bind test, so a port held by an unrelated process
// is skipped too.
func (a *Allocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := a.end - a.start
	for i := 0; i < size; i++ {
		port := a.next
		a.next++
		if a.next >= a.end {
			a.next = a.start
		}

		if a.reserved[port] {
			continue
		}
		if !bindable(port) {
			continue
		}

		a.reserved[port] = true
		return port, nil
	}

	return 0, fmt.Errorf("%w %d-%d", ErrExhausted, a.start, a.end-1)
}

// Reserve marks a port as in use, for re-seeding from catalog records at
// startup. Reserving outside the range is accepted; the record exists
// whether we like its port or not.
func (a *Allocator) Reserve(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reserved[port] = true
}

// Release returns a port to the pool.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reserved, port)
}

// Reserved reports whether a port is currently reserved.
func (a *Allocator) Reserved(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reserved[port]
}

func bindable(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = listener.Close()
	return true
}
