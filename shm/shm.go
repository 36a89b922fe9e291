//go:build linux

// Package shm allocates page-aligned memory outside the Go heap for the comm
// area and message pool segments. The adapter addresses this memory directly,
// so it must not move.
package shm

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var ErrAlloc = errors.New("shm: alloc failed")

// Alloc maps size bytes of zeroed anonymous memory, rounded
// up to a whole number of pages. The returned slice is exactly size bytes.
func Alloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: size %d", ErrAlloc, size)
	}

	pg := unix.Getpagesize()
	n := (size + pg - 1) &^ (pg - 1)

	mem, err := unix.Mmap(-1, 0, n,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAlloc, err)
	}

	return mem[:size], nil
}

// Free unmaps memory returned by Alloc.
func Free(mem []byte) error {
	if cap(mem) == 0 {
		return nil
	}

	return unix.Munmap(mem[:cap(mem)])
}
