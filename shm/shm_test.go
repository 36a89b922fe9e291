//go:build linux

package shm_test

import (
	"errors"
	"testing"

	"github.com/c35s/aac/shm"
	"golang.org/x/sys/unix"
)

func TestAlloc(t *testing.T) {
	for _, size := range []int{1, unix.Getpagesize(), unix.Getpagesize() + 1, 1 << 20} {
		mem, err := shm.Alloc(size)
		if err != nil {
			t.Fatalf("alloc %d: %v", size, err)
		}

		if len(mem) != size || cap(mem)%unix.Getpagesize() != 0 {
			t.Errorf("alloc %d: len %d cap %d", size, len(mem), cap(mem))
		}

		for i, b := range mem {
			if b != 0 {
				t.Fatalf("alloc %d: byte %d is %#x", size, i, b)
			}
		}

		mem[size-1] = 0xff

		if err := shm.Free(mem); err != nil {
			t.Errorf("free %d: %v", size, err)
		}
	}

	if _, err := shm.Alloc(0); !errors.Is(err, shm.ErrAlloc) {
		t.Errorf("alloc 0: %v", err)
	}
}
