//go:build linux

package main

import "testing"

func TestPortFlag(t *testing.T) {
	tests := []struct {
		in   string
		want port
		ok   bool
	}{
		{"0", 0, true},
		{"1024", 1024, true},
		{"0x400", 1024, true},
		{"4294967295", 1<<32 - 1, true},
		{"4294967296", 0, false},
		{"-1", 0, false},
		{"vsock", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var p port
			err := p.Set(tt.in)

			if (err == nil) != tt.ok {
				t.Fatalf("Set(%q) err = %v", tt.in, err)
			}

			if p != tt.want {
				t.Errorf("Set(%q) = %d, want %d", tt.in, p, tt.want)
			}
		})
	}
}
