package fib_test

import (
	"strings"
	"testing"

	"github.com/c35s/aac/fib"
	"github.com/google/go-cmp/cmp"
)

func TestXferState(t *testing.T) {
	tests := []struct {
		x     fib.XferState
		valid bool
		str   string
	}{
		{0, true, "0"},
		{fib.HostOwned | fib.Empty | fib.AllocatedFromPool, true, "HostOwned|Empty|AllocatedFromPool"},
		{fib.HostOwned | fib.AdapterOwned, false, "HostOwned|AdapterOwned"},
		{fib.Initialized | fib.Empty, false, "Initialized|Empty"},
		{fib.SentFromHost | fib.SentFromAdapter, false, "SentFromHost|SentFromAdapter"},
		{fib.ResponseExpected | fib.NoResponseExpected, false, "ResponseExpected|NoResponseExpected"},
		{fib.NormalPriority | fib.HighPriority, false, "NormalPriority|HighPriority"},
		{fib.AdapterProcessed | 1<<20, true, "AdapterProcessed|0x100000"},
	}

	for _, tt := range tests {
		t.Run(tt.str, func(t *testing.T) {
			if err := tt.x.Validate(); (err == nil) != tt.valid {
				t.Errorf("Validate: %v", err)
			}

			if s := tt.x.String(); s != tt.str {
				t.Errorf("String: %q", s)
			}
		})
	}
}

func TestView(t *testing.T) {
	want := fib.Header{
		XferState:      fib.HostOwned | fib.Initialized,
		Command:        fib.CheckRevision,
		StructType:     fib.StructTypeFIB,
		Flags:          fib.FlagFastResponse,
		Size:           fib.HeaderSize + 3,
		SenderSize:     fib.MaxSize,
		SenderHandle:   0x10002,
		ReceiverHandle: 0x30004,
		SenderData:     0x50006,
	}

	v := make(fib.View, fib.MaxSize)
	want.PutBinary(v)

	if diff := cmp.Diff(want, v.Header()); diff != "" {
		t.Errorf("header (-want +got):\n%s", diff)
	}

	if err := v.Check(); err != nil {
		t.Fatal(err)
	}

	if n := len(v.Payload()); n != 3 {
		t.Errorf("payload length %d != 3", n)
	}

	v.SetStatus(fib.StNotSupp)
	if v.Status() != fib.StNotSupp || v.Size() != fib.HeaderSize+4 {
		t.Errorf("status %v size %d", v.Status(), v.Size())
	}

	v.SetFlags(fib.AdapterProcessed)
	v.ClearFlags(fib.Initialized)
	if x := v.XferState(); x != fib.HostOwned|fib.AdapterProcessed {
		t.Errorf("xfer state %v", x)
	}

	v.SetCommand(fib.HostShutdown)
	v.SetReceiverHandle(9)
	if v.Command() != fib.HostShutdown || v.ReceiverHandle() != 9 {
		t.Errorf("command %v receiver %d", v.Command(), v.ReceiverHandle())
	}

	// a declared size past the buffer yields the whole buffer
	v.SetSize(fib.MaxSize + 1)
	if n := len(v.Payload()); n != fib.PayloadSize {
		t.Errorf("payload length %d != %d", n, fib.PayloadSize)
	}
}

func TestCheck(t *testing.T) {
	valid := func() fib.View {
		v := make(fib.View, fib.MaxSize)
		fib.Header{StructType: fib.StructTypeFIB, Size: fib.HeaderSize, SenderSize: fib.MaxSize}.PutBinary(v)
		return v
	}

	tests := []struct {
		name   string
		mangle func(v fib.View) fib.View
	}{
		{"short", func(v fib.View) fib.View { return v[:fib.HeaderSize-1] }},
		{"struct type", func(v fib.View) fib.View { v[6] = 2; return v }},
		{"size over capacity", func(v fib.View) fib.View { v.SetSize(fib.MaxSize + 1); return v }},
		{"size over buffer", func(v fib.View) fib.View { v.SetSize(64); return v[:32] }},
		{"xfer state", func(v fib.View) fib.View { v.SetXferState(fib.HostOwned | fib.AdapterOwned); return v }},
	}

	if err := valid().Check(); err != nil {
		t.Fatal(err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.mangle(valid()).Check(); err == nil {
				t.Error("no error")
			}
		})
	}
}

func TestAdapterInfo(t *testing.T) {
	want := fib.AdapterInfo{
		KernelRevision:  0x20001,
		MonitorRevision: 3,
		Platform:        4,
		CPU:             5,
		MemorySize:      512,
		Serial:          0xc0ffee,
		Options:         fib.OptEvents,
	}

	p := make([]byte, fib.AdapterInfoSize)
	want.PutBinary(p)

	got, err := fib.ParseAdapterInfo(p)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("info (-want +got):\n%s", diff)
	}

	if _, err := fib.ParseAdapterInfo(p[:fib.AdapterInfoSize-1]); err == nil {
		t.Error("short info parsed")
	}
}

func TestStrings(t *testing.T) {
	if s := fib.StNotSupp.String(); s != "ST_NOTSUPP" {
		t.Errorf("status %q", s)
	}

	if s := fib.Status(12345).String(); s != "Status(12345)" {
		t.Errorf("unknown status %q", s)
	}

	for _, c := range fib.AllCommands() {
		if s := c.String(); strings.HasPrefix(s, "Command(") {
			t.Errorf("command %d has no name", uint16(c))
		}
	}
}
