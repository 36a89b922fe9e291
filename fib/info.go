package fib

import "fmt"

// AdapterInfo is the reply payload of RequestAdapterInfo, after the status
// word.
type AdapterInfo struct {
	KernelRevision  uint32
	MonitorRevision uint32
	Platform        uint32
	CPU             uint32
	MemorySize      uint32 // MiB
	Serial          uint32
	Options         uint32
}

// AdapterInfoSize is the binary size of an AdapterInfo.
const AdapterInfoSize = 28

// adapter option bits

const (
	OptFastResponse = 1 << 0
	OptHighPriority = 1 << 1
	OptEvents       = 1 << 2
)

func (ai AdapterInfo) PutBinary(p []byte) {
	_ = p[:AdapterInfoSize]
	le.PutUint32(p[0:4], ai.KernelRevision)
	le.PutUint32(p[4:8], ai.MonitorRevision)
	le.PutUint32(p[8:12], ai.Platform)
	le.PutUint32(p[12:16], ai.CPU)
	le.PutUint32(p[16:20], ai.MemorySize)
	le.PutUint32(p[20:24], ai.Serial)
	le.PutUint32(p[24:28], ai.Options)
}

// ParseAdapterInfo decodes an AdapterInfo.
func ParseAdapterInfo(p []byte) (AdapterInfo, error) {
	if len(p) < AdapterInfoSize {
		return AdapterInfo{}, fmt.Errorf("adapter info: short payload: %d < %d", len(p), AdapterInfoSize)
	}

	return AdapterInfo{
		KernelRevision:  le.Uint32(p[0:4]),
		MonitorRevision: le.Uint32(p[4:8]),
		Platform:        le.Uint32(p[8:12]),
		CPU:             le.Uint32(p[12:16]),
		MemorySize:      le.Uint32(p[16:20]),
		Serial:          le.Uint32(p[20:24]),
		Options:         le.Uint32(p[24:28]),
	}, nil
}
