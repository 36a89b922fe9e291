package sim

import (
	"encoding/binary"

	"github.com/c35s/aac/fib"
)

// FirmwareRevision is what the simulated firmware answers to CheckRevision.
const FirmwareRevision = 0x0002_0001

// DefaultHandler returns the handler the firmware uses when Config.Handler
// is nil. It echoes TestCommandResponse payloads, answers the housekeeping
// commands, and rejects everything else with StNotSupp.
func DefaultHandler(info fib.AdapterInfo) Handler {
	return func(cmd fib.Command, payload []byte) (fib.Status, []byte) {
		switch cmd {
		case fib.TestCommandResponse:
			return fib.StOK, payload

		case fib.RequestAdapterInfo:
			p := make([]byte, fib.AdapterInfoSize)
			info.PutBinary(p)
			return fib.StOK, p

		case fib.CheckRevision:
			return fib.StOK, binary.LittleEndian.AppendUint32(nil, FirmwareRevision)

		case fib.IsAdapterPaused:
			return fib.StOK, make([]byte, 4)

		case fib.HostShutdown:
			return fib.StOK, nil

		case fib.SendHostTime:
			if len(payload) < 4 {
				return fib.StInval, nil
			}

			return fib.StOK, nil

		default:
			return fib.StNotSupp, nil
		}
	}
}
