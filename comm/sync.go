package comm

import (
	"context"
	"fmt"
	"time"
)

// mailbox register offsets

const (
	RegMailbox0         = 0x00 // command in, status out
	RegMailbox1         = 0x04 // first parameter in, return value out
	RegMailbox2         = 0x08
	RegMailbox3         = 0x0c
	RegMailbox4         = 0x10
	RegInboundDoorbell  = 0x20 // host to adapter
	RegOutboundDoorbell = 0x24 // adapter to host; write 1 to clear
)

// DoorbellSyncCmd is the doorbell bit for synchronous commands.
const DoorbellSyncCmd = 1 << 0

// SyncCmd is a synchronous mailbox command.
type SyncCmd uint32

const (
	SyncBreakpointRequest     SyncCmd = 0x04
	SyncInitStructBaseAddress SyncCmd = 0x05
	SyncHostCrashing          SyncCmd = 0x0d
	SyncGetAdapterProperties  SyncCmd = 0x19
	SyncIOPReset              SyncCmd = 0x1000
)

// SyncStatusOK is the mailbox status of a successful synchronous command.
const SyncStatusOK = 0

func (c SyncCmd) String() string {
	switch c {
	case SyncBreakpointRequest:
		return "BreakpointRequest"

	case SyncInitStructBaseAddress:
		return "InitStructBaseAddress"

	case SyncHostCrashing:
		return "HostCrashing"

	case SyncGetAdapterProperties:
		return "GetAdapterProperties"

	case SyncIOPReset:
		return "IOPReset"

	default:
		return fmt.Sprintf("SyncCmd(%#x)", uint32(c))
	}
}

// SyncCommand runs a command through the mailbox registers and polls for the
// adapter's answer. It bypasses the ring queues entirely. Only one
// synchronous command runs at a time.
func (a *Adapter) SyncCommand(ctx context.Context, cmd SyncCmd, params [4]uint32) (status, ret uint32, err error) {
	a.syncMu.Lock()
	defer a.syncMu.Unlock()

	if err := a.hw.WriteReg(RegOutboundDoorbell, DoorbellSyncCmd); err != nil {
		return 0, 0, fmt.Errorf("%v: clear doorbell: %w", cmd, err)
	}

	if err := a.hw.WriteReg(RegMailbox0, uint32(cmd)); err != nil {
		return 0, 0, fmt.Errorf("%v: write mailbox: %w", cmd, err)
	}

	for i, p := range params {
		if err := a.hw.WriteReg(RegMailbox1+4*i, p); err != nil {
			return 0, 0, fmt.Errorf("%v: write mailbox: %w", cmd, err)
		}
	}

	if err := a.hw.WriteReg(RegInboundDoorbell, DoorbellSyncCmd); err != nil {
		return 0, 0, fmt.Errorf("%v: ring doorbell: %w", cmd, err)
	}

	deadline := time.NewTimer(a.cfg.SyncTimeout)
	defer deadline.Stop()

	tick := time.NewTicker(a.cfg.SyncPoll)
	defer tick.Stop()

	for {
		db, err := a.hw.ReadReg(RegOutboundDoorbell)
		if err != nil {
			return 0, 0, fmt.Errorf("%v: read doorbell: %w", cmd, err)
		}

		if db&DoorbellSyncCmd != 0 {
			break
		}

		select {
		case <-ctx.Done():
			return 0, 0, fmt.Errorf("%w: %v: %w", ErrSyncTimeout, cmd, ctx.Err())

		case <-deadline.C:
			return 0, 0, fmt.Errorf("%w: %v after %v", ErrSyncTimeout, cmd, a.cfg.SyncTimeout)

		case <-tick.C:
		}
	}

	if err := a.hw.WriteReg(RegOutboundDoorbell, DoorbellSyncCmd); err != nil {
		return 0, 0, fmt.Errorf("%v: ack doorbell: %w", cmd, err)
	}

	if status, err = a.hw.ReadReg(RegMailbox0); err != nil {
		return 0, 0, fmt.Errorf("%v: read status: %w", cmd, err)
	}

	if ret, err = a.hw.ReadReg(RegMailbox1); err != nil {
		return 0, 0, fmt.Errorf("%v: read return value: %w", cmd, err)
	}

	return status, ret, nil
}
