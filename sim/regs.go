package sim

import (
	"time"

	"github.com/c35s/aac/comm"
	"golang.org/x/sys/unix"
)

type regs struct {
	mailbox  [5]uint32
	inbound  uint32
	outbound uint32
}

// synchronous command status words

const (
	syncStatusOK      = comm.SyncStatusOK
	syncStatusInvalid = 1
	syncStatusBadSize = 2
)

// ReadReg implements comm.Hardware.
func (f *Firmware) ReadReg(off int) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.attached {
		return 0, unix.EPERM
	}

	switch off {
	case comm.RegMailbox0, comm.RegMailbox1, comm.RegMailbox2, comm.RegMailbox3, comm.RegMailbox4:
		return f.regs.mailbox[(off-comm.RegMailbox0)/4], nil

	case comm.RegInboundDoorbell:
		return f.regs.inbound, nil

	case comm.RegOutboundDoorbell:
		return f.regs.outbound, nil

	default:
		return 0, unix.EINVAL
	}
}

// WriteReg implements comm.Hardware.
func (f *Firmware) WriteReg(off int, v uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.attached {
		return unix.EPERM
	}

	switch off {
	case comm.RegMailbox0, comm.RegMailbox1, comm.RegMailbox2, comm.RegMailbox3, comm.RegMailbox4:
		return f.writeMailbox((off-comm.RegMailbox0)/4, v)

	case comm.RegInboundDoorbell:
		return f.writeInboundDoorbell(v)

	case comm.RegOutboundDoorbell:
		f.regs.outbound &^= v
		return nil

	default:
		return unix.EINVAL
	}
}

func (f *Firmware) writeMailbox(i int, v uint32) error {
	// the mailboxes belong to the firmware while a command runs
	if f.regs.inbound&comm.DoorbellSyncCmd != 0 {
		return unix.EPERM
	}

	f.regs.mailbox[i] = v
	return nil
}

func (f *Firmware) writeInboundDoorbell(v uint32) error {
	if v != comm.DoorbellSyncCmd {
		return unix.EINVAL
	}

	if f.regs.inbound&comm.DoorbellSyncCmd != 0 {
		return unix.EPERM
	}

	f.regs.inbound |= comm.DoorbellSyncCmd

	if f.cfg.SyncDelay <= 0 {
		f.runSync()
		return nil
	}

	time.AfterFunc(f.cfg.SyncDelay, func() {
		f.mu.Lock()
		defer f.mu.Unlock()

		if f.attached {
			f.runSync()
		}
	})

	return nil
}

// runSync executes the command in the mailboxes and raises the outbound
// doorbell. f.mu must be held.
func (f *Firmware) runSync() {
	var (
		mb     = &f.regs.mailbox
		cmd    = comm.SyncCmd(mb[0])
		status = uint32(syncStatusOK)
		ret    uint32
	)

	switch cmd {
	case comm.SyncInitStructBaseAddress:
		if int(mb[1]) != f.layout.Size() {
			status = syncStatusBadSize
			break
		}

		f.ready = true

	case comm.SyncGetAdapterProperties:
		if f.cfg.FastResponse {
			ret |= propFastResponse
		}

	case comm.SyncBreakpointRequest, comm.SyncHostCrashing:

	case comm.SyncIOPReset:
		f.ready = false

	default:
		status = syncStatusInvalid
	}

	mb[0] = status
	mb[1] = ret
	f.regs.inbound &^= comm.DoorbellSyncCmd
	f.regs.outbound |= comm.DoorbellSyncCmd
}

// adapter property bits

const propFastResponse = 1 << 0

// Ready reports whether the host has initialized the comm area.
func (f *Firmware) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}
