package fib

import "fmt"

// Status is the completion status an adapter writes to a reply.
type Status uint32

const (
	StOK           Status = 0
	StPerm         Status = 1
	StNoEnt        Status = 2
	StIO           Status = 5
	StNXIO         Status = 6
	StTooBig       Status = 7
	StAccess       Status = 13
	StExist        Status = 17
	StNoDev        Status = 19
	StInval        Status = 22
	StNoSpc        Status = 28
	StROFS         Status = 30
	StWouldBlock   Status = 35
	StStale        Status = 70
	StBadHandle    Status = 10001
	StNotSync      Status = 10002
	StNotSupp      Status = 10004
	StTooSmall     Status = 10005
	StServerFault  Status = 10006
	StBadType      Status = 10007
	StNotMounted   Status = 10009
	StMaintMode    Status = 10010
	StStaleACL     Status = 10011
	StBusTimeout   Status = 20001 // synthesized by the host when a send times out
	StAdapterReset Status = 20002 // synthesized by the host on shutdown
)

var statusNames = map[Status]string{
	StOK:           "OK",
	StPerm:         "PERM",
	StNoEnt:        "NOENT",
	StIO:           "IO",
	StNXIO:         "NXIO",
	StTooBig:       "E2BIG",
	StAccess:       "ACCES",
	StExist:        "EXIST",
	StNoDev:        "NODEV",
	StInval:        "INVAL",
	StNoSpc:        "NOSPC",
	StROFS:         "ROFS",
	StWouldBlock:   "WOULDBLOCK",
	StStale:        "STALE",
	StBadHandle:    "BADHANDLE",
	StNotSync:      "NOT_SYNC",
	StNotSupp:      "NOTSUPP",
	StTooSmall:     "TOOSMALL",
	StServerFault:  "SERVERFAULT",
	StBadType:      "BADTYPE",
	StNotMounted:   "NOTMOUNTED",
	StMaintMode:    "MAINTMODE",
	StStaleACL:     "STALEACL",
	StBusTimeout:   "BUS_TIMEOUT",
	StAdapterReset: "ADAPTER_RESET",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return "ST_" + n
	}

	return fmt.Sprintf("Status(%d)", uint32(s))
}
