// Package bus defines the guest's downward interface to the passthrough
// device: a small memory-mapped register file and two interrupt
// notifications. How register writes reach the hypervisor (PCI BAR, MMIO
// trap, in-process emulator) is the transport's business, not ours.
package bus

// Register is a byte offset into the device register file. All registers
// are 4 bytes wide.
type Register uint32

const (
	// RegPTFeat negotiates features: the guest writes the mask it wants,
	// the backend echoes the supported subset (read-only afterwards).
	RegPTFeat Register = 0
	// RegPTCtl triggers a synchronous control operation (see Ctl*).
	RegPTCtl Register = 4
	// RegPTSts holds the result of the last RegPTCtl operation (read-only).
	RegPTSts Register = 8
	// RegCtrl carries interrupt-vector lifecycle notices (see Ctrl*).
	RegCtrl Register = 12
	// RegMACLo and RegMACHi expose the backend-assigned MAC address
	// (read-only).
	RegMACLo Register = 16
	RegMACHi Register = 20
	// RegTxKick and RegRxKick are write-any-value doorbells notifying the
	// backend of new transmit work or replenished receive slots.
	RegTxKick Register = 24
	RegRxKick Register = 28
	// RegCSBBAH and RegCSBBAL publish the physical address of a
	// guest-allocated CSB, high word first.
	RegCSBBAH Register = 32
	RegCSBBAL Register = 36

	// RegEnd is one past the last register offset.
	RegEnd Register = 40
)

var registerNames = map[Register]string{
	RegPTFeat: "PTFEAT",
	RegPTCtl:  "PTCTL",
	RegPTSts:  "PTSTS",
	RegCtrl:   "CTRL",
	RegMACLo:  "MAC_LO",
	RegMACHi:  "MAC_HI",
	RegTxKick: "TXKICK",
	RegRxKick: "RXKICK",
	RegCSBBAH: "CSBBAH",
	RegCSBBAL: "CSBBAL",
}

// String returns the register's conventional name.
func (r Register) String() string {
	if n, ok := registerNames[r]; ok {
		return n
	}
	return "unknown"
}

// Control operation opcodes written to RegPTCtl.
const (
	// CtlConfig asks the backend to (re)publish ring geometry in the CSB.
	CtlConfig uint32 = 1
	// CtlRegif hands ring ownership to the requesting path and makes the
	// backend seed the CSB cursor blocks.
	CtlRegif uint32 = 10
	// CtlUnregif is the inverse of CtlRegif.
	CtlUnregif uint32 = 11
)

// Interrupt-vector lifecycle notices written to RegCtrl.
const (
	// CtrlIRQInit tells the backend the guest has its interrupt vectors
	// wired and may be notified.
	CtrlIRQInit uint32 = 1
	// CtrlIRQFini tells the backend notification delivery is being torn
	// down.
	CtrlIRQFini uint32 = 2
)

// StatusOK is the RegPTSts value reported after a successful control
// operation; anything else is a backend-specific failure code.
const StatusOK uint32 = 0

// RegisterFile is the transport for register accesses. Implementations must
// make WriteRegister to RegPTCtl behave synchronously: once it returns, the
// result is readable from RegPTSts.
type RegisterFile interface {
	WriteRegister(reg Register, val uint32)
	ReadRegister(reg Register) uint32
}

// IntrSink receives the two asynchronous completion notifications. The
// transport must be able to invoke both synchronously from its own
// execution context.
type IntrSink interface {
	// TxIntr signals that the backend completed transmit slots.
	TxIntr()
	// RxIntr signals that the backend produced receive slots.
	RxIntr()
}
