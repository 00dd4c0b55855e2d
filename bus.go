package canopen

import "github.com/samsamfire/gocanopen/pkg/can"

// Frame, FrameListener and Bus are shared verbatim with pkg/can so that every
// layer built on top of [BusManager] - SDO, PDO, LSS, the gateway - talks
// about the same wire type without a conversion step at the package boundary.
type Frame = can.Frame
type FrameListener = can.FrameListener
type Bus = can.Bus

func NewFrame(id uint32, flags uint8, dlc uint8) Frame {
	return can.NewFrame(id, flags, dlc)
}

// CAN bus error bits, re-exported from pkg/can for callers that only import
// the root package.
const (
	CanErrorTxWarning   = can.CanErrorTxWarning
	CanErrorTxPassive   = can.CanErrorTxPassive
	CanErrorTxBusOff    = can.CanErrorTxBusOff
	CanErrorTxOverflow  = can.CanErrorTxOverflow
	CanErrorPdoLate     = can.CanErrorPdoLate
	CanErrorRxWarning   = can.CanErrorRxWarning
	CanErrorRxPassive   = can.CanErrorRxPassive
	CanErrorRxOverflow  = can.CanErrorRxOverflow
	CanErrorWarnPassive = can.CanErrorWarnPassive
)
