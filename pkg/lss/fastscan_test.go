package lss

import (
	"testing"

	"github.com/samsamfire/gocanopen/pkg/can"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decodeFastscanFrame splits a Fastscan request into its four fields, per
// the codec's CmdFastscan layout.
func decodeFastscanFrame(data [8]byte) (idNumber uint32, bitCheck, lssSub, lssNext uint8) {
	idNumber = uint32(data[1])<<24 | uint32(data[2])<<16 | uint32(data[3])<<8 | uint32(data[4])
	return idNumber, data[5], data[6], data[7]
}

// shouldAck replays the slave-side Fastscan oracle against target: Check
// always acks, a Scan bit acks iff target's high bits down to the tested
// bit already match the partial accumulator, and Verify acks iff the full
// accumulator matches the target exactly.
func shouldAck(frame can.Frame, target [4]uint32) bool {
	idNumber, bitCheck, lssSub, lssNext := decodeFastscanFrame(frame.Data)
	if bitCheck == 0x80 {
		return true
	}
	if lssSub == lssNext {
		mask := ^uint32(0) << bitCheck
		return target[lssSub]&mask == idNumber&mask
	}
	return idNumber == target[lssSub]
}

// runFastscan drives master.IdentifyFastscan to completion, feeding it
// 2ms ticks against a 1ms timeout window so that any poll with no reply
// queued immediately resolves as a timeout (the datum for "tested bit is
// one"), and injecting an ack before the next poll whenever the frame the
// previous poll just sent warrants one.
func runFastscan(t *testing.T, master *Master, bus *fakeBus, args FastscanArgs, target [4]uint32) (Status, LSSAddress) {
	t.Helper()
	var status Status
	var addr LSSAddress
	for i := 0; i < 1000; i++ {
		if i > 0 && shouldAck(bus.last(), target) {
			master.Handle(ackFrame(CmdFastscanAck))
		}
		status, addr = master.IdentifyFastscan(2000, args)
		if status != StatusAwaitingSlave {
			return status, addr
		}
	}
	t.Fatal("fastscan did not terminate within the iteration bound")
	return 0, LSSAddress{}
}

var scanAllArgs = FastscanArgs{
	Directives: [4]FastscanDirective{FastscanScan, FastscanScan, FastscanScan, FastscanScan},
}

// Scenario S2: a single unconfigured slave identified by (1,2,3,4) with
// every sub-field scanned. Expects exactly one Check frame, 32 Scan frames
// per sub-field and one Verify frame per sub-field (133 total), ending in
// ScanFinished with the found address equal to target and sessionState
// advanced to SelectedOne.
func TestFastscanFullScan(t *testing.T) {
	master, bus := newTestMaster(t, 1)
	target := [4]uint32{1, 2, 3, 4}

	status, addr := runFastscan(t, master, bus, scanAllArgs, target)

	require.Equal(t, StatusScanFinished, status)
	assert.Equal(t, target[subFieldVendor], addr.VendorId)
	assert.Equal(t, target[subFieldProduct], addr.ProductCode)
	assert.Equal(t, target[subFieldRevision], addr.RevisionNumber)
	assert.Equal(t, target[subFieldSerial], addr.SerialNumber)
	assert.Equal(t, SessionSelectedOne, master.SessionState())
	assert.Equal(t, 1+4*(32+1), bus.count())
}

// Scenario S3: no slave responds to the Check frame.
func TestFastscanNoAck(t *testing.T) {
	master, bus := newTestMaster(t, 1)

	status, _ := master.IdentifyFastscan(0, scanAllArgs)
	require.Equal(t, StatusAwaitingSlave, status)
	assert.Equal(t, 1, bus.count())

	status, _ = master.IdentifyFastscan(2000, scanAllArgs)
	assert.Equal(t, StatusScanNoAck, status)
	assert.Equal(t, SessionWaiting, master.SessionState())
}

// Testable property 4, generalized over a directive vector with Match and
// Skip: vendor is matched directly (skipping the binary search) and
// revision is skipped entirely, at most two Skips and vendor never Skip
// per validateFastscanArgs.
func TestFastscanMatchAndSkip(t *testing.T) {
	master, bus := newTestMaster(t, 1)
	target := [4]uint32{7, 9, 0, 42}

	args := FastscanArgs{
		Directives:  [4]FastscanDirective{FastscanMatch, FastscanScan, FastscanSkip, FastscanScan},
		MatchValues: [4]uint32{7, 0, 0, 0},
	}

	status, addr := runFastscan(t, master, bus, args, target)

	require.Equal(t, StatusScanFinished, status)
	assert.Equal(t, target[subFieldVendor], addr.VendorId)
	assert.Equal(t, target[subFieldProduct], addr.ProductCode)
	assert.Equal(t, target[subFieldSerial], addr.SerialNumber)
}

func TestValidateFastscanArgsRejectsVendorSkip(t *testing.T) {
	args := FastscanArgs{Directives: [4]FastscanDirective{FastscanSkip, FastscanScan, FastscanScan, FastscanScan}}
	assert.False(t, validateFastscanArgs(args))
}

func TestValidateFastscanArgsRejectsTooManySkips(t *testing.T) {
	args := FastscanArgs{Directives: [4]FastscanDirective{FastscanScan, FastscanSkip, FastscanSkip, FastscanSkip}}
	assert.False(t, validateFastscanArgs(args))
}

func TestIdentifyFastscanRequiresWaiting(t *testing.T) {
	master, _ := newTestMaster(t, 100)
	master.SwitchStateGlobal(ModeConfiguration)

	status, _ := master.IdentifyFastscan(0, scanAllArgs)
	assert.Equal(t, StatusInvalidState, status)
}
