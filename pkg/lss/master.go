package lss

import (
	"errors"
	"log/slog"
	"sync"

	canopen "github.com/samsamfire/gocanopen"
)

// Master drives the LSS master session described by CiA DSP-305: a single
// in-flight request at a time, polled on every tick with the elapsed
// microseconds since the previous call. No entry point blocks; replies are
// picked up from a one-frame mailbox filled by [Master.Handle], which runs
// on the CAN receive path.
type Master struct {
	*canopen.BusManager
	logger *slog.Logger

	mu           sync.Mutex
	sessionState SessionState
	pending      pendingCommand
	timeout      timeoutAccumulator

	rxFull  bool
	rxFrame [8]byte

	wakeSignal    func()
	droppedFrames uint32

	masterCanId uint32
	slaveCanId  uint32

	pendingInquireCs LSSCommand
	addrInquiry      addrInquiryState
	fastscan         fastscanState
}

type addrInquiryState struct {
	active bool
	step   uint8
	values [4]uint32
}

// NewMaster creates a master session bound to bm, registers the receive
// handler on slaveCanId and arms the timeout accumulator at timeoutMs. A
// slaveCanId/masterCanId of zero falls back to the CiA defaults (0x7E4 and
// 0x7E5 respectively).
func NewMaster(bm *canopen.BusManager, logger *slog.Logger, timeoutMs uint32, slaveCanId, masterCanId uint32) (*Master, error) {
	if bm == nil {
		return nil, errors.New("lss: nil bus manager")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if slaveCanId == 0 {
		slaveCanId = ServiceSlaveId
	}
	if masterCanId == 0 {
		masterCanId = ServiceMasterId
	}
	m := &Master{
		BusManager:   bm,
		logger:       logger.With("service", "[LSSMaster]"),
		sessionState: SessionWaiting,
		pending:      pendingNone,
		timeout:      newTimeoutAccumulator(timeoutMs * 1000),
		masterCanId:  masterCanId,
		slaveCanId:   slaveCanId,
	}
	_, err := bm.Subscribe(slaveCanId, 0x7FF, false, m)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Handle implements [canopen.FrameListener]. It runs on the CAN receive path
// and must not block. A frame is accepted into the mailbox only while a
// confirmed service or Fastscan phase is awaiting a reply and the mailbox
// is not already full; otherwise it is dropped silently, which is the
// expected outcome for a late reply to a service the master has already
// abandoned.
func (m *Master) Handle(frame canopen.Frame) {
	if frame.DLC != 8 {
		return
	}

	m.mu.Lock()
	accept := m.pending != pendingNone && !m.rxFull
	if accept {
		m.rxFrame = frame.Data
		m.rxFull = true
	} else {
		m.droppedFrames++
	}
	wake := m.wakeSignal
	m.mu.Unlock()

	if accept && wake != nil {
		wake()
	}
}

// SetWakeSignal installs a callback fired from the receive path whenever a
// frame is accepted into the mailbox. Pass nil to remove it.
func (m *Master) SetWakeSignal(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wakeSignal = fn
}

// ChangeTimeout updates the confirmed-service timeout window. It does not
// rearm a transaction already in flight.
func (m *Master) ChangeTimeout(timeoutMs uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeout.setWindow(timeoutMs * 1000)
}

// DroppedFrames reports how many received frames were discarded because no
// service was awaiting a reply, or the mailbox was already full.
func (m *Master) DroppedFrames() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.droppedFrames
}

// SessionState reports the current top-level LSS mode.
func (m *Master) SessionState() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionState
}

func (m *Master) takeMailboxLocked() ([8]byte, bool) {
	if !m.rxFull {
		return [8]byte{}, false
	}
	frame := m.rxFrame
	m.rxFull = false
	return frame, true
}

func (m *Master) sendLocked(data [8]byte) error {
	frame := canopen.NewFrame(m.masterCanId, 0, 8)
	frame.Data = data
	return m.BusManager.Send(frame)
}

// terminalStatus applies the "error worse than Ok*" session reset rule: a
// confirmed service that times out reverts the session to Waiting, on the
// assumption that a slave which stopped answering may no longer consider
// itself selected.
func (m *Master) terminalStatus(status Status) Status {
	if status == StatusTimeout {
		m.sessionState = SessionWaiting
	}
	return status
}

// pollConfirmedLocked drives one poll of a confirmed service keyed on cmd.
// send is invoked exactly once, on the transition from idle to in-flight.
// got is true only when a frame carrying the expected command specifier was
// extracted; the caller then decodes its payload and clears any
// service-specific state of its own.
func (m *Master) pollConfirmedLocked(deltaUs uint32, cmd pendingCommand, expectedCs LSSCommand, send func()) (status Status, reply [8]byte, got bool) {
	if m.pending == pendingNone {
		m.pending = cmd
		m.timeout.reset()
		send()
		return StatusAwaitingSlave, [8]byte{}, false
	}
	if m.pending != cmd {
		return StatusInvalidState, [8]byte{}, false
	}

	frame, ok := m.takeMailboxLocked()
	if !ok {
		status = m.timeout.tick(deltaUs)
		if status == StatusTimeout {
			m.pending = pendingNone
		}
		return status, [8]byte{}, false
	}
	if LSSCommand(frame[0]) != expectedCs {
		// A mailbox hit is only possibly a reply to pending; a mismatched
		// cs is discarded and the wait continues.
		status = m.timeout.tick(deltaUs)
		if status == StatusTimeout {
			m.pending = pendingNone
		}
		return status, [8]byte{}, false
	}

	m.pending = pendingNone
	return StatusOk, frame, true
}

// SwitchStateGlobal is non-confirmed and completes synchronously: it emits
// the broadcast frame and updates sessionState without touching pending.
func (m *Master) SwitchStateGlobal(mode LSSMode) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending != pendingNone {
		return StatusInvalidState
	}
	m.sendLocked(encodeSwitchGlobal(mode))
	switch mode {
	case ModeConfiguration:
		m.sessionState = SessionGlobalConfig
	default:
		m.sessionState = SessionWaiting
	}
	return StatusOk
}

// Deselect is the unconditional escape hatch: it always sends the global
// "switch to Waiting" frame, force-clears pending and resets sessionState,
// regardless of what was in flight. Two consecutive calls both succeed.
func (m *Master) Deselect() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sendLocked(encodeSwitchGlobal(ModeWaiting))
	m.pending = pendingNone
	m.sessionState = SessionWaiting
	return StatusOk
}

// SwitchStateSelective emits the four selective-switch address components
// on the first call and awaits the single 0x44 confirm, transitioning
// Waiting -> SelectedOne on success.
func (m *Master) SwitchStateSelective(deltaUs uint32, addr LSSAddress) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending == pendingNone && m.sessionState != SessionWaiting {
		return StatusInvalidState
	}

	status, _, got := m.pollConfirmedLocked(deltaUs, pendingSwitchState, CmdSwitchStateSelectiveResult, func() {
		m.sendLocked(encodeSwitchSelective(CmdSwitchStateSelectiveVendor, addr.VendorId))
		m.sendLocked(encodeSwitchSelective(CmdSwitchStateSelectiveProduct, addr.ProductCode))
		m.sendLocked(encodeSwitchSelective(CmdSwitchStateSelectiveRevision, addr.RevisionNumber))
		m.sendLocked(encodeSwitchSelective(CmdSwitchStateSelectiveSerialNb, addr.SerialNumber))
	})
	if !got {
		return m.terminalStatus(status)
	}
	m.sessionState = SessionSelectedOne
	return StatusOk
}

// ConfigureNodeId assigns a new node-id to the currently selected slave. A
// value of 255 (unconfigured/reset) is only legal while sessionState is
// GlobalConfig; 1..127 requires SelectedOne.
func (m *Master) ConfigureNodeId(deltaUs uint32, nodeId uint8) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending == pendingNone {
		switch {
		case nodeId == NodeIdUnconfigured:
			if m.sessionState != SessionGlobalConfig {
				return StatusInvalidState
			}
		case nodeId >= NodeIdMin && nodeId <= NodeIdMax:
			if m.sessionState != SessionSelectedOne {
				return StatusInvalidState
			}
		default:
			return StatusIllegalArgument
		}
	}

	status, reply, got := m.pollConfirmedLocked(deltaUs, pendingCfgNodeId, CmdConfigureNodeId, func() {
		m.sendLocked(encodeConfigureNodeId(nodeId))
	})
	if !got {
		return m.terminalStatus(status)
	}
	errorCode, _ := decodeConfirm(reply)
	return confirmStatus(errorCode)
}

// ConfigureBitTiming sets the selected slave's bit rate, given in kbit/s.
// Requires sessionState == SelectedOne.
func (m *Master) ConfigureBitTiming(deltaUs uint32, bitrateKbps uint32) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	tableIdx, known := bitTimingTable[bitrateKbps]
	if m.pending == pendingNone {
		if !known {
			return StatusIllegalArgument
		}
		if m.sessionState != SessionSelectedOne {
			return StatusInvalidState
		}
	}

	status, reply, got := m.pollConfirmedLocked(deltaUs, pendingCfgBitTiming, CmdConfigureBitTiming, func() {
		m.sendLocked(encodeConfigureBitTiming(tableIdx))
	})
	if !got {
		return m.terminalStatus(status)
	}
	errorCode, _ := decodeConfirm(reply)
	return confirmStatus(errorCode)
}

// ActivateBitTiming is non-confirmed and synchronous; it requires
// sessionState == GlobalConfig, enforcing that a new bit rate may only be
// activated network-wide, never on a single selected slave.
func (m *Master) ActivateBitTiming(switchDelayMs uint16) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending != pendingNone {
		return StatusInvalidState
	}
	if m.sessionState != SessionGlobalConfig {
		return StatusInvalidState
	}
	m.sendLocked(encodeActivateBitTiming(switchDelayMs))
	return StatusOk
}

// ConfigureStore commits the selected slave's pending node-id and bit-timing
// to non-volatile storage. Requires sessionState == SelectedOne.
func (m *Master) ConfigureStore(deltaUs uint32) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending == pendingNone && m.sessionState != SessionSelectedOne {
		return StatusInvalidState
	}

	status, reply, got := m.pollConfirmedLocked(deltaUs, pendingCfgStore, CmdConfigureStoreParameters, func() {
		m.sendLocked(encodeStore())
	})
	if !got {
		return m.terminalStatus(status)
	}
	errorCode, _ := decodeConfirm(reply)
	return confirmStatus(errorCode)
}

func isInquireCs(cs LSSCommand) bool {
	switch cs {
	case CmdInquireVendor, CmdInquireProduct, CmdInquireRevision, CmdInquireSerial:
		return true
	default:
		return false
	}
}

// Inquire reads one 32-bit identity field from the selected slave. Requires
// sessionState == SelectedOne.
func (m *Master) Inquire(deltaUs uint32, cs LSSCommand) (Status, uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !isInquireCs(cs) {
		return StatusIllegalArgument, 0
	}
	if m.pending == pendingInquire && m.pendingInquireCs != cs {
		return StatusInvalidState, 0
	}
	if m.pending == pendingNone {
		if m.sessionState != SessionSelectedOne {
			return StatusInvalidState, 0
		}
		m.pendingInquireCs = cs
	}

	status, reply, got := m.pollConfirmedLocked(deltaUs, pendingInquire, cs, func() {
		m.sendLocked(encodeInquire(cs))
	})
	if !got {
		return m.terminalStatus(status), 0
	}
	return StatusOk, decodeValue(reply)
}

var addressInquiryOrder = [4]LSSCommand{
	CmdInquireVendor,
	CmdInquireProduct,
	CmdInquireRevision,
	CmdInquireSerial,
}

// InquireLSSAddress composes the four identity inquiries in order, advancing
// to the next one on each success. The caller keeps polling this single
// entry point until it returns Ok with a populated address.
func (m *Master) InquireLSSAddress(deltaUs uint32) (Status, LSSAddress) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.addrInquiry.active {
		if m.pending != pendingNone {
			return StatusInvalidState, LSSAddress{}
		}
		if m.sessionState != SessionSelectedOne {
			return StatusInvalidState, LSSAddress{}
		}
		m.addrInquiry = addrInquiryState{active: true}
	}

	cs := addressInquiryOrder[m.addrInquiry.step]
	if m.pending == pendingNone {
		m.pendingInquireCs = cs
	}

	status, reply, got := m.pollConfirmedLocked(deltaUs, pendingInquire, cs, func() {
		m.sendLocked(encodeInquire(cs))
	})
	if !got {
		if status != StatusAwaitingSlave {
			m.addrInquiry.active = false
		}
		return m.terminalStatus(status), LSSAddress{}
	}

	m.addrInquiry.values[m.addrInquiry.step] = decodeValue(reply)
	m.addrInquiry.step++
	if m.addrInquiry.step < 4 {
		return StatusAwaitingSlave, LSSAddress{}
	}

	m.addrInquiry.active = false
	addr := LSSAddress{}
	addr.VendorId = m.addrInquiry.values[0]
	addr.ProductCode = m.addrInquiry.values[1]
	addr.RevisionNumber = m.addrInquiry.values[2]
	addr.SerialNumber = m.addrInquiry.values[3]
	return StatusOk, addr
}
