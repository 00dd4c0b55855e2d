package lss

import "encoding/binary"

// Frame codec. LSS frames are always 8 bytes; byte 0 is the command
// specifier, multi-byte fields are big-endian on the wire regardless of
// host byte order.

func encodeSwitchGlobal(mode LSSMode) [8]byte {
	var data [8]byte
	data[0] = byte(CmdSwitchStateGlobal)
	data[1] = byte(mode)
	return data
}

func encodeSwitchSelective(cs LSSCommand, value uint32) [8]byte {
	var data [8]byte
	data[0] = byte(cs)
	binary.BigEndian.PutUint32(data[1:5], value)
	return data
}

func encodeConfigureNodeId(nodeId uint8) [8]byte {
	var data [8]byte
	data[0] = byte(CmdConfigureNodeId)
	data[1] = nodeId
	return data
}

func encodeConfigureBitTiming(tableIdx uint8) [8]byte {
	var data [8]byte
	data[0] = byte(CmdConfigureBitTiming)
	data[1] = 0
	data[2] = tableIdx
	return data
}

func encodeActivateBitTiming(switchDelayMs uint16) [8]byte {
	var data [8]byte
	data[0] = byte(CmdConfigureActivateBitTiming)
	binary.BigEndian.PutUint16(data[1:3], switchDelayMs)
	return data
}

func encodeStore() [8]byte {
	var data [8]byte
	data[0] = byte(CmdConfigureStoreParameters)
	return data
}

func encodeInquire(cs LSSCommand) [8]byte {
	var data [8]byte
	data[0] = byte(cs)
	return data
}

func encodeFastscan(idNumber uint32, bitCheck, lssSub, lssNext uint8) [8]byte {
	var data [8]byte
	data[0] = byte(CmdFastscan)
	binary.BigEndian.PutUint32(data[1:5], idNumber)
	data[5] = bitCheck
	data[6] = lssSub
	data[7] = lssNext
	return data
}

// decodeConfirm splits a configure-service confirm frame into its error
// code and manufacturer code (bytes 1 and 2).
func decodeConfirm(data [8]byte) (errorCode, manufacturerCode uint8) {
	return data[1], data[2]
}

func decodeValue(data [8]byte) uint32 {
	return binary.BigEndian.Uint32(data[1:5])
}

// confirmStatus maps a configure-service error code to the corresponding
// reply status.
func confirmStatus(errorCode uint8) Status {
	switch errorCode {
	case 0:
		return StatusOk
	case 0xFF:
		return StatusOkManufacturer
	default:
		return StatusOkIllegalArg
	}
}
