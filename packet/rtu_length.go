package packet

// RTUResponseLength infers the number of PDU bytes (device id through the
// last payload byte, CRC not included) that a complete RTU response will
// occupy, given the bytes received so far. It returns known=false when not
// enough bytes have arrived yet to decide - the caller should read more
// and ask again. Modbus RTU carries no length prefix, so this walk is the
// only way to find a frame boundary on the wire.
func RTUResponseLength(buf []byte) (length int, known bool) {
	if len(buf) < 2 {
		return 0, false
	}
	function := buf[1]
	if function&errorBit != 0 {
		return 3, true
	}
	switch function {
	case FuncReadCoils, FuncReadDiscreteInputs, FuncReadHoldingRegisters, FuncReadInputRegisters:
		if len(buf) < 3 {
			return 0, false
		}
		// device id + function code + byte count + data
		return 3 + int(buf[2]), true
	case FuncWriteSingleCoil, FuncWriteSingleRegister, FuncWriteMultipleCoils, FuncWriteMultipleRegisters:
		return 6, true
	case FuncReadDeviceIdentifier:
		if len(buf) < 8 {
			return 0, false
		}
		count := int(buf[7])
		offset := 8
		for i := 0; i < count; i++ {
			if len(buf) < offset+2 {
				return 0, false
			}
			entryLen := int(buf[offset+1])
			offset += 2 + entryLen
			if len(buf) < offset {
				return 0, false
			}
		}
		return offset, true
	default:
		return 0, false
	}
}
