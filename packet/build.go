package packet

import (
	"encoding/binary"
	"fmt"
)

// on/off wire values for a single coil write.
const (
	coilOn  = uint16(0xFF00)
	coilOff = uint16(0x0000)
)

// SingleCoilValue returns the wire encoding of a single-coil write value
// (0xFF00 for on, 0x0000 for off). Exposed so callers can verify the value
// echoed by a single-write response.
func SingleCoilValue(on bool) uint16 {
	if on {
		return coilOn
	}
	return coilOff
}

// BuildReadRequest builds a read request body:
// [deviceId, functionCode, startHi, startLo, countHi, countLo].
func BuildReadRequest(kind ObjectKind, deviceID uint8, start, count uint16) ([]byte, error) {
	fc := kind.ReadFunctionCode()
	if fc == 0 {
		return nil, fmt.Errorf("modbus: %s is not readable", kind)
	}
	if count == 0 {
		return nil, fmt.Errorf("modbus: read count must be > 0")
	}
	body := make([]byte, 6)
	body[0] = deviceID
	body[1] = fc
	binary.BigEndian.PutUint16(body[2:4], start)
	binary.BigEndian.PutUint16(body[4:6], count)
	return body, nil
}

// BuildWriteSingleCoil builds [deviceId, 5, addrHi, addrLo, valueHi, valueLo].
func BuildWriteSingleCoil(deviceID uint8, address uint16, value bool) []byte {
	body := make([]byte, 6)
	body[0] = deviceID
	body[1] = FuncWriteSingleCoil
	binary.BigEndian.PutUint16(body[2:4], address)
	v := coilOff
	if value {
		v = coilOn
	}
	binary.BigEndian.PutUint16(body[4:6], v)
	return body
}

// BuildWriteSingleRegister builds [deviceId, 6, addrHi, addrLo, valueHi, valueLo].
func BuildWriteSingleRegister(deviceID uint8, address uint16, value uint16) []byte {
	body := make([]byte, 6)
	body[0] = deviceID
	body[1] = FuncWriteSingleRegister
	binary.BigEndian.PutUint16(body[2:4], address)
	binary.BigEndian.PutUint16(body[4:6], value)
	return body
}

// BuildWriteMultipleCoils builds a multi-coil write request body:
// [deviceId, 15, startHi, startLo, countHi, countLo, byteLen, data...],
// with bits packed LSB = lowest address.
func BuildWriteMultipleCoils(deviceID uint8, start uint16, bits []bool) ([]byte, error) {
	count := len(bits)
	if count == 0 || count > int(MaxBitsPerRequest) {
		return nil, fmt.Errorf("modbus: coil count %d out of range", count)
	}
	byteLen := (count + 7) / 8
	body := make([]byte, 7+byteLen)
	body[0] = deviceID
	body[1] = FuncWriteMultipleCoils
	binary.BigEndian.PutUint16(body[2:4], start)
	binary.BigEndian.PutUint16(body[4:6], uint16(count))
	body[6] = uint8(byteLen)
	PackBits(body[7:], bits)
	return body, nil
}

// BuildWriteMultipleRegisters builds a multi-register write request body:
// [deviceId, 16, startHi, startLo, countHi, countLo, byteLen, data...].
// values must already be big-endian encoded register words.
func BuildWriteMultipleRegisters(deviceID uint8, start uint16, values []byte) ([]byte, error) {
	if len(values) == 0 || len(values)%2 != 0 {
		return nil, fmt.Errorf("modbus: register data must be a non-empty even number of bytes")
	}
	count := len(values) / 2
	if count > int(MaxRegistersPerRequest) {
		return nil, fmt.Errorf("modbus: register count %d exceeds protocol limit", count)
	}
	body := make([]byte, 7+len(values))
	body[0] = deviceID
	body[1] = FuncWriteMultipleRegisters
	binary.BigEndian.PutUint16(body[2:4], start)
	binary.BigEndian.PutUint16(body[4:6], uint16(count))
	body[6] = uint8(len(values))
	copy(body[7:], values)
	return body, nil
}

// BuildReadDeviceIdentificationRequest builds
// [deviceId, 43, 14, category, firstObjectId].
func BuildReadDeviceIdentificationRequest(deviceID uint8, category uint8, firstObjectID uint8) []byte {
	return []byte{deviceID, FuncReadDeviceIdentifier, MEIReadDeviceIdentification, category, firstObjectID}
}

// PackBits packs a slice of bits into dst, LSB = lowest address. dst must
// have (len(bits)+7)/8 bytes available.
func PackBits(dst []byte, bits []bool) {
	for i, set := range bits {
		if set {
			dst[i/8] |= 1 << uint(i%8)
		}
	}
}

// UnpackBits reads count bits out of data, LSB = lowest address.
func UnpackBits(data []byte, count int) []bool {
	bits := make([]bool, count)
	for i := 0; i < count; i++ {
		byteIdx := i / 8
		if byteIdx >= len(data) {
			break
		}
		mask := byte(1 << uint(i%8))
		bits[i] = data[byteIdx]&mask != 0
	}
	return bits
}
