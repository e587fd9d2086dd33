package packet

import (
	"encoding/binary"
	"fmt"
)

// AsException decodes body as a Modbus exception response
// ([deviceId, fc|0x80, errorByte]) if it looks like one, else returns nil.
func AsException(body []byte) *ExceptionError {
	if len(body) != 3 {
		return nil
	}
	if body[1]&errorBit == 0 {
		return nil
	}
	return &ExceptionError{
		DeviceID:     body[0],
		FunctionCode: body[1] &^ errorBit,
		Code:         ExceptionCode(body[2]),
	}
}

// ReadResult is the decoded form of a read response body.
type ReadResult struct {
	DeviceID uint8
	Data     []byte // raw payload bytes (bit-packed for Coil/DiscreteInput)
}

// DecodeReadResponse decodes [deviceId, functionCode, byteCount, data...].
func DecodeReadResponse(body []byte) (*ReadResult, error) {
	if exc := AsException(body); exc != nil {
		return nil, exc
	}
	if len(body) < 3 {
		return nil, NewInternalError(IncompleteResponse)
	}
	byteCount := int(body[2])
	if len(body) < 3+byteCount {
		return nil, NewInternalError(IncompleteResponse)
	}
	return &ReadResult{DeviceID: body[0], Data: body[3 : 3+byteCount]}, nil
}

// DecodeWriteSingleResponse decodes [deviceId, fc, addrHi, addrLo, valueHi, valueLo]
// and verifies it echoes the request; coil/register distinguish WriteMismatch
// kind only in that the caller compares the right encoded value.
func DecodeWriteSingleResponse(body []byte, wantAddress uint16, wantValue uint16) error {
	if exc := AsException(body); exc != nil {
		return exc
	}
	if len(body) < 6 {
		return NewInternalError(IncompleteResponse)
	}
	gotAddress := binary.BigEndian.Uint16(body[2:4])
	if gotAddress != wantAddress {
		return NewInternalError(AddressMismatch)
	}
	gotValue := binary.BigEndian.Uint16(body[4:6])
	if gotValue != wantValue {
		return NewInternalError(WriteMismatch)
	}
	return nil
}

// WriteMultipleResult is the decoded form of a multi-write response.
type WriteMultipleResult struct {
	DeviceID      uint8
	StartAddress  uint16
	ConfirmedCount uint16
}

// DecodeWriteMultipleResponse decodes [deviceId, fc, startHi, startLo, countHi, countLo].
// A confirmed count of 0 is a WriteMismatch; a partial count (< requested) is
// returned as-is so the caller can retry the remainder.
func DecodeWriteMultipleResponse(body []byte, wantAddress uint16) (*WriteMultipleResult, error) {
	if exc := AsException(body); exc != nil {
		return nil, exc
	}
	if len(body) < 6 {
		return nil, NewInternalError(IncompleteResponse)
	}
	gotAddress := binary.BigEndian.Uint16(body[2:4])
	if gotAddress != wantAddress {
		return nil, NewInternalError(AddressMismatch)
	}
	count := binary.BigEndian.Uint16(body[4:6])
	if count == 0 {
		return nil, NewInternalError(WriteMismatch)
	}
	return &WriteMultipleResult{
		DeviceID:       body[0],
		StartAddress:   gotAddress,
		ConfirmedCount: count,
	}, nil
}

// DeviceIDObject is one TLV entry from a Read Device Identification response.
type DeviceIDObject struct {
	ID    uint8
	Value []byte
}

// DeviceIdentificationResult is the decoded form of a Read Device
// Identification response body.
type DeviceIdentificationResult struct {
	DeviceID        uint8
	Category        uint8
	ConformityLevel uint8
	MoreFollows     bool
	NextObjectID    uint8
	Objects         []DeviceIDObject
}

// DecodeDeviceIdentificationResponse decodes
// [deviceId, 43, 14, category, conformityLevel, moreFollows, nextObjectId, objectCount, {id,len,bytes}...].
//
// It is deliberately tolerant of two real-world violations: it ignores the
// stated objectCount and instead consumes TLV entries until the body ends,
// and if byte offset 2 (where the MEI type is echoed) is a value outside the
// 1..8 exception-code range while offset 3 looks like one, it treats offset 3
// as the authoritative exception code (some gateways shift the error response
// by one byte relative to the success layout).
func DecodeDeviceIdentificationResponse(body []byte) (*DeviceIdentificationResult, error) {
	if len(body) >= 4 && body[1]&errorBit != 0 {
		code := body[2]
		if (code < 1 || code > 8) && body[3] >= 1 && body[3] <= 8 {
			code = body[3]
		}
		return nil, &ExceptionError{DeviceID: body[0], FunctionCode: body[1] &^ errorBit, Code: ExceptionCode(code)}
	}
	if len(body) < 8 {
		return nil, NewInternalError(IncompleteResponse)
	}
	if body[1] != FuncReadDeviceIdentifier || body[2] != MEIReadDeviceIdentification {
		// some gateways put a non-1..8 value in the MEI type slot at
		// offset 2 and the real exception code at offset 3
		if body[2] > 8 && body[3] >= 1 && body[3] <= 8 {
			return nil, &ExceptionError{DeviceID: body[0], FunctionCode: FuncReadDeviceIdentifier, Code: ExceptionCode(body[3])}
		}
		return nil, fmt.Errorf("modbus: not a read device identification response")
	}

	result := &DeviceIdentificationResult{
		DeviceID:        body[0],
		Category:        body[3],
		ConformityLevel: body[4],
		MoreFollows:     body[5] != 0,
		NextObjectID:    body[6],
	}

	offset := 8
	for offset+1 < len(body) {
		id := body[offset]
		length := int(body[offset+1])
		start := offset + 2
		end := start + length
		if end > len(body) {
			break
		}
		value := make([]byte, length)
		copy(value, body[start:end])
		result.Objects = append(result.Objects, DeviceIDObject{ID: id, Value: value})
		offset = end
	}
	return result, nil
}
