package packet

import (
	"encoding/binary"
	"fmt"
)

// MBAPHeaderLen is the fixed size of a Modbus Application Protocol header:
// transaction id (2), protocol id (2, always 0), length (2).
const MBAPHeaderLen = 6

// EncodeMBAP prepends the 6-byte MBAP header to body and returns the full
// TCP ADU.
func EncodeMBAP(transactionID uint16, body []byte) []byte {
	adu := make([]byte, MBAPHeaderLen+len(body))
	binary.BigEndian.PutUint16(adu[0:2], transactionID)
	binary.BigEndian.PutUint16(adu[2:4], 0) // protocol id
	binary.BigEndian.PutUint16(adu[4:6], uint16(len(body)))
	copy(adu[6:], body)
	return adu
}

// ParseMBAP splits a TCP ADU into its transaction id and PDU body. It
// requires that the full declared length is already present in adu.
func ParseMBAP(adu []byte) (transactionID uint16, body []byte, err error) {
	if len(adu) < MBAPHeaderLen {
		return 0, nil, fmt.Errorf("modbus: MBAP header too short: %d bytes", len(adu))
	}
	protocolID := binary.BigEndian.Uint16(adu[2:4])
	if protocolID != 0 {
		return 0, nil, fmt.Errorf("modbus: unexpected MBAP protocol id %d", protocolID)
	}
	length := binary.BigEndian.Uint16(adu[4:6])
	if len(adu) < MBAPHeaderLen+int(length) {
		return 0, nil, fmt.Errorf("modbus: MBAP declares %d body bytes, have %d", length, len(adu)-MBAPHeaderLen)
	}
	transactionID = binary.BigEndian.Uint16(adu[0:2])
	body = adu[MBAPHeaderLen : MBAPHeaderLen+int(length)]
	return transactionID, body, nil
}

// DeclaredBodyLength reads the MBAP length field out of a 6-byte header
// without requiring the body to be present yet; used by the TCP listener's
// frame pump to size its next ByteRing dequeue.
func DeclaredBodyLength(header []byte) (uint16, error) {
	if len(header) < MBAPHeaderLen {
		return 0, fmt.Errorf("modbus: MBAP header too short: %d bytes", len(header))
	}
	return binary.BigEndian.Uint16(header[4:6]), nil
}
