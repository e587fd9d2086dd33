// Package packet builds and decodes Modbus PDU bodies shared by the TCP
// and RTU transports: request/response layouts, exception framing, and
// the Read Device Identification (MEI type 14) sub-protocol.
package packet

// Function codes used by this engine. Broadcast-only and server-side
// write support are out of scope (see module Non-goals).
const (
	FuncReadCoils              = uint8(1)
	FuncReadDiscreteInputs     = uint8(2)
	FuncReadHoldingRegisters   = uint8(3)
	FuncReadInputRegisters     = uint8(4)
	FuncWriteSingleCoil        = uint8(5)
	FuncWriteSingleRegister    = uint8(6)
	FuncWriteMultipleCoils     = uint8(15)
	FuncWriteMultipleRegisters = uint8(16)
	FuncReadDeviceIdentifier   = uint8(43)

	// MEIReadDeviceIdentification is the MODBUS Encapsulated Interface type
	// for Read Device Identification requests carried under FC43.
	MEIReadDeviceIdentification = uint8(14)

	errorBit = uint8(0x80)
)

// ObjectKind is the closed set of Modbus object types.
type ObjectKind uint8

const (
	Coil ObjectKind = iota
	DiscreteInput
	HoldingRegister
	InputRegister
)

func (k ObjectKind) String() string {
	switch k {
	case Coil:
		return "Coil"
	case DiscreteInput:
		return "DiscreteInput"
	case HoldingRegister:
		return "HoldingRegister"
	case InputRegister:
		return "InputRegister"
	default:
		return "Unknown"
	}
}

// IsBit reports whether k is a single-bit object type.
func (k ObjectKind) IsBit() bool {
	return k == Coil || k == DiscreteInput
}

// Writable reports whether k can be the target of a write request.
func (k ObjectKind) Writable() bool {
	return k == Coil || k == HoldingRegister
}

// ReadFunctionCode returns the function code used to read objects of kind k.
func (k ObjectKind) ReadFunctionCode() uint8 {
	switch k {
	case Coil:
		return FuncReadCoils
	case DiscreteInput:
		return FuncReadDiscreteInputs
	case HoldingRegister:
		return FuncReadHoldingRegisters
	case InputRegister:
		return FuncReadInputRegisters
	default:
		return 0
	}
}

// Protocol limits, from the Modbus Application Protocol spec.
const (
	MaxBitsPerRequest      = uint16(2008)
	MaxRegistersPerRequest = uint16(123)
	MaxRTUBodyLen          = 254
	MaxTCPBodyLen          = 254
)

// MaxLengthFor returns the protocol-cap request length for kind k.
func MaxLengthFor(k ObjectKind) uint16 {
	if k.IsBit() {
		return MaxBitsPerRequest
	}
	return MaxRegistersPerRequest
}

// Well-known Read Device Identification object IDs. 0x00..0x02 form the
// basic category, 0x03..0x06 the regular one; ids from 0x80 up are
// device-private.
const (
	ObjVendorName          = uint8(0x00)
	ObjProductCode         = uint8(0x01)
	ObjMajorMinorRevision  = uint8(0x02)
	ObjVendorURL           = uint8(0x03)
	ObjProductName         = uint8(0x04)
	ObjModelName           = uint8(0x05)
	ObjUserApplicationName = uint8(0x06)
	ObjFirstPrivateObject  = uint8(0x80)
)

// Device identification conformity categories, iterated 1..3 by the client.
const (
	CategoryBasic    = uint8(1)
	CategoryRegular  = uint8(2)
	CategoryExtended = uint8(3)
)
