package modbus

import (
	"fmt"
	"math"
	"sort"

	"github.com/brackfield/modbus/packet"
)

// ObjectType is the closed set of Modbus object types.
type ObjectType = packet.ObjectKind

const (
	Coil            = packet.Coil
	DiscreteInput   = packet.DiscreteInput
	HoldingRegister = packet.HoldingRegister
	InputRegister   = packet.InputRegister
)

// Object is a single address/value pair, tagged by the collection's type.
// Payload is either a bit (Coil/DiscreteInput) or a 16-bit word
// (HoldingRegister/InputRegister).
type Object struct {
	Address uint16
	Bit     bool
	Word    uint16
}

// ObjectCollection is a sparse map of address -> Object, all sharing one
// ObjectType. Multi-word setters overwrite whatever entries already occupy
// their span.
type ObjectCollection struct {
	Type    ObjectType
	objects map[uint16]Object
}

// NewObjectCollection creates an empty collection of the given type.
func NewObjectCollection(t ObjectType) *ObjectCollection {
	return &ObjectCollection{Type: t, objects: make(map[uint16]Object)}
}

// Len returns the number of distinct addresses stored.
func (c *ObjectCollection) Len() int { return len(c.objects) }

// Addresses returns the stored addresses in ascending order.
func (c *ObjectCollection) Addresses() []uint16 {
	addrs := make([]uint16, 0, len(c.objects))
	for a := range c.objects {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}

// GetRanges projects every stored address into a unit range and runs the
// range planner over them, producing wire-legal request ranges.
func (c *ObjectCollection) GetRanges(maxLength uint16, allowedWaste uint16) ([]Range, error) {
	addrs := c.Addresses()
	if len(addrs) == 0 {
		return nil, nil
	}
	ranges := make([]Range, len(addrs))
	for i, a := range addrs {
		ranges[i] = Range{Start: a, End: a}
	}
	return PlanRanges(ranges, maxLength, allowedWaste, packet.MaxLengthFor(c.Type))
}

func (c *ObjectCollection) lookupErr(addr uint16) error {
	return fmt.Errorf("modbus: no %s object at address %d", c.Type, addr)
}

// --- bit access -------------------------------------------------------

// SetBit sets a single bit object. Only meaningful on Coil/DiscreteInput
// collections.
func (c *ObjectCollection) SetBit(addr uint16, value bool) {
	c.objects[addr] = Object{Address: addr, Bit: value}
}

// GetBit returns the bit stored at addr.
func (c *ObjectCollection) GetBit(addr uint16) (bool, error) {
	obj, ok := c.objects[addr]
	if !ok {
		return false, c.lookupErr(addr)
	}
	return obj.Bit, nil
}

// --- single word access -------------------------------------------------

func (c *ObjectCollection) setWord(addr uint16, word uint16) {
	c.objects[addr] = Object{Address: addr, Word: word}
}

func (c *ObjectCollection) getWord(addr uint16) (uint16, error) {
	obj, ok := c.objects[addr]
	if !ok {
		return 0, c.lookupErr(addr)
	}
	return obj.Word, nil
}

func (c *ObjectCollection) SetUint16(addr uint16, v uint16) { c.setWord(addr, v) }
func (c *ObjectCollection) GetUint16(addr uint16) (uint16, error) { return c.getWord(addr) }

func (c *ObjectCollection) SetInt16(addr uint16, v int16) { c.setWord(addr, uint16(v)) }
func (c *ObjectCollection) GetInt16(addr uint16) (int16, error) {
	w, err := c.getWord(addr)
	return int16(w), err
}

// --- multi-word access, big-endian across words (MSW first) and within
// each word. Setters replace any prior entries in their span.

func (c *ObjectCollection) setWords(addr uint16, words []uint16) {
	for i, w := range words {
		c.objects[addr+uint16(i)] = Object{Address: addr + uint16(i), Word: w}
	}
}

func (c *ObjectCollection) getWords(addr uint16, n int) ([]uint16, error) {
	words := make([]uint16, n)
	for i := 0; i < n; i++ {
		w, err := c.getWord(addr + uint16(i))
		if err != nil {
			return nil, err
		}
		words[i] = w
	}
	return words, nil
}

func (c *ObjectCollection) SetUint32(addr uint16, v uint32) {
	c.setWords(addr, []uint16{uint16(v >> 16), uint16(v)})
}

func (c *ObjectCollection) GetUint32(addr uint16) (uint32, error) {
	words, err := c.getWords(addr, 2)
	if err != nil {
		return 0, err
	}
	return uint32(words[0])<<16 | uint32(words[1]), nil
}

func (c *ObjectCollection) SetInt32(addr uint16, v int32) { c.SetUint32(addr, uint32(v)) }
func (c *ObjectCollection) GetInt32(addr uint16) (int32, error) {
	v, err := c.GetUint32(addr)
	return int32(v), err
}

func (c *ObjectCollection) SetUint64(addr uint16, v uint64) {
	c.setWords(addr, []uint16{
		uint16(v >> 48), uint16(v >> 32), uint16(v >> 16), uint16(v),
	})
}

func (c *ObjectCollection) GetUint64(addr uint16) (uint64, error) {
	words, err := c.getWords(addr, 4)
	if err != nil {
		return 0, err
	}
	return uint64(words[0])<<48 | uint64(words[1])<<32 | uint64(words[2])<<16 | uint64(words[3]), nil
}

func (c *ObjectCollection) SetInt64(addr uint16, v int64) { c.SetUint64(addr, uint64(v)) }
func (c *ObjectCollection) GetInt64(addr uint16) (int64, error) {
	v, err := c.GetUint64(addr)
	return int64(v), err
}

// SetFloat32 stores the IEEE-754 bit pattern of v as a u32.
func (c *ObjectCollection) SetFloat32(addr uint16, v float32) {
	c.SetUint32(addr, math.Float32bits(v))
}

func (c *ObjectCollection) GetFloat32(addr uint16) (float32, error) {
	bits, err := c.GetUint32(addr)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(bits), nil
}

// SetFloat64 stores the IEEE-754 bit pattern of v as a u64.
func (c *ObjectCollection) SetFloat64(addr uint16, v float64) {
	c.SetUint64(addr, math.Float64bits(v))
}

func (c *ObjectCollection) GetFloat64(addr uint16) (float64, error) {
	bits, err := c.GetUint64(addr)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(bits), nil
}

// --- strings ------------------------------------------------------------

// SetString8 packs s as str8: two single-byte characters per word, with
// character 2k in the high byte and 2k+1 in the low byte. encode converts
// a rune to its single-byte representation; pass nil for ASCII, which
// rejects runes above 0x7F.
func (c *ObjectCollection) SetString8(addr uint16, s string, encode func(rune) (byte, error)) error {
	if encode == nil {
		encode = asciiByte
	}
	runes := []rune(s)
	wordCount := (len(runes) + 1) / 2
	words := make([]uint16, wordCount)
	for i := 0; i < wordCount; i++ {
		hi, err := encode(runeAt(runes, i*2))
		if err != nil {
			return err
		}
		var lo byte
		if i*2+1 < len(runes) {
			lo, err = encode(runes[i*2+1])
			if err != nil {
				return err
			}
		}
		words[i] = uint16(hi)<<8 | uint16(lo)
	}
	c.setWords(addr, words)
	return nil
}

func runeAt(runes []rune, i int) rune {
	if i < len(runes) {
		return runes[i]
	}
	return 0
}

func asciiByte(r rune) (byte, error) {
	if r > 0x7F {
		return 0, fmt.Errorf("modbus: rune %q is not representable as single-byte ASCII", r)
	}
	return byte(r), nil
}

// GetString8 reads wordCount words starting at addr and unpacks them as
// str8 (two single-byte chars per word, high byte first), trimming
// trailing NUL padding.
func (c *ObjectCollection) GetString8(addr uint16, wordCount int) (string, error) {
	words, err := c.getWords(addr, wordCount)
	if err != nil {
		return "", err
	}
	buf := make([]byte, 0, wordCount*2)
	for _, w := range words {
		buf = append(buf, byte(w>>8), byte(w))
	}
	return trimNUL(string(buf)), nil
}

// SetString16 packs s as str16: one UTF-16 code unit per word. High
// surrogates are stored as-is, not combined into a single rune.
func (c *ObjectCollection) SetString16(addr uint16, s string) {
	units := utf16Encode(s)
	c.setWords(addr, units)
}

// GetString16 reads wordCount words starting at addr and decodes them as
// str16 (one UTF-16 code unit per word), trimming trailing NUL padding.
func (c *ObjectCollection) GetString16(addr uint16, wordCount int) (string, error) {
	words, err := c.getWords(addr, wordCount)
	if err != nil {
		return "", err
	}
	return trimNUL(utf16Decode(words)), nil
}

func trimNUL(s string) string {
	for len(s) > 0 && s[len(s)-1] == 0 {
		s = s[:len(s)-1]
	}
	return s
}
