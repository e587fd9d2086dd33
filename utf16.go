package modbus

import "unicode/utf16"

// utf16Encode returns the UTF-16 code units of s, one per word, with no
// surrogate pairing beyond what encoding/utf16 itself performs.
func utf16Encode(s string) []uint16 {
	return utf16.Encode([]rune(s))
}

// utf16Decode decodes a sequence of UTF-16 code units back into a string.
func utf16Decode(units []uint16) string {
	return string(utf16.Decode(units))
}
