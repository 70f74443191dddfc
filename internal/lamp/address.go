package lamp

import (
	"fmt"
	"strconv"
	"strings"
)

// AddressToUint16 parses a unicast address the way C's strtol does with
// base 0: optional leading space and sign, then "0x" for hex, a leading
// "0" for octal, otherwise decimal. Parsing stops at the first invalid
// character. Input with no digits yields 0, which no mesh node uses.
//
//	AddressToUint16("0x0013") // 19
//	AddressToUint16("19")     // 19
//	AddressToUint16("lamp")   // 0
func AddressToUint16(s string) uint16 {
	s = strings.TrimLeft(s, " \t\n\v\f\r")

	neg := false
	if s != "" && (s[0] == '+' || s[0] == '-') {
		neg = s[0] == '-'
		s = s[1:]
	}

	base := uint64(10)
	switch {
	case len(s) > 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') && hexDigit(s[2]) >= 0:
		base = 16
		s = s[2:]
	case len(s) > 1 && s[0] == '0':
		base = 8
		s = s[1:]
	}

	var v uint64
	for i := 0; i < len(s); i++ {
		d := hexDigit(s[i])
		if d < 0 || uint64(d) >= base {
			break
		}
		// Stop growing before overflow; only the low 16 bits are kept.
		if v < 1<<32 {
			v = v*base + uint64(d)
		}
	}

	if neg {
		return uint16(-int64(v))
	}
	return uint16(v)
}

func hexDigit(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	default:
		return -1
	}
}

// ParseAddress is the strict counterpart of AddressToUint16. The whole
// string must be a decimal or 0x-prefixed hex number in 1..0xFFFF.
func ParseAddress(s string) (uint16, error) {
	s = strings.TrimSpace(s)

	var (
		v   uint64
		err error
	)
	if hex, ok := strings.CutPrefix(strings.ToLower(s), "0x"); ok {
		v, err = strconv.ParseUint(hex, 16, 16)
	} else {
		v, err = strconv.ParseUint(s, 10, 16)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a 16-bit number", ErrInvalidAddress, s)
	}
	if v == 0 {
		return 0, fmt.Errorf("%w: address 0 is unassigned", ErrInvalidAddress)
	}
	return uint16(v), nil
}

// FormatAddress renders an address the way the UI shows it.
func FormatAddress(addr uint16) string {
	return fmt.Sprintf("0x%04X", addr)
}
