package lamp

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// ValidateName checks a lamp name: 1..31 bytes of valid UTF-8, with no
// MQTT level separator, wildcard or NUL. Invalid UTF-8 would not survive
// the JSON blob unchanged.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidName)
	}
	if len(name) > MaxNameLen {
		return fmt.Errorf("%w: name exceeds %d bytes", ErrInvalidName, MaxNameLen)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("%w: name is not valid UTF-8", ErrInvalidName)
	}
	if strings.ContainsAny(name, "/+#\x00") {
		return fmt.Errorf("%w: name must not contain '/', '+', '#' or NUL", ErrInvalidName)
	}
	return nil
}

// ValidateAddress checks an address string: 1..7 bytes. The numeric value
// is not checked here; see ParseAddress.
func ValidateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("%w: address is required", ErrInvalidAddress)
	}
	if len(address) > MaxAddressLen {
		return fmt.Errorf("%w: address exceeds %d bytes", ErrInvalidAddress, MaxAddressLen)
	}
	if !utf8.ValidString(address) {
		return fmt.Errorf("%w: address is not valid UTF-8", ErrInvalidAddress)
	}
	return nil
}

// Validate checks both fields of a record.
func Validate(r Record) error {
	if err := ValidateName(r.Name); err != nil {
		return err
	}
	return ValidateAddress(r.Address)
}
