package options

import (
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
)

const (
	// NoKey is the request sentinel for "telegram is not encrypted".
	NoKey = "NOKEY"
	// AutoDriver asks for driver detection from the telegram header.
	AutoDriver = "auto"
)

// NormalizeKey canonicalizes a request key so it can be compared between
// requests: whitespace removed, upper case, "" for NOKEY.
func NormalizeKey(input string) string {
	clean := strings.ToUpper(stripWhitespace(input))
	if clean == NoKey {
		return ""
	}
	return clean
}

// ParseKeyHex validates and decodes a 32-hex-digit AES key string. The empty
// string and NOKEY both decode to a nil key.
func ParseKeyHex(input string) ([]byte, error) {
	clean := NormalizeKey(input)
	if clean == "" {
		return nil, nil
	}
	if len(clean) != 32 {
		return nil, fmt.Errorf("AES key must be 32 hex digits (16 bytes), got %d", len(clean))
	}
	dst := make([]byte, 16)
	if _, err := hex.Decode(dst, []byte(clean)); err != nil {
		return nil, fmt.Errorf("invalid AES key hex: %w", err)
	}
	return dst, nil
}

// NormalizeDriver maps an absent driver to AutoDriver.
func NormalizeDriver(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, AutoDriver) {
		return AutoDriver
	}
	return name
}

// ParseTelegramHex decodes a telegram hex string made of hex digits only.
func ParseTelegramHex(clean string) ([]byte, error) {
	if clean == "" {
		return nil, fmt.Errorf("telegram is empty")
	}
	if len(clean)%2 != 0 {
		return nil, fmt.Errorf("hex telegram must contain an even number of digits, got %d", len(clean))
	}
	decoded := make([]byte, len(clean)/2)
	if _, err := hex.Decode(decoded, []byte(clean)); err != nil {
		return nil, fmt.Errorf("decode hex: %w", err)
	}
	return decoded, nil
}

func stripWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// StripSeparators removes whitespace and the | and _ separators used when
// telegrams are logged or pasted by hand.
func StripSeparators(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsSpace(r) || r == '|' || r == '_' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
