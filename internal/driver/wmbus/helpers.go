package wmbus

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// lengthVariable marks DIF 0x0D, where the first data byte (LVAR) gives the
// length.
const lengthVariable = -1

// LengthForDIF returns the data length encoded in the lower nibble of the DIF
// byte. The boolean indicates whether the DIF value is supported.
func LengthForDIF(dif byte) (int, bool) {
	switch dif & 0x0F {
	case 0x00, 0x08:
		return 0, true
	case 0x01, 0x09:
		return 1, true
	case 0x02, 0x0A:
		return 2, true
	case 0x03, 0x0B:
		return 3, true
	case 0x04, 0x05, 0x0C:
		return 4, true
	case 0x06, 0x0E:
		return 6, true
	case 0x07:
		return 8, true
	case 0x0D:
		return lengthVariable, true
	default:
		return 0, false
	}
}

// lengthForLVAR decodes the variable length byte of DIF 0x0D.
func lengthForLVAR(lvar byte) (int, error) {
	switch {
	case lvar <= 0xBF:
		return int(lvar), nil
	case lvar <= 0xDF:
		return int(lvar & 0x0F), nil
	case lvar <= 0xEF:
		return int(lvar - 0xE0), nil
	case lvar <= 0xF4:
		return 4 * int(lvar-0xEC), nil
	case lvar == 0xF5:
		return 48, nil
	case lvar == 0xF6:
		return 64, nil
	default:
		return 0, fmt.Errorf("reserved LVAR 0x%02X", lvar)
	}
}

func isBCD(dif byte) bool {
	switch dif & 0x0F {
	case 0x09, 0x0A, 0x0B, 0x0C, 0x0E:
		return true
	}
	return false
}

// DecodeBCDLittleEndian converts a BCD payload (little endian nibble order) to
// an integer. A 0xF in the most significant nibble marks a negative value.
func DecodeBCDLittleEndian(b []byte) (int64, error) {
	var value int64
	var multiplier int64 = 1
	negative := false
	for i, by := range b {
		low := int64(by & 0x0F)
		high := int64((by >> 4) & 0x0F)
		if i == len(b)-1 && high == 0x0F {
			negative = true
			high = 0
		}
		if low > 9 || high > 9 {
			return 0, fmt.Errorf("invalid BCD byte: 0x%02X", by)
		}
		value += low * multiplier
		multiplier *= 10
		value += high * multiplier
		multiplier *= 10
	}
	if negative {
		value = -value
	}
	return value, nil
}

// DecodeSignedLittleEndian converts a two's complement little endian integer
// of up to eight bytes.
func DecodeSignedLittleEndian(b []byte) (int64, error) {
	if len(b) == 0 || len(b) > 8 {
		return 0, fmt.Errorf("integer of %d bytes not supported", len(b))
	}
	var u uint64
	for i := len(b) - 1; i >= 0; i-- {
		u = u<<8 | uint64(b[i])
	}
	shift := uint(64 - 8*len(b))
	return int64(u<<shift) >> shift, nil
}

// DecodeReal converts a 32 bit IEEE 754 value (DIF type 0x05).
func DecodeReal(b []byte) (float64, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("real requires 4 bytes, got %d", len(b))
	}
	return float64(math.Float32frombits(binary.LittleEndian.Uint32(b))), nil
}

// DecodeTypeFDateTime decodes the four-byte Type F timestamp used by many
// Wireless M-Bus meters.
func DecodeTypeFDateTime(b []byte) (time.Time, error) {
	if len(b) != 4 {
		return time.Time{}, fmt.Errorf("type F datetime requires 4 bytes, got %d", len(b))
	}
	minute := int(b[0] & 0x3F)
	hour := int(b[1] & 0x1F)
	day := int(b[2] & 0x1F)
	month := int(b[3] & 0x0F)
	yearBitsHigh := (b[3] >> 4) & 0x0F
	yearBitsLow := (b[2] >> 5) & 0x07
	year := 2000 + int(yearBitsHigh<<3|yearBitsLow)
	if minute > 59 || hour > 23 || day == 0 || day > 31 || month == 0 || month > 12 {
		return time.Time{}, fmt.Errorf("invalid type F datetime encoding: %02X%02X%02X%02X", b[0], b[1], b[2], b[3])
	}
	return time.Date(year, time.Month(month), day, hour, minute, 0, 0, time.UTC), nil
}

// DecodeTypeGDate decodes the two-byte Type G date.
func DecodeTypeGDate(b []byte) (time.Time, error) {
	if len(b) != 2 {
		return time.Time{}, fmt.Errorf("type G date requires 2 bytes, got %d", len(b))
	}
	day := int(b[0] & 0x1F)
	month := int(b[1] & 0x0F)
	year := 2000 + int((b[0]&0xE0)>>5|(b[1]&0xF0)>>1)
	if day == 0 || day > 31 || month == 0 || month > 12 {
		return time.Time{}, fmt.Errorf("invalid type G date encoding: %02X%02X", b[0], b[1])
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC), nil
}

// scaleValue applies a power of ten. Negative exponents divide so that
// values such as 6408e-3 come out as the shortest decimal 6.408.
func scaleValue(v float64, exp int) float64 {
	if exp < 0 {
		return v / math.Pow10(-exp)
	}
	return v * math.Pow10(exp)
}
