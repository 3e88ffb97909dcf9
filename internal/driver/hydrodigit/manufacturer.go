package hydrodigit

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"
)

// Block variants of the manufacturer specific data (DIF 0x0F).
const (
	VariantLegacy   = "legacy"
	VariantExtended = "extended"
)

// Block holds the decoded manufacturer data. Legacy blocks start with the
// frame identifier 0x15 or 0x95; anything else is the newer Hydrolink layout.
type Block struct {
	Variant string

	// Legacy layout.
	FrameIdentifier byte
	Contents        string
	Voltage         float64
	LeakDate        string // dd.mm.yyyy
	BackflowM3      float64
	Monthly         map[time.Month]float64

	// Extended layout.
	BatteryRaw    byte
	BatteryPct    byte
	ErrorBits     uint32
	SectionBitmap byte
	Sections      Sections
}

// Sections are the optional parts of an extended block, announced by the
// bits of SectionBitmap.
type Sections struct {
	ReverseFlowM3   float64
	HasReverseFlow  bool
	EmptyPipeDate   string
	LeakEventDate   string
	FreezeEventDate string
	MonthlyHistory  []float64
}

const (
	minLegacyBytes   = 1 + 1 + 4 + 12*3
	minExtendedBytes = 1 + 3 + 1
)

// ParseManufacturerData decodes the bytes that follow DIF 0x0F. volumeExp is
// the power of ten of the main volume record; monthly values use one more.
func ParseManufacturerData(block []byte, volumeExp int) (Block, error) {
	switch {
	case len(block) >= minLegacyBytes && (block[0] == 0x15 || block[0] == 0x95):
		return parseLegacyBlock(block, volumeExp+1)
	case len(block) >= minExtendedBytes:
		return parseExtendedBlock(block, volumeExp+1)
	case len(block) == 0:
		return Block{}, errors.New("empty manufacturer payload")
	default:
		return Block{}, fmt.Errorf("unsupported manufacturer block: %s", hex.EncodeToString(block))
	}
}

func parseLegacyBlock(block []byte, monthlyExp int) (Block, error) {
	b := Block{
		Variant:         VariantLegacy,
		FrameIdentifier: block[0],
		Contents:        legacyContents(block[0]),
		Voltage:         decodeVoltage(block[1] & 0x0F),
		Monthly:         make(map[time.Month]float64, 12),
	}
	offset := 2
	if block[0] == 0x95 {
		year, month, day := block[offset], block[offset+1], block[offset+2]
		b.LeakDate = fmt.Sprintf("%02X.%02X.20%02X", day, month, year)
		offset += 3
	}
	if offset+4+12*3 > len(block) {
		return Block{}, errors.New("legacy block truncated")
	}
	b.BackflowM3 = float64(uint24(block[offset:])|uint32(block[offset+3])<<24) / 1000
	offset += 4
	for m := time.January; m <= time.December; m++ {
		b.Monthly[m] = decodeMonthly(block[offset:offset+3], monthlyExp)
		offset += 3
	}
	return b, nil
}

func parseExtendedBlock(block []byte, monthlyExp int) (Block, error) {
	b := Block{
		Variant:       VariantExtended,
		BatteryRaw:    block[0],
		BatteryPct:    min(block[0], 100),
		ErrorBits:     uint32(block[1])<<16 | uint32(block[2])<<8 | uint32(block[3]),
		SectionBitmap: block[4],
	}
	rest := block[5:]
	take := func(n int, what string) ([]byte, error) {
		if len(rest) < n {
			return nil, fmt.Errorf("%s truncated", what)
		}
		part := rest[:n]
		rest = rest[n:]
		return part, nil
	}
	for bit := 0; bit < 8; bit++ {
		if b.SectionBitmap&(1<<bit) == 0 {
			continue
		}
		var err error
		switch bit {
		case 0:
			_, err = take(7, "instantaneous block")
		case 1:
			var part []byte
			if part, err = take(3, "reverse-flow block"); err == nil {
				b.Sections.HasReverseFlow = true
				b.Sections.ReverseFlowM3 = float64(uint24(part)) / 1000
			}
		case 2:
			b.Sections.EmptyPipeDate, err = takeDate(take)
		case 3:
			b.Sections.LeakEventDate, err = takeDate(take)
		case 4:
			b.Sections.FreezeEventDate, err = takeDate(take)
		case 5, 6:
			_, err = take(5, "memo day")
		case 7:
			var part []byte
			if part, err = take(36, "monthly history"); err == nil {
				for i := 0; i < 12; i++ {
					b.Sections.MonthlyHistory = append(b.Sections.MonthlyHistory, decodeMonthly(part[i*3:i*3+3], monthlyExp))
				}
			}
		}
		if err != nil {
			return Block{}, err
		}
	}
	return b, nil
}

// takeDate reads a YYMMDD BCD date. An invalid date is skipped, not fatal.
func takeDate(take func(int, string) ([]byte, error)) (string, error) {
	part, err := take(3, "event date")
	if err != nil {
		return "", err
	}
	for _, by := range part {
		if by&0x0F > 9 || by>>4 > 9 {
			return "", nil
		}
	}
	return fmt.Sprintf("20%02X-%02X-%02X", part[0], part[1], part[2]), nil
}

func legacyContents(frameID byte) string {
	if frameID == 0x95 {
		return "Backflow, leak date, alarms and monthly data"
	}
	return "Backflow, alarms and monthly data"
}

var voltages = [...]float64{
	3.7, 1.9, 2.1, 2.2, 2.3, 2.4, 2.5, 2.65,
	2.8, 2.9, 3.05, 3.2, 3.35, 3.5, 3.7, 3.7,
}

func decodeVoltage(nibble byte) float64 {
	return voltages[nibble&0x0F]
}

func uint24(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

// decodeMonthly scales a three byte history value. Values of 100000 m3 and
// above mark an unused slot.
func decodeMonthly(b []byte, exp int) float64 {
	v := float64(uint24(b))
	if exp < 0 {
		v /= math.Pow10(-exp)
	} else {
		v *= math.Pow10(exp)
	}
	if v >= 100000 {
		return 0
	}
	return v
}
