package wmbus

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// MeasurementType is the function field of a DIF.
type MeasurementType int

const (
	Instantaneous MeasurementType = iota
	Maximum
	Minimum
	AtError
)

// Record represents a parsed DIF/VIF entry from a telegram payload.
type Record struct {
	// Key is the hex of the DIF, DIFE, VIF and VIFE bytes, e.g. "0EFD3A".
	// Repeated keys get a "_2", "_3" suffix in order of appearance.
	Key      string
	DIF      byte
	DIFE     []byte
	RawVIF   []byte
	Data     []byte
	Offset   int
	Function MeasurementType
	Storage  int
	Tariff   int
	Subunit  int
}

// VIF returns the value information code of the record.
func (r Record) VIF() VIFCode {
	c, _ := vifCode(r.RawVIF)
	return c
}

// Combinable reports whether VIF extensions follow the code itself.
func (r Record) Combinable() bool {
	_, n := vifCode(r.RawVIF)
	return len(r.RawVIF) > n
}

// Int decodes the record data as an integer: BCD or two's complement
// binary depending on the DIF.
func (r Record) Int() (int64, error) {
	switch {
	case len(r.Data) == 0:
		return 0, fmt.Errorf("record %s carries no data", r.Key)
	case r.DIF&0x0F == 0x05:
		f, err := DecodeReal(r.Data)
		return int64(f), err
	case isBCD(r.DIF):
		return DecodeBCDLittleEndian(r.Data)
	default:
		return DecodeSignedLittleEndian(r.Data)
	}
}

// Float decodes the record data without VIF scaling.
func (r Record) Float() (float64, error) {
	if r.DIF&0x0F == 0x05 {
		return DecodeReal(r.Data)
	}
	v, err := r.Int()
	return float64(v), err
}

// Scaled decodes the record data and applies the VIF scale.
func (r Record) Scaled() (float64, error) {
	exp, ok := scaleExponent(r.VIF())
	if !ok {
		return 0, fmt.Errorf("record %s has no numeric VIF scale", r.Key)
	}
	v, err := r.Float()
	if err != nil {
		return 0, err
	}
	return scaleValue(v, exp), nil
}

// Exponent returns the power of ten Scaled applies to the raw value.
func (r Record) Exponent() (int, bool) {
	return scaleExponent(r.VIF())
}

// Uint decodes the data as an unsigned little endian bit field, as used by
// manufacturer status words.
func (r Record) Uint() uint64 {
	var u uint64
	for i := len(r.Data) - 1; i >= 0; i-- {
		u = u<<8 | uint64(r.Data[i])
	}
	return u
}

// Time decodes date (VIF 0x6C) and date time (VIF 0x6D) records.
func (r Record) Time() (time.Time, error) {
	switch r.VIF() {
	case 0x6C:
		return DecodeTypeGDate(r.Data)
	case 0x6D:
		if len(r.Data) == 4 {
			return DecodeTypeFDateTime(r.Data)
		}
	}
	return time.Time{}, fmt.Errorf("record %s is not a supported date", r.Key)
}

// Digits returns BCD data as a decimal string, most significant digit first.
func (r Record) Digits() string {
	var b strings.Builder
	for i := len(r.Data) - 1; i >= 0; i-- {
		fmt.Fprintf(&b, "%02X", r.Data[i])
	}
	return b.String()
}

// Payload is the application layer of a telegram split into records.
type Payload struct {
	Records []Record
	// Header holds the DIF/DIFE/VIF/VIFE bytes of every record in order;
	// its CRC is the compact frame format signature.
	Header []byte
	// Manufacturer holds the bytes after a 0x0F or 0x1F DIF.
	Manufacturer      []byte
	MoreRecordsFollow bool
}

// Find returns the record stored under key.
func (p Payload) Find(key string) (Record, bool) {
	for _, rec := range p.Records {
		if rec.Key == key {
			return rec, true
		}
	}
	return Record{}, false
}

// ParseRecords iterates over the payload and returns the DIF/VIF records
// until manufacturer-specific data is reached or the buffer ends.
func ParseRecords(payload []byte) (Payload, error) {
	p := Payload{Records: make([]Record, 0, 8)}
	seen := map[string]int{}
	i := 0
	for i < len(payload) {
		start := i
		dif := payload[i]
		i++
		if dif == 0x2F {
			continue
		}
		if dif == 0x0F || dif == 0x1F {
			p.Manufacturer = payload[i:]
			p.MoreRecordsFollow = dif == 0x1F
			break
		}
		length, ok := LengthForDIF(dif)
		if !ok {
			// Other special functions (global readout and reserved codes)
			// end the parsable part of the payload.
			break
		}
		rec := Record{DIF: dif, Function: MeasurementType((dif >> 4) & 0x03)}
		rec.Storage = int((dif >> 6) & 0x01)

		difenr := 0
		hasDIFE := (dif & 0x80) != 0
		for hasDIFE {
			if i >= len(payload) {
				return p, fmt.Errorf("unexpected end of payload while reading DIFE")
			}
			dife := payload[i]
			i++
			rec.DIFE = append(rec.DIFE, dife)
			rec.Subunit |= int((dife>>6)&0x01) << difenr
			rec.Tariff |= int((dife>>4)&0x03) << (difenr * 2)
			rec.Storage |= int(dife&0x0F) << (1 + difenr*4)
			hasDIFE = (dife & 0x80) != 0
			difenr++
		}
		if i >= len(payload) {
			return p, fmt.Errorf("unexpected end of payload before VIF")
		}
		hasVIFE := true
		for hasVIFE {
			if i >= len(payload) {
				return p, fmt.Errorf("unexpected end of payload while reading VIFE")
			}
			vif := payload[i]
			i++
			rec.RawVIF = append(rec.RawVIF, vif)
			hasVIFE = (vif & 0x80) != 0
		}
		p.Header = append(p.Header, payload[start:i]...)

		if length == lengthVariable {
			if i >= len(payload) {
				return p, fmt.Errorf("unexpected end of payload before LVAR")
			}
			n, err := lengthForLVAR(payload[i])
			if err != nil {
				return p, err
			}
			i++
			length = n
		}
		if i+length > len(payload) {
			return p, fmt.Errorf("payload truncated for DIF 0x%02X", dif)
		}
		rec.Data = payload[i : i+length]
		rec.Offset = i
		i += length

		key := strings.ToUpper(hex.EncodeToString(payload[start : start+1+len(rec.DIFE)+len(rec.RawVIF)]))
		seen[key]++
		if n := seen[key]; n > 1 {
			key = fmt.Sprintf("%s_%d", key, n)
		}
		rec.Key = key
		p.Records = append(p.Records, rec)
	}
	return p, nil
}
