package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Format names the link-layer framing of a telegram.
type Format string

const (
	FormatWMBus Format = "wmbus"
	FormatMBus  Format = "mbus"
)

var (
	ErrUnknownFormat   = errors.New("telegram header matches no known wire format")
	ErrAmbiguousFormat = errors.New("telegram header matches both wmbus and mbus framing")
)

// ParseFormat validates an explicit format hint. The empty string means
// "detect from the telegram".
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "":
		return "", nil
	case FormatWMBus, FormatMBus:
		return Format(s), nil
	default:
		return "", fmt.Errorf("unknown format %q (want wmbus or mbus)", s)
	}
}

// Detect inspects the leading bytes and reports which framing the telegram
// uses.
func Detect(raw []byte) (Format, error) {
	w, m := isWMBus(raw), isMBus(raw)
	switch {
	case w && m:
		return "", ErrAmbiguousFormat
	case w:
		return FormatWMBus, nil
	case m:
		return FormatMBus, nil
	default:
		return "", ErrUnknownFormat
	}
}

// Address is one EN 13757 meter address as carried by the DLL or a long TPL
// header. ID is stored in transmission order (LSB first).
type Address struct {
	Manufacturer uint16
	ID           [4]byte
	Version      byte
	DeviceType   byte
}

// IDString returns the EN 13757 display format (MSB first).
func (a Address) IDString() string {
	return fmt.Sprintf("%02X%02X%02X%02X", a.ID[3], a.ID[2], a.ID[1], a.ID[0])
}

// ManufacturerFlag returns the three letter manufacturer code, e.g. KAM.
func (a Address) ManufacturerFlag() string {
	return ManufacturerFlag(a.Manufacturer)
}

// ELLInfo describes an extended link layer (CI 0x8C or 0x8D).
type ELLInfo struct {
	Present       bool
	CI            byte
	Communication byte
	AccessNumber  byte
	// Secured is set for CI 0x8D, where a session number and a payload CRC
	// guard the rest of the telegram.
	Secured       bool
	SessionNumber uint32
}

// Encryption returns the ELL encryption mode taken from the session number.
// Mode 1 is AES-128-CTR.
func (e ELLInfo) Encryption() byte {
	return byte((e.SessionNumber >> 29) & 0x07)
}

// TPLInfo describes the transport layer header.
type TPLInfo struct {
	Present         bool
	Long            bool
	AccessNumber    byte
	Status          byte
	Config          uint16
	SecurityMode    byte
	EncryptedBlocks int

	// Compact frames (CI 0x79) replace the DIF/VIF headers by a signature.
	Compact         bool
	FormatSignature uint16
	FullCRC         uint16
}

// Telegram is a parsed wM-Bus or wired M-Bus frame. Payload holds the
// application data that follows the last header that could be decoded.
type Telegram struct {
	Raw            []byte
	Format         Format
	Length         byte
	Control        byte
	PrimaryAddress byte
	ELL            ELLInfo
	CI             byte
	TPL            TPLInfo
	Addresses      []Address
	Payload        []byte

	transportParsed bool
}

// Address returns the address that identifies the meter: the long TPL
// address when present, otherwise the link-layer address.
func (t *Telegram) Address() Address {
	if len(t.Addresses) == 0 {
		return Address{}
	}
	return t.Addresses[len(t.Addresses)-1]
}

// ID returns the meter identity string.
func (t *Telegram) ID() string {
	return t.Address().IDString()
}

// TransportParsed reports whether the TPL header has been decoded. It stays
// false while a secured ELL still hides it.
func (t *Telegram) TransportParsed() bool {
	return t.transportParsed
}

// Parse decodes the link layer of raw using the given framing and, unless
// a secured extended link layer hides it, the transport layer as well.
func Parse(raw []byte, format Format) (*Telegram, error) {
	switch format {
	case FormatWMBus:
		return parseWMBus(raw)
	case FormatMBus:
		return parseMBus(raw)
	default:
		return nil, fmt.Errorf("parse telegram: %w", ErrUnknownFormat)
	}
}

func isWMBus(raw []byte) bool {
	return len(raw) >= 11 && int(raw[0])+1 == len(raw)
}

func isMBus(raw []byte) bool {
	if len(raw) < 9 || raw[0] != 0x68 || raw[3] != 0x68 || raw[1] != raw[2] {
		return false
	}
	if int(raw[1])+6 != len(raw) || raw[len(raw)-1] != 0x16 {
		return false
	}
	return mbusChecksum(raw[4:len(raw)-2]) == raw[len(raw)-2]
}

func mbusChecksum(b []byte) byte {
	var sum byte
	for _, c := range b {
		sum += c
	}
	return sum
}

func parseWMBus(raw []byte) (*Telegram, error) {
	if len(raw) < 11 {
		return nil, fmt.Errorf("telegram too short: %d bytes", len(raw))
	}
	length := raw[0]
	if int(length)+1 != len(raw) {
		return nil, fmt.Errorf("declared length %d does not match actual length %d", length, len(raw))
	}
	t := &Telegram{
		Raw:     raw,
		Format:  FormatWMBus,
		Length:  length,
		Control: raw[1],
	}
	link := Address{
		Manufacturer: binary.LittleEndian.Uint16(raw[2:4]),
		Version:      raw[8],
		DeviceType:   raw[9],
	}
	copy(link.ID[:], raw[4:8])
	t.Addresses = append(t.Addresses, link)

	cursor := 10
	switch raw[cursor] {
	case 0x8C:
		if len(raw) < cursor+3 {
			return nil, fmt.Errorf("ELL header truncated")
		}
		t.ELL = ELLInfo{Present: true, CI: 0x8C, Communication: raw[cursor+1], AccessNumber: raw[cursor+2]}
		cursor += 3
	case 0x8D:
		if len(raw) < cursor+7 {
			return nil, fmt.Errorf("ELL header truncated")
		}
		t.ELL = ELLInfo{
			Present:       true,
			CI:            0x8D,
			Communication: raw[cursor+1],
			AccessNumber:  raw[cursor+2],
			Secured:       true,
			SessionNumber: binary.LittleEndian.Uint32(raw[cursor+3 : cursor+7]),
		}
		cursor += 7
	}
	t.Payload = raw[cursor:]
	if t.ELL.Secured {
		return t, nil
	}
	if err := t.ParseTransport(); err != nil {
		return nil, err
	}
	return t, nil
}

func parseMBus(raw []byte) (*Telegram, error) {
	if len(raw) < 9 || raw[0] != 0x68 || raw[3] != 0x68 {
		return nil, fmt.Errorf("not an M-Bus long frame")
	}
	if raw[1] != raw[2] {
		return nil, fmt.Errorf("M-Bus length bytes differ: %d != %d", raw[1], raw[2])
	}
	if int(raw[1])+6 != len(raw) {
		return nil, fmt.Errorf("declared length %d does not match actual length %d", raw[1], len(raw)-6)
	}
	if raw[len(raw)-1] != 0x16 {
		return nil, fmt.Errorf("M-Bus stop byte 0x%02X, want 0x16", raw[len(raw)-1])
	}
	if sum := mbusChecksum(raw[4 : len(raw)-2]); sum != raw[len(raw)-2] {
		return nil, fmt.Errorf("M-Bus checksum 0x%02X, want 0x%02X", raw[len(raw)-2], sum)
	}
	t := &Telegram{
		Raw:            raw,
		Format:         FormatMBus,
		Length:         raw[1],
		Control:        raw[4],
		PrimaryAddress: raw[5],
		Payload:        raw[6 : len(raw)-2],
	}
	if err := t.ParseTransport(); err != nil {
		return nil, err
	}
	if len(t.Addresses) == 0 {
		return nil, fmt.Errorf("M-Bus frame without long transport header carries no meter address")
	}
	return t, nil
}

// ParseTransport decodes the TPL header at the start of Payload and leaves
// Payload pointing at the application data. It must be called once the
// ELL has been opened when Parse left it pending.
func (t *Telegram) ParseTransport() error {
	if t.transportParsed {
		return nil
	}
	data := t.Payload
	if len(data) == 0 {
		return fmt.Errorf("transport layer missing")
	}
	t.CI = data[0]
	cursor := 1
	switch t.CI {
	case 0x78:
	case 0x79:
		if len(data) < cursor+4 {
			return fmt.Errorf("compact frame header truncated")
		}
		t.TPL.Compact = true
		t.TPL.FormatSignature = binary.LittleEndian.Uint16(data[cursor : cursor+2])
		t.TPL.FullCRC = binary.LittleEndian.Uint16(data[cursor+2 : cursor+4])
		cursor += 4
	case 0x7A:
		tpl, err := parseShortTPL(data, cursor)
		if err != nil {
			return err
		}
		t.TPL = tpl
		cursor += 4
	case 0x72:
		if len(data) < cursor+12 {
			return fmt.Errorf("long TPL header truncated")
		}
		addr := Address{
			Manufacturer: binary.LittleEndian.Uint16(data[cursor+4 : cursor+6]),
			Version:      data[cursor+6],
			DeviceType:   data[cursor+7],
		}
		copy(addr.ID[:], data[cursor:cursor+4])
		t.Addresses = append(t.Addresses, addr)
		tpl, err := parseShortTPL(data, cursor+8)
		if err != nil {
			return err
		}
		tpl.Long = true
		t.TPL = tpl
		cursor += 12
	default:
		return fmt.Errorf("unsupported CI 0x%02X", t.CI)
	}
	t.Payload = data[cursor:]
	t.transportParsed = true
	return nil
}

func parseShortTPL(data []byte, offset int) (TPLInfo, error) {
	if len(data) < offset+4 {
		return TPLInfo{}, fmt.Errorf("short TPL header truncated")
	}
	tpl := TPLInfo{
		Present:      true,
		AccessNumber: data[offset],
		Status:       data[offset+1],
	}
	cfg := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
	tpl.Config = cfg
	tpl.SecurityMode = byte((cfg >> 8) & 0x1F)
	if tpl.SecurityMode == 5 {
		tpl.EncryptedBlocks = int((cfg >> 4) & 0x0F)
	}
	return tpl, nil
}
