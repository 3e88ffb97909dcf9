package frame

import (
	"encoding/hex"
	"errors"
	"testing"
)

const (
	hydrodigitHex = "4E44B4098686868613077AF00040052F2F0C1366380000046D27287E2A0F150E00000000C10000D10000E60000FD00000C01002F0100410100540100680100890000A00000B30000002F2F2F2F2F2F"
	multical21Hex = "2A442D2C998734761B168D2091D37CAC21E1D68CDAFFCD3DC452BD802913FF7B1706CA9E355D6C2701CC24"
	piigthHex     = "68383868080072840200102941011B0D0000000265FE0842653009820165E70802FB1A480142FB1A45018201FB1A4E010C788402001002FD0F21000F0316"
	vaddenHex     = "2D442D2C776655441B168D2083B48D3A2046887802FF20000004132F4E000092013B3D01A1015B028101E7FF0F03"
)

func TestParseShortTPL(t *testing.T) {
	tg, err := Parse(decodeHex(t, hydrodigitHex), FormatWMBus)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	addr := tg.Address()
	if addr.Manufacturer != 0x09B4 {
		t.Fatalf("manufacturer mismatch: %04X", addr.Manufacturer)
	}
	if got := tg.ID(); got != "86868686" {
		t.Fatalf("meter id mismatch: %s", got)
	}
	if tg.CI != 0x7A {
		t.Fatalf("unexpected CI 0x%02X", tg.CI)
	}
	if tg.TPL.AccessNumber != 0xF0 || tg.TPL.SecurityMode != 5 || tg.TPL.EncryptedBlocks != 4 {
		t.Fatalf("unexpected TPL %+v", tg.TPL)
	}
	if tg.Payload[0] != 0x2F || tg.Payload[1] != 0x2F {
		t.Fatalf("payload should start at the 2F2F filler, got % X", tg.Payload[:2])
	}
}

func TestParseSecuredELLLeavesTransportPending(t *testing.T) {
	tg, err := Parse(decodeHex(t, multical21Hex), FormatWMBus)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if tg.TransportParsed() {
		t.Fatalf("transport layer should stay hidden behind the ELL")
	}
	if !tg.ELL.Secured || tg.ELL.Encryption() != 1 {
		t.Fatalf("unexpected ELL %+v", tg.ELL)
	}
	if tg.ELL.Communication != 0x20 || tg.ELL.AccessNumber != 0x91 {
		t.Fatalf("unexpected ELL CC/ACC %+v", tg.ELL)
	}
	if got := tg.ID(); got != "76348799" {
		t.Fatalf("meter id mismatch: %s", got)
	}
	if flag := tg.Address().ManufacturerFlag(); flag != "KAM" {
		t.Fatalf("manufacturer flag %s", flag)
	}
}

func TestParsePlainELLTransport(t *testing.T) {
	tg, err := Parse(decodeHex(t, vaddenHex), FormatWMBus)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	// 0x8D always hides the TPL until the payload CRC has been checked.
	tg.Payload = tg.Payload[2:]
	if err := tg.ParseTransport(); err != nil {
		t.Fatalf("ParseTransport: %v", err)
	}
	if tg.CI != 0x78 || tg.TPL.Present {
		t.Fatalf("expected CI 0x78 without TPL header, got 0x%02X %+v", tg.CI, tg.TPL)
	}
	if tg.Payload[0] != 0x02 {
		t.Fatalf("unexpected payload start % X", tg.Payload[:3])
	}
}

func TestParseMBusLongTPL(t *testing.T) {
	tg, err := Parse(decodeHex(t, piigthHex), FormatMBus)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	addr := tg.Address()
	if got := tg.ID(); got != "10000284" {
		t.Fatalf("meter id mismatch: %s", got)
	}
	if addr.ManufacturerFlag() != "PII" || addr.Version != 0x01 || addr.DeviceType != 0x1B {
		t.Fatalf("unexpected address %+v", addr)
	}
	if !tg.TPL.Long || tg.TPL.AccessNumber != 0x0D {
		t.Fatalf("unexpected TPL %+v", tg.TPL)
	}
	if tg.Payload[len(tg.Payload)-1] != 0x0F {
		t.Fatalf("checksum and stop byte should be stripped, payload ends with %02X", tg.Payload[len(tg.Payload)-1])
	}
}

func TestParseMBusBadChecksum(t *testing.T) {
	raw := decodeHex(t, piigthHex)
	raw[len(raw)-2] ^= 0xFF
	if _, err := Parse(raw, FormatMBus); err == nil {
		t.Fatalf("expected checksum error")
	}
}

func TestDetect(t *testing.T) {
	cases := []struct {
		name string
		raw  []byte
		want Format
		err  error
	}{
		{"wmbus", decodeHex(t, multical21Hex), FormatWMBus, nil},
		{"mbus", decodeHex(t, piigthHex), FormatMBus, nil},
		{"garbage", []byte{0x01, 0x02, 0x03}, "", ErrUnknownFormat},
		{"wrong length", decodeHex(t, "FF442D2C998734761B168D"), "", ErrUnknownFormat},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Detect(tc.raw)
			if !errors.Is(err, tc.err) {
				t.Fatalf("error %v, want %v", err, tc.err)
			}
			if got != tc.want {
				t.Fatalf("format %q, want %q", got, tc.want)
			}
		})
	}
}

func TestDetectAmbiguous(t *testing.T) {
	// A 105 byte M-Bus long frame also satisfies the wM-Bus length rule.
	raw := make([]byte, 0x68+1)
	raw[0], raw[1], raw[2], raw[3] = 0x68, 0x63, 0x63, 0x68
	raw[4], raw[5], raw[6] = 0x08, 0x01, 0x72
	raw[len(raw)-2] = mbusChecksum(raw[4 : len(raw)-2])
	raw[len(raw)-1] = 0x16
	if _, err := Detect(raw); !errors.Is(err, ErrAmbiguousFormat) {
		t.Fatalf("expected ambiguity, got %v", err)
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat(""); err != nil || f != "" {
		t.Fatalf("empty format: %q %v", f, err)
	}
	if f, err := ParseFormat("mbus"); err != nil || f != FormatMBus {
		t.Fatalf("mbus: %q %v", f, err)
	}
	if _, err := ParseFormat("wired"); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func TestCRC16EN13757(t *testing.T) {
	if got := CRC16EN13757(decodeHex(t, "02FF2004134413615B6167")); got != 0xA8ED {
		t.Fatalf("crc 0x%04X", got)
	}
	if got := CRC16EN13757(decodeHex(t, "7802FF20000004132F4E000092013B3D01A1015B028101E7FF0F03")); got != 0x8846 {
		t.Fatalf("crc 0x%04X", got)
	}
}

func TestManufacturerCode(t *testing.T) {
	if got := ManufacturerCode("KAM"); got != 0x2C2D {
		t.Fatalf("KAM = 0x%04X", got)
	}
	for _, flag := range []string{"SEN", "LAS", "PII", "BMT", "SON"} {
		if got := ManufacturerFlag(ManufacturerCode(flag)); got != flag {
			t.Fatalf("round trip %s -> %s", flag, got)
		}
	}
}

func TestMediaAndStatus(t *testing.T) {
	if got := MediaName(0x16); got != "cold water" {
		t.Fatalf("media %q", got)
	}
	if got := MediaName(0x1D); got != "reserved" {
		t.Fatalf("media %q", got)
	}
	if got := StatusText(0x00, nil); got != "OK" {
		t.Fatalf("status %q", got)
	}
	mfct := []StatusBit{{0x40, "SABOTAGE_ENCLOSURE"}}
	if got := StatusText(0x4C, mfct); got != "PERMANENT_ERROR POWER_LOW SABOTAGE_ENCLOSURE" {
		t.Fatalf("status %q", got)
	}
	if got := StatusText(0x40, nil); got != "OK" {
		t.Fatalf("unnamed manufacturer bits should be ignored, got %q", got)
	}
}

func decodeHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("hex decode: %v", err)
	}
	return b
}
