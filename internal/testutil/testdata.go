// Package testutil prepares telegrams for driver tests without going
// through the decoder.
package testutil

import (
	"encoding/hex"
	"strings"
	"testing"

	"gitlab.com/d21d3q/wmbusd/internal/crypto"
	"gitlab.com/d21d3q/wmbusd/internal/driver/wmbus"
	"gitlab.com/d21d3q/wmbusd/internal/frame"
)

// Hex decodes a telegram written with the usual | and _ separators.
func Hex(t *testing.T, s string) []byte {
	t.Helper()
	clean := strings.NewReplacer("|", "", "_", "", " ", "", "#", "").Replace(s)
	raw, err := hex.DecodeString(clean)
	if err != nil {
		t.Fatalf("decode %q: %v", s, err)
	}
	return raw
}

// Telegram parses, decrypts and splits a telegram into records. keyHex may be
// empty. Compact frames are expanded with formats.
func Telegram(t *testing.T, s, keyHex string, formats ...[]byte) (*frame.Telegram, wmbus.Payload) {
	t.Helper()
	raw := Hex(t, s)
	format, err := frame.Detect(raw)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	tg, err := frame.Parse(raw, format)
	if err != nil {
		t.Fatalf("frame.Parse: %v", err)
	}
	var key []byte
	if keyHex != "" {
		key = Hex(t, keyHex)
	}
	block, err := crypto.NewBlock(key)
	if err != nil {
		t.Fatalf("NewBlock: %v", err)
	}
	if err := crypto.OpenELL(tg, block); err != nil {
		t.Fatalf("OpenELL: %v", err)
	}
	if err := tg.ParseTransport(); err != nil {
		t.Fatalf("ParseTransport: %v", err)
	}
	if err := crypto.DecryptTPL(tg, block); err != nil {
		t.Fatalf("DecryptTPL: %v", err)
	}
	data := tg.Payload
	if tg.TPL.Compact {
		header, ok := wmbus.NewFormatStore(formats...).Lookup(tg.TPL.FormatSignature)
		if !ok {
			t.Fatalf("no format for signature 0x%04X", tg.TPL.FormatSignature)
		}
		data, err = wmbus.ExpandCompact(header, data, tg.TPL.FullCRC)
		if err != nil {
			t.Fatalf("ExpandCompact: %v", err)
		}
	}
	p, err := wmbus.ParseRecords(data)
	if err != nil {
		t.Fatalf("ParseRecords: %v", err)
	}
	return tg, p
}
