package hydrodigit

import (
	"math"
	"strings"
	"testing"
	"time"

	"gitlab.com/d21d3q/wmbusd/internal/testutil"
)

func TestLegacyManufacturerBlock(t *testing.T) {
	_, p := testutil.Telegram(t, hydrodigitWater, "")
	data, err := ParseManufacturerData(p.Manufacturer, -3)
	if err != nil {
		t.Fatalf("ParseManufacturerData: %v", err)
	}
	if data.Variant != VariantLegacy {
		t.Fatalf("expected legacy variant, got %s", data.Variant)
	}
	if data.Contents != "Backflow, alarms and monthly data" {
		t.Fatalf("unexpected contents: %s", data.Contents)
	}
	if data.Voltage != 3.7 {
		t.Fatalf("unexpected voltage %.2f", data.Voltage)
	}
	wantMonths := map[time.Month]float64{
		time.January:   1.93,
		time.April:     2.53,
		time.September: 3.60,
		time.December:  1.79,
	}
	for month, want := range wantMonths {
		got, ok := data.Monthly[month]
		if !ok {
			t.Fatalf("missing month %s", month)
		}
		if math.Abs(got-want) > 0.01 {
			t.Fatalf("month %s mismatch: got %.2f want %.2f", month, got, want)
		}
	}
}

func TestLegacyLeakDate(t *testing.T) {
	block := testutil.Hex(t, "95_0B_240425_07000000"+strings.Repeat("640000", 12))
	data, err := ParseManufacturerData(block, -3)
	if err != nil {
		t.Fatalf("ParseManufacturerData: %v", err)
	}
	if data.LeakDate != "25.04.2024" {
		t.Fatalf("unexpected leak date %s", data.LeakDate)
	}
	if data.BackflowM3 != 0.007 {
		t.Fatalf("unexpected backflow %.3f", data.BackflowM3)
	}
	if data.Voltage != 3.2 {
		t.Fatalf("unexpected voltage %.2f", data.Voltage)
	}
	if data.Monthly[time.June] != 1 {
		t.Fatalf("unexpected June total %.2f", data.Monthly[time.June])
	}
}

func TestExtendedManufacturerBlock(t *testing.T) {
	block := testutil.Hex(t, "84_290357_5D_00112233445566_FFFFFF_240425_231201_0102030405")
	data, err := ParseManufacturerData(block, -3)
	if err != nil {
		t.Fatalf("ParseManufacturerData: %v", err)
	}
	if data.Variant != VariantExtended {
		t.Fatalf("expected extended variant, got %s", data.Variant)
	}
	if data.BatteryRaw != 0x84 || data.BatteryPct != 100 {
		t.Fatalf("unexpected battery raw %02X clamped %d", data.BatteryRaw, data.BatteryPct)
	}
	if data.ErrorBits != 0x290357 {
		t.Fatalf("unexpected error bits 0x%06X", data.ErrorBits)
	}
	if data.Sections.EmptyPipeDate != "" {
		t.Fatalf("invalid BCD date should be skipped, got %s", data.Sections.EmptyPipeDate)
	}
	if data.Sections.LeakEventDate != "2024-04-25" || data.Sections.FreezeEventDate != "2023-12-01" {
		t.Fatalf("unexpected dates %+v", data.Sections)
	}
}

func TestManufacturerBlockErrors(t *testing.T) {
	if _, err := ParseManufacturerData(nil, -3); err == nil {
		t.Fatalf("expected error for empty block")
	}
	if _, err := ParseManufacturerData([]byte{0x84, 0x00}, -3); err == nil {
		t.Fatalf("expected error for short block")
	}
	if _, err := ParseManufacturerData(testutil.Hex(t, "84_000000_80_0102"), -3); err == nil {
		t.Fatalf("expected error for truncated monthly history")
	}
}
