package hydrodigit

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"gitlab.com/d21d3q/wmbusd/internal/testutil"
)

const hydrodigitWater = "4E44B4098686868613077AF0004005_2F2F0C1366380000046D27287E2A0F150E00000000C10000D10000E60000FD00000C01002F0100410100540100680100890000A00000B30000002F2F2F2F2F2F"

func TestDriverProcess(t *testing.T) {
	tg, p := testutil.Telegram(t, hydrodigitWater, "")
	if tg.ID() != "86868686" {
		t.Fatalf("unexpected id: %s", tg.ID())
	}
	fields, err := (Driver{}).Process(context.Background(), tg, p)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if total, ok := fields["total_m3"].(float64); !ok || math.Abs(total-3.866) > 0.001 {
		t.Fatalf("unexpected total_m3: %v", fields["total_m3"])
	}
	if fields["meter_datetime"] != "2019-10-30 08:39" {
		t.Fatalf("unexpected meter_datetime: %v", fields["meter_datetime"])
	}
	if month, ok := fields["April_total_m3"].(float64); !ok || math.Abs(month-2.53) > 0.01 {
		t.Fatalf("unexpected April_total_m3: %v", fields["April_total_m3"])
	}
	require.Equal(t, "OK", fields["status"])
	require.Equal(t, "Backflow, alarms and monthly data", fields["contents"])
	require.Equal(t, 3.7, fields["voltage_v"])
	require.NotContains(t, fields, "backflow_m3")
}

func TestDriverWithoutManufacturerBlock(t *testing.T) {
	tg, p := testutil.Telegram(t, "1A44B4098686868613077AF0000000_0C1366380000046D27287E2A", "")
	fields, err := (Driver{}).Process(context.Background(), tg, p)
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"status":         "OK",
		"total_m3":       3.866,
		"meter_datetime": "2019-10-30 08:39",
	}, fields)
}

func TestDriverExtendedBlock(t *testing.T) {
	tg, p := testutil.Telegram(t, "2B44B4098686868613077AF0800000_0C1366380000_0F_842903575E_112233_240115_240425_231201_0102030405", "")
	fields, err := (Driver{}).Process(context.Background(), tg, p)
	require.NoError(t, err)
	require.Equal(t, "EMPTY_PIPE", fields["status"])
	require.Equal(t, 100.0, fields["battery_pct"])
	require.Equal(t, "0x290357", fields["error_bits_hex"])
	require.Equal(t, 0x332211/1000.0, fields["reverse_flow_m3"])
	require.Equal(t, "2024-01-15", fields["empty_pipe_date"])
	require.Equal(t, "2024-04-25", fields["leak_event_date"])
	require.Equal(t, "2023-12-01", fields["freeze_event_date"])
}
