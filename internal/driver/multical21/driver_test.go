package multical21

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"gitlab.com/d21d3q/wmbusd/internal/testutil"
)

const (
	tapWaterKey = "28F64A24988064A079AA2C807D6102AE"
	tapWater    = "2A442D2C998734761B168D2091D37CAC21576C78_02FF207100041308190000441308190000615B7F616713"
	tapCompact  = "23442D2C998734761B168D2087D19EAD217F1779EDA86AB6_710008190000081900007F13"
	vadden      = "2D442D2C776655441B168D2083B48D3A20_46887802FF20000004132F4E000092013B3D01A1015B028101E7FF0F03"
	vaddenShort = "21442D2C776655441B168D2079CC8C3A20_F4307912C40DFF00002F4E00003D010203"
)

func TestProcessFullFrame(t *testing.T) {
	tg, p := testutil.Telegram(t, tapWater, "")
	fields, err := (Driver{}).Process(context.Background(), tg, p)
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"status":                 "DRY",
		"total_m3":               6.408,
		"target_m3":              6.408,
		"flow_temperature_c":     127.0,
		"external_temperature_c": 19.0,
		"current_status":         "DRY",
		"time_dry":               "22-31 days",
		"time_reversed":          "",
		"time_leaking":           "",
		"time_bursting":          "",
	}, fields)
}

func TestProcessCompactFrame(t *testing.T) {
	tg, p := testutil.Telegram(t, tapCompact, tapWaterKey, Driver{}.KnownFormats()...)
	fields, err := (Driver{}).Process(context.Background(), tg, p)
	require.NoError(t, err)
	if tg.ID() != "76348799" {
		t.Fatalf("unexpected id %s", tg.ID())
	}
	require.Equal(t, 6.408, fields["total_m3"])
	require.Equal(t, "22-31 days", fields["time_dry"])
}

func TestProcessVadden(t *testing.T) {
	want := map[string]any{
		"status":                 "OK",
		"total_m3":               20.015,
		"flow_temperature_c":     2.0,
		"external_temperature_c": 3.0,
		"max_flow_m3h":           0.317,
		"current_status":         "",
		"time_dry":               "",
		"time_reversed":          "",
		"time_leaking":           "",
		"time_bursting":          "",
	}
	for _, telegram := range []string{vadden, vaddenShort} {
		tg, p := testutil.Telegram(t, telegram, "", Driver{}.KnownFormats()...)
		fields, err := (Driver{}).Process(context.Background(), tg, p)
		require.NoError(t, err)
		require.Equal(t, want, fields)
	}
}

func TestDurationTables(t *testing.T) {
	require.Equal(t, "9-24 hours", timeReversed.Translate(0x0100))
	require.Equal(t, "4-7 days", timeLeaking.Translate(0x1000))
	require.Equal(t, "15-21 days", timeBursting.Translate(0xC000))
	require.Equal(t, "LEAK BURST", status.Translate(0x000C))
}
