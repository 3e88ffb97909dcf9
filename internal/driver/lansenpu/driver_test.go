package lansenpu

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"gitlab.com/d21d3q/wmbusd/internal/frame"
	"gitlab.com/d21d3q/wmbusd/internal/testutil"
)

func TestProcess(t *testing.T) {
	cases := []struct {
		name     string
		telegram string
		media    string
		want     map[string]any
	}{
		{
			name:     "both counters",
			telegram: "234433300602010014007a8e0400002f2f0efd3a1147000000008e40fd3a341200000000",
			media:    "other",
			want:     map[string]any{"status": "POWER_LOW", "a_counter": 4711.0, "b_counter": 1234.0},
		},
		{
			name:     "counter b only",
			telegram: "1A443330503702000B027AD7000020|2F2F8E40FD3A700800000000",
			media:    "electricity",
			want:     map[string]any{"status": "OK", "b_counter": 870.0},
		},
		{
			name:     "manufacturer status bit",
			telegram: "1A443330503702000B027AD74c0020|2F2F8E40FD3A700800000000",
			media:    "electricity",
			want:     map[string]any{"status": "PERMANENT_ERROR POWER_LOW SABOTAGE_ENCLOSURE", "b_counter": 870.0},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tg, p := testutil.Telegram(t, tc.telegram, "")
			if got := frame.MediaName(tg.Address().DeviceType); got != tc.media {
				t.Fatalf("unexpected media %q", got)
			}
			fields, err := (Driver{}).Process(context.Background(), tg, p)
			require.NoError(t, err)
			require.Equal(t, tc.want, fields)
		})
	}
}
