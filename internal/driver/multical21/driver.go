package multical21

import (
	"context"
	"encoding/hex"

	"gitlab.com/d21d3q/wmbusd/internal/driver"
	"gitlab.com/d21d3q/wmbusd/internal/driver/wmbus"
	"gitlab.com/d21d3q/wmbusd/internal/frame"
)

const (
	deviceTypeWarmWater = 0x06
	deviceTypeColdWater = 0x16
	version             = 0x1B

	statusKey = "02FF20"
)

var manufacturerKAM = frame.ManufacturerCode("KAM")

// Compact frames only carry the format signature. These are the DV headers
// of the two layouts the meter is known to send.
var knownFormats = []string{
	"02FF2004134413615B6167",
	"02FF20041392013BA1015B8101E7FF0F",
}

var errorFlags = []driver.Bit{
	{Mask: 0x01, Name: "DRY"},
	{Mask: 0x02, Name: "REVERSE"},
	{Mask: 0x04, Name: "LEAK"},
	{Mask: 0x08, Name: "BURST"},
}

var (
	status        = driver.BitFlags{Mask: 0x000F, Default: "OK", Bits: errorFlags}
	currentStatus = driver.BitFlags{Mask: 0x000F, Bits: errorFlags}

	durations = []string{"", "1-8 hours", "9-24 hours", "2-3 days", "4-7 days", "8-14 days", "15-21 days", "22-31 days"}

	timeDry      = durationMap(0x0070, 4)
	timeReversed = durationMap(0x0380, 7)
	timeLeaking  = durationMap(0x1C00, 10)
	timeBursting = durationMap(0xE000, 13)
)

func durationMap(mask uint64, shift uint) driver.IndexMap {
	values := make(map[uint64]string, len(durations))
	for i, d := range durations {
		values[uint64(i)<<shift] = d
	}
	return driver.IndexMap{Mask: mask, Values: values}
}

func init() {
	driver.Register(Driver{}, driver.Detection{
		Manufacturer: manufacturerKAM,
		DeviceTypes:  []byte{deviceTypeWarmWater, deviceTypeColdWater},
		Versions:     []byte{version},
	})
}

// Driver decodes Kamstrup Multical 21 and flowIQ water meters.
type Driver struct{}

var _ driver.FormatProvider = Driver{}

// Name returns the canonical driver name.
func (Driver) Name() string { return "multical21" }

// KnownFormats implements driver.FormatProvider.
func (Driver) KnownFormats() [][]byte {
	out := make([][]byte, 0, len(knownFormats))
	for _, h := range knownFormats {
		b, err := hex.DecodeString(h)
		if err != nil {
			panic(err)
		}
		out = append(out, b)
	}
	return out
}

// Process extracts volumes, temperatures and the info codes.
func (Driver) Process(_ context.Context, t *frame.Telegram, p wmbus.Payload) (map[string]any, error) {
	fields := make(map[string]any)
	numbers := []struct {
		name string
		m    wmbus.Matcher
	}{
		{"total_m3", wmbus.Matcher{VIF: wmbus.Volume}},
		{"target_m3", wmbus.Matcher{VIF: wmbus.Volume, Storage: 1}},
		{"flow_temperature_c", wmbus.Matcher{Function: wmbus.Minimum, VIF: wmbus.FlowTemperature, Storage: wmbus.AnyStorage}},
		{"external_temperature_c", wmbus.Matcher{
			Function:   wmbus.AnyFunction,
			VIF:        wmbus.ExternalTemperature,
			Storage:    wmbus.AnyStorage,
			Combinable: true,
		}},
		{"min_external_temperature_c", wmbus.Matcher{Function: wmbus.Minimum, VIF: wmbus.ExternalTemperature}},
		{"max_flow_m3h", wmbus.Matcher{Function: wmbus.Maximum, VIF: wmbus.VolumeFlow, Storage: wmbus.AnyStorage}},
	}
	for _, n := range numbers {
		if err := driver.SetScaled(fields, n.name, p, n.m); err != nil {
			return nil, err
		}
	}

	if rec, ok := p.Find(statusKey); ok {
		info := rec.Uint()
		fields["status"] = status.Translate(info)
		if t.TPL.Present {
			fields["status"] = driver.JoinStatus(status.Translate(info), frame.StatusText(t.TPL.Status, nil))
		}
		fields["current_status"] = currentStatus.Translate(info)
		fields["time_dry"] = timeDry.Translate(info)
		fields["time_reversed"] = timeReversed.Translate(info)
		fields["time_leaking"] = timeLeaking.Translate(info)
		fields["time_bursting"] = timeBursting.Translate(info)
	}
	return fields, nil
}
