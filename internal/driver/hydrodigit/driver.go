package hydrodigit

import (
	"context"
	"fmt"

	"gitlab.com/d21d3q/wmbusd/internal/driver"
	"gitlab.com/d21d3q/wmbusd/internal/driver/wmbus"
	"gitlab.com/d21d3q/wmbusd/internal/frame"
)

const dateTimeFormat = "2006-01-02 15:04"

var manufacturerBMT = frame.ManufacturerCode("BMT")

// Manufacturer bits of the TPL status byte.
var statusBits = []frame.StatusBit{
	{Mask: 0x80, Name: "EMPTY_PIPE"},
	{Mask: 0x40, Name: "REVERSE_FLOW"},
	{Mask: 0x20, Name: "FREEZING"},
}

func init() {
	driver.Register(Driver{},
		driver.Detection{Manufacturer: manufacturerBMT, DeviceTypes: []byte{0x06}, Versions: []byte{0x13}},
		driver.Detection{Manufacturer: manufacturerBMT, DeviceTypes: []byte{0x07}, Versions: []byte{0x13, 0x15}},
	)
}

// Driver decodes BMeters Hydrodigit and Hydrolink water meters, including
// the monthly history carried in their manufacturer data.
type Driver struct{}

// Name returns the canonical driver name.
func (Driver) Name() string { return "hydrodigit" }

// Process reports the standard readings and the manufacturer block.
func (Driver) Process(_ context.Context, t *frame.Telegram, p wmbus.Payload) (map[string]any, error) {
	fields := map[string]any{
		"status": frame.StatusText(t.TPL.Status, statusBits),
	}
	volumeExp := -3
	if rec, ok := p.Match(wmbus.Matcher{VIF: wmbus.Volume}); ok {
		v, err := rec.Scaled()
		if err != nil {
			return nil, fmt.Errorf("total_m3: %w", err)
		}
		fields["total_m3"] = v
		volumeExp, _ = rec.Exponent()
	}
	if rec, ok := p.Match(wmbus.Matcher{VIF: wmbus.DateTime}); ok {
		when, err := rec.Time()
		if err != nil {
			return nil, fmt.Errorf("meter_datetime: %w", err)
		}
		fields["meter_datetime"] = when.Format(dateTimeFormat)
	}
	if len(p.Manufacturer) == 0 {
		return fields, nil
	}

	mfct, err := ParseManufacturerData(p.Manufacturer, volumeExp)
	if err != nil {
		return nil, fmt.Errorf("hydrodigit manufacturer data: %w", err)
	}
	switch mfct.Variant {
	case VariantLegacy:
		fields["contents"] = mfct.Contents
		fields["voltage_v"] = mfct.Voltage
		if mfct.BackflowM3 > 0 {
			fields["backflow_m3"] = mfct.BackflowM3
		}
		if mfct.LeakDate != "" {
			fields["leak_date"] = mfct.LeakDate
		}
		for month, v := range mfct.Monthly {
			if v != 0 {
				fields[month.String()+"_total_m3"] = v
			}
		}
	case VariantExtended:
		fields["battery_pct"] = float64(mfct.BatteryPct)
		fields["error_bits_hex"] = fmt.Sprintf("0x%06X", mfct.ErrorBits)
		if s := mfct.Sections; s.HasReverseFlow {
			fields["reverse_flow_m3"] = s.ReverseFlowM3
		}
		optional := map[string]string{
			"empty_pipe_date":   mfct.Sections.EmptyPipeDate,
			"leak_event_date":   mfct.Sections.LeakEventDate,
			"freeze_event_date": mfct.Sections.FreezeEventDate,
		}
		for name, v := range optional {
			if v != "" {
				fields[name] = v
			}
		}
		for i, v := range mfct.Sections.MonthlyHistory {
			if v != 0 {
				fields[fmt.Sprintf("history_%d_m3", i+1)] = v
			}
		}
	}
	return fields, nil
}
