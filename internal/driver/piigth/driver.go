package piigth

import (
	"context"

	"gitlab.com/d21d3q/wmbusd/internal/driver"
	"gitlab.com/d21d3q/wmbusd/internal/driver/wmbus"
	"gitlab.com/d21d3q/wmbusd/internal/frame"
)

var manufacturerPII = frame.ManufacturerCode("PII")

func init() {
	driver.Register(Driver{}, driver.Detection{
		Manufacturer: manufacturerPII,
		DeviceTypes:  []byte{0x1B},
		Versions:     []byte{0x01},
	})
}

// Driver decodes the wired M-Bus room sensor for temperature and humidity.
// Storage 1 holds the one hour average, storage 2 the 24 hour average.
type Driver struct{}

// Name returns the canonical driver name.
func (Driver) Name() string { return "piigth" }

// Each reading comes as current value (storage 0) and its averages.
var readings = []struct {
	vif   wmbus.VIFRange
	names [3]string
}{
	{wmbus.ExternalTemperature, [3]string{
		"temperature_c", "average_temperature_1h_c", "average_temperature_24h_c",
	}},
	{wmbus.RelativeHumidity, [3]string{
		"relative_humidity_rh", "average_relative_humidity_1h_rh", "average_relative_humidity_24h_rh",
	}},
}

// Process reports current and averaged readings plus the fabrication number.
func (Driver) Process(_ context.Context, _ *frame.Telegram, p wmbus.Payload) (map[string]any, error) {
	fields := make(map[string]any)
	for _, r := range readings {
		for storage, name := range r.names {
			if err := driver.SetScaled(fields, name, p, wmbus.Matcher{VIF: r.vif, Storage: storage}); err != nil {
				return nil, err
			}
		}
	}
	if rec, ok := p.Match(wmbus.Matcher{VIF: wmbus.FabricationNo}); ok {
		fields["fabrication_no"] = rec.Digits()
	}
	return fields, nil
}
