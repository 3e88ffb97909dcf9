package supercom587

import (
	"context"

	"gitlab.com/d21d3q/wmbusd/internal/driver"
	"gitlab.com/d21d3q/wmbusd/internal/driver/wmbus"
	"gitlab.com/d21d3q/wmbusd/internal/frame"
)

var manufacturerSON = frame.ManufacturerCode("SON")

func init() {
	driver.Register(Driver{}, driver.Detection{
		Manufacturer: manufacturerSON,
		DeviceTypes:  []byte{0x06, 0x07},
		Versions:     []byte{0x3C},
	})
}

// Driver decodes Sontex Supercom 587 water meters.
type Driver struct{}

// Name returns the canonical driver name.
func (Driver) Name() string { return "supercom587" }

// Process reports the total volume. The meter also sends billing date
// history, which is not reported.
func (Driver) Process(_ context.Context, _ *frame.Telegram, p wmbus.Payload) (map[string]any, error) {
	fields := make(map[string]any, 1)
	if err := driver.SetScaled(fields, "total_m3", p, wmbus.Matcher{VIF: wmbus.Volume}); err != nil {
		return nil, err
	}
	return fields, nil
}
