package iperl

import (
	"context"

	"gitlab.com/d21d3q/wmbusd/internal/driver"
	"gitlab.com/d21d3q/wmbusd/internal/driver/wmbus"
	"gitlab.com/d21d3q/wmbusd/internal/frame"
)

var manufacturerSEN = frame.ManufacturerCode("SEN")

func init() {
	// 0x7C is the Sensus 640.
	driver.Register(Driver{},
		driver.Detection{Manufacturer: manufacturerSEN, DeviceTypes: []byte{0x06}, Versions: []byte{0x68}},
		driver.Detection{Manufacturer: manufacturerSEN, DeviceTypes: []byte{0x07}, Versions: []byte{0x68, 0x7C}},
	)
}

// Driver decodes Sensus iPERL water meters. Their telegrams are usually
// encrypted with AES-CBC in the transport layer.
type Driver struct{}

// Name returns the canonical driver name.
func (Driver) Name() string { return "iperl" }

// Process reports the total volume and the maximum flow of the last period.
func (Driver) Process(_ context.Context, _ *frame.Telegram, p wmbus.Payload) (map[string]any, error) {
	fields := make(map[string]any, 2)
	if err := driver.SetScaled(fields, "total_m3", p, wmbus.Matcher{VIF: wmbus.Volume}); err != nil {
		return nil, err
	}
	if err := driver.SetScaled(fields, "max_flow_m3h", p, wmbus.Matcher{VIF: wmbus.VolumeFlow}); err != nil {
		return nil, err
	}
	return fields, nil
}
