package lansenpu

import (
	"context"

	"gitlab.com/d21d3q/wmbusd/internal/driver"
	"gitlab.com/d21d3q/wmbusd/internal/driver/wmbus"
	"gitlab.com/d21d3q/wmbusd/internal/frame"
)

var manufacturerLAS = frame.ManufacturerCode("LAS")

// Manufacturer bits of the TPL status byte.
var statusBits = []frame.StatusBit{
	{Mask: 0x40, Name: "SABOTAGE_ENCLOSURE"},
}

func init() {
	driver.Register(Driver{},
		driver.Detection{Manufacturer: manufacturerLAS, DeviceTypes: []byte{0x00}, Versions: []byte{0x14, 0x1B}},
		driver.Detection{Manufacturer: manufacturerLAS, DeviceTypes: []byte{0x02}, Versions: []byte{0x0B}},
	)
}

// Driver decodes the Lansen pulse counter with its two inputs.
type Driver struct{}

// Name returns the canonical driver name.
func (Driver) Name() string { return "lansenpu" }

// Process reports the pulse counters, which are 12 digit BCD and therefore
// fit a float64 exactly.
func (Driver) Process(_ context.Context, t *frame.Telegram, p wmbus.Payload) (map[string]any, error) {
	fields := map[string]any{
		"status": frame.StatusText(t.TPL.Status, statusBits),
	}
	if err := driver.SetCounter(fields, "a_counter", p, "0EFD3A"); err != nil {
		return nil, err
	}
	if err := driver.SetCounter(fields, "b_counter", p, "8E40FD3A"); err != nil {
		return nil, err
	}
	return fields, nil
}
