package frame

import "strings"

var mediaNames = map[byte]string{
	0x00: "other",
	0x01: "oil",
	0x02: "electricity",
	0x03: "gas",
	0x04: "heat",
	0x05: "steam",
	0x06: "warm water",
	0x07: "water",
	0x08: "heat cost allocation",
	0x09: "compressed air",
	0x0A: "cooling load volume at outlet",
	0x0B: "cooling load volume at inlet",
	0x0C: "heat volume at inlet",
	0x0D: "heat/cooling load",
	0x0E: "bus/system component",
	0x0F: "unknown",
	0x15: "hot water",
	0x16: "cold water",
	0x17: "hot/cold water",
	0x18: "pressure",
	0x19: "a/d converter",
	0x1A: "smoke detector",
	0x1B: "room sensor",
	0x1C: "gas detector",
	0x20: "breaker",
	0x21: "valve",
	0x25: "customer unit (display device)",
	0x28: "waste water",
	0x29: "garbage",
	0x36: "radio converter (system side)",
	0x37: "radio converter (meter side)",
	// Techem manufacturer specific codes.
	0x62: "warm water",
	0x72: "cold water",
	0xC3: "heat",
}

// MediaName maps the device type of an address to the media reported to
// clients.
func MediaName(deviceType byte) string {
	if name, ok := mediaNames[deviceType]; ok {
		return name
	}
	if deviceType >= 0x10 && deviceType <= 0x3F {
		return "reserved"
	}
	return "Unknown"
}

// ManufacturerFlag renders a manufacturer code as its three letters.
func ManufacturerFlag(m uint16) string {
	return string([]byte{
		byte((m>>10)&0x1F) + 64,
		byte((m>>5)&0x1F) + 64,
		byte(m&0x1F) + 64,
	})
}

// ManufacturerCode is the inverse of ManufacturerFlag. It panics on a flag
// that is not three letters, since flags are compile-time constants.
func ManufacturerCode(flag string) uint16 {
	flag = strings.ToUpper(flag)
	if len(flag) != 3 {
		panic("frame: manufacturer flag must have three letters: " + flag)
	}
	var code uint16
	for i := 0; i < 3; i++ {
		c := flag[i]
		if c < 'A' || c > 'Z' {
			panic("frame: manufacturer flag must have three letters: " + flag)
		}
		code = code<<5 | uint16(c-64)
	}
	return code
}
