package frame

import (
	"sort"
	"strings"
)

// StatusBit names one bit of the TPL status byte.
type StatusBit struct {
	Mask byte
	Name string
}

var statusBitDefs = []StatusBit{
	{0x04, "POWER_LOW"},
	{0x08, "PERMANENT_ERROR"},
	{0x10, "TEMPORARY_ERROR"},
}

var applicationStatus = [...]string{"", "BUSY", "ERROR", "ALARM"}

// StatusText decodes a TPL status byte into space separated flags sorted by
// name, or "OK" when nothing is set. The three manufacturer bits (0xE0) are
// only reported when the driver names them in mfct.
func StatusText(status byte, mfct []StatusBit) string {
	var flags []string
	if app := applicationStatus[status&0x03]; app != "" {
		flags = append(flags, app)
	}
	for _, def := range statusBitDefs {
		if status&def.Mask != 0 {
			flags = append(flags, def.Name)
		}
	}
	for _, def := range mfct {
		if status&def.Mask&0xE0 != 0 {
			flags = append(flags, def.Name)
		}
	}
	if len(flags) == 0 {
		return "OK"
	}
	sort.Strings(flags)
	return strings.Join(flags, " ")
}
