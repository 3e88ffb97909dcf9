package wmbus

// VIFCode identifies the value information of a record independent of the
// extension bits: primary VIFs map to 0x00..0x7F, the first VIFE after
// 0xFB to 0x100.., after 0xFD to 0x200.. and manufacturer VIF 0xFF to 0x300.
type VIFCode uint16

const (
	vifTableFB   VIFCode = 0x100
	vifTableFD   VIFCode = 0x200
	vifTableMfct VIFCode = 0x300
)

// VIFRange is an inclusive range of VIF codes.
type VIFRange struct {
	Lo, Hi VIFCode
}

// Contains reports whether c lies in the range.
func (r VIFRange) Contains(c VIFCode) bool {
	return c >= r.Lo && c <= r.Hi
}

var (
	AnyVIF              = VIFRange{0, 0xFFFF}
	EnergyWh            = VIFRange{0x00, 0x07}
	EnergyJ             = VIFRange{0x08, 0x0F}
	Volume              = VIFRange{0x10, 0x17}
	PowerW              = VIFRange{0x28, 0x2F}
	VolumeFlow          = VIFRange{0x38, 0x3F}
	FlowTemperature     = VIFRange{0x58, 0x5B}
	ReturnTemperature   = VIFRange{0x5C, 0x5F}
	TemperatureDiff     = VIFRange{0x60, 0x63}
	ExternalTemperature = VIFRange{0x64, 0x67}
	Date                = VIFRange{0x6C, 0x6C}
	DateTime            = VIFRange{0x6D, 0x6D}
	FabricationNo       = VIFRange{0x78, 0x78}
	RelativeHumidity    = VIFRange{vifTableFB | 0x1A, vifTableFB | 0x1B}
	SoftwareVersion     = VIFRange{vifTableFD | 0x0F, vifTableFD | 0x0F}
	Dimensionless       = VIFRange{vifTableFD | 0x3A, vifTableFD | 0x3A}
	ManufacturerVIF     = VIFRange{vifTableMfct, vifTableMfct | 0xFF}
)

// vifCode derives the code and the number of VIF bytes that belong to the
// code itself. Remaining VIFEs are combinable extensions.
func vifCode(raw []byte) (VIFCode, int) {
	if len(raw) == 0 {
		return 0, 0
	}
	switch raw[0] {
	case 0xFB, 0xFD:
		table := vifTableFB
		if raw[0] == 0xFD {
			table = vifTableFD
		}
		if len(raw) < 2 {
			return table, 1
		}
		return table | VIFCode(raw[1]&0x7F), 2
	case 0xFF:
		if len(raw) < 2 {
			return vifTableMfct, 1
		}
		return vifTableMfct | VIFCode(raw[1]&0x7F), 2
	default:
		return VIFCode(raw[0] & 0x7F), 1
	}
}

// scaleExponent returns the power of ten that turns the raw value of code
// into the unit the field is reported in (m3, m3/h, kWh, MJ, kW, C, K, %).
func scaleExponent(c VIFCode) (int, bool) {
	n := int(c)
	switch {
	case EnergyWh.Contains(c):
		return n&0x07 - 6, true
	case EnergyJ.Contains(c):
		// MJ
		return n&0x07 - 6, true
	case Volume.Contains(c):
		return n&0x07 - 6, true
	case PowerW.Contains(c):
		return n&0x07 - 6, true
	case VolumeFlow.Contains(c):
		return n&0x07 - 6, true
	case FlowTemperature.Contains(c), ReturnTemperature.Contains(c),
		TemperatureDiff.Contains(c), ExternalTemperature.Contains(c):
		return n&0x03 - 3, true
	case RelativeHumidity.Contains(c):
		return n&0x01 - 1, true
	case Dimensionless.Contains(c):
		return 0, true
	default:
		return 0, false
	}
}
