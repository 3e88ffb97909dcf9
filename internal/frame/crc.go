package frame

const crcPolyEN13757 = 0x3D65

// CRC16EN13757 computes the CRC used by EN 13757 link layers, ELL payloads
// and compact frame signatures.
func CRC16EN13757(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ crcPolyEN13757
			} else {
				crc <<= 1
			}
		}
	}
	return ^crc
}
