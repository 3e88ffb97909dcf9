package wmbus

import (
	"errors"
	"fmt"
	"sync"

	"gitlab.com/d21d3q/wmbusd/internal/frame"
)

// ErrUnknownCompactFormat is returned when a compact frame refers to a
// format signature that has not been seen in a full frame yet.
var ErrUnknownCompactFormat = errors.New("compact frame format not known yet")

// Signature returns the compact frame format signature of a DV header.
func Signature(header []byte) uint16 {
	return frame.CRC16EN13757(header)
}

// FormatStore remembers DV headers by their signature so later compact
// frames from the same meter can be expanded.
type FormatStore struct {
	mu      sync.RWMutex
	formats map[uint16][]byte
}

// NewFormatStore returns an empty store seeded with known headers.
func NewFormatStore(known ...[]byte) *FormatStore {
	s := &FormatStore{formats: make(map[uint16][]byte)}
	for _, header := range known {
		s.Learn(header)
	}
	return s
}

// Learn stores header under its signature.
func (s *FormatStore) Learn(header []byte) {
	if len(header) == 0 {
		return
	}
	sig := Signature(header)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.formats[sig]; !ok {
		s.formats[sig] = append([]byte(nil), header...)
	}
}

// Lookup returns the header stored for sig.
func (s *FormatStore) Lookup(sig uint16) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	header, ok := s.formats[sig]
	return header, ok
}

// Len returns the number of known formats.
func (s *FormatStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.formats)
}

// ExpandCompact interleaves the DV header with the compact data and checks
// the result against the full frame CRC carried by the compact frame.
func ExpandCompact(header, data []byte, fullCRC uint16) ([]byte, error) {
	full := make([]byte, 0, len(header)+len(data))
	h, d := 0, 0
	for h < len(header) {
		dif := header[h]
		start := h
		h++
		length, ok := LengthForDIF(dif)
		if !ok {
			return nil, fmt.Errorf("compact format contains unsupported DIF 0x%02X", dif)
		}
		for ext := dif&0x80 != 0; ext; h++ {
			if h >= len(header) {
				return nil, fmt.Errorf("compact format truncated in DIFE")
			}
			ext = header[h]&0x80 != 0
		}
		for ext := true; ext; h++ {
			if h >= len(header) {
				return nil, fmt.Errorf("compact format truncated in VIF")
			}
			ext = header[h]&0x80 != 0
		}
		full = append(full, header[start:h]...)
		if length == lengthVariable {
			if d >= len(data) {
				return nil, fmt.Errorf("compact data truncated before LVAR")
			}
			n, err := lengthForLVAR(data[d])
			if err != nil {
				return nil, err
			}
			full = append(full, data[d])
			d++
			length = n
		}
		if d+length > len(data) {
			return nil, fmt.Errorf("compact data truncated for DIF 0x%02X", dif)
		}
		full = append(full, data[d:d+length]...)
		d += length
	}
	full = append(full, data[d:]...)
	if got := frame.CRC16EN13757(full); got != fullCRC {
		return nil, fmt.Errorf("expanded compact frame CRC 0x%04X, want 0x%04X", got, fullCRC)
	}
	return full, nil
}
