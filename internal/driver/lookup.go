package driver

import (
	"fmt"
	"sort"
	"strings"
)

// Bit names one bit of a status word.
type Bit struct {
	Mask uint64
	Name string
}

// BitFlags translates the set bits of a status word under Mask into space
// separated names. Default is returned when no named bit is set.
type BitFlags struct {
	Mask    uint64
	Default string
	Bits    []Bit
}

// Translate renders v.
func (f BitFlags) Translate(v uint64) string {
	v &= f.Mask
	var names []string
	for _, b := range f.Bits {
		if v&b.Mask != 0 {
			names = append(names, b.Name)
			v &^= b.Mask
		}
	}
	if v != 0 {
		names = append(names, fmt.Sprintf("UNKNOWN_%X", v))
	}
	if len(names) == 0 {
		return f.Default
	}
	return strings.Join(names, " ")
}

// IndexMap translates the value of the bits under Mask using a table.
type IndexMap struct {
	Mask   uint64
	Values map[uint64]string
}

// Translate renders v. Values missing from the table render as "".
func (m IndexMap) Translate(v uint64) string {
	return m.Values[v&m.Mask]
}

// JoinStatus merges status texts, dropping "OK" and empty parts. The result
// is sorted and de-duplicated, or "OK" when nothing remains.
func JoinStatus(parts ...string) string {
	seen := make(map[string]struct{})
	var flags []string
	for _, p := range parts {
		for _, f := range strings.Fields(p) {
			if f == "OK" {
				continue
			}
			if _, dup := seen[f]; dup {
				continue
			}
			seen[f] = struct{}{}
			flags = append(flags, f)
		}
	}
	if len(flags) == 0 {
		return "OK"
	}
	sort.Strings(flags)
	return strings.Join(flags, " ")
}
