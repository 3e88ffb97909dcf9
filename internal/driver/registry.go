package driver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gitlab.com/d21d3q/wmbusd/internal/driver/wmbus"
	"gitlab.com/d21d3q/wmbusd/internal/frame"
)

var (
	ErrNotFound  = errors.New("no driver found")
	ErrAmbiguous = errors.New("several drivers match equally well")
)

// Detection describes the link-layer addresses a driver understands. Empty
// DeviceTypes or Versions match any value, which makes the detection less
// specific.
type Detection struct {
	Manufacturer uint16
	DeviceTypes  []byte
	Versions     []byte
	// Priority breaks ties between equally specific detections.
	Priority int
}

func (d Detection) matches(addr frame.Address) bool {
	if d.Manufacturer != addr.Manufacturer {
		return false
	}
	if len(d.DeviceTypes) > 0 && !containsByte(d.DeviceTypes, addr.DeviceType) {
		return false
	}
	if len(d.Versions) > 0 && !containsByte(d.Versions, addr.Version) {
		return false
	}
	return true
}

func (d Detection) specificity() int {
	n := 1
	if len(d.DeviceTypes) > 0 {
		n++
	}
	if len(d.Versions) > 0 {
		n++
	}
	return n
}

// Driver extracts fields from a telegram whose payload has already been
// decrypted and split into records.
type Driver interface {
	Name() string
	Process(ctx context.Context, t *frame.Telegram, p wmbus.Payload) (map[string]any, error)
}

// FormatProvider is implemented by drivers that ship the DV headers of their
// compact frames, so a compact frame decodes even before a full frame from
// the same meter has been seen.
type FormatProvider interface {
	KnownFormats() [][]byte
}

// Entry pairs a driver with its detections.
type Entry struct {
	Driver     Driver
	Detections []Detection
}

// Registry is an immutable snapshot of drivers. Lookups take no locks.
type Registry struct {
	byName  map[string]Entry
	entries []Entry
}

// New builds a registry snapshot. It panics on duplicate driver names.
func New(entries ...Entry) *Registry {
	r := &Registry{byName: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		name := e.Driver.Name()
		if _, dup := r.byName[name]; dup {
			panic("driver: duplicate registration of " + name)
		}
		r.byName[name] = e
		r.entries = append(r.entries, e)
	}
	return r
}

// ByName returns the driver registered under name.
func (r *Registry) ByName(name string) (Driver, error) {
	e, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown driver %q", ErrNotFound, name)
	}
	return e.Driver, nil
}

// Lookup picks the driver whose detection matches addr most specifically,
// then by priority. A remaining tie is reported, never resolved arbitrarily.
func (r *Registry) Lookup(addr frame.Address) (Driver, error) {
	type candidate struct {
		drv         Driver
		specificity int
		priority    int
	}
	var best []candidate
	for _, e := range r.entries {
		var c *candidate
		for _, det := range e.Detections {
			if !det.matches(addr) {
				continue
			}
			if c == nil || det.specificity() > c.specificity ||
				(det.specificity() == c.specificity && det.Priority > c.priority) {
				c = &candidate{drv: e.Driver, specificity: det.specificity(), priority: det.Priority}
			}
		}
		if c == nil {
			continue
		}
		switch {
		case len(best) == 0,
			c.specificity > best[0].specificity,
			c.specificity == best[0].specificity && c.priority > best[0].priority:
			best = []candidate{*c}
		case c.specificity == best[0].specificity && c.priority == best[0].priority:
			best = append(best, *c)
		}
	}
	switch len(best) {
	case 0:
		return nil, fmt.Errorf("%w for manufacturer %s (0x%04X) type 0x%02X version 0x%02X",
			ErrNotFound, addr.ManufacturerFlag(), addr.Manufacturer, addr.DeviceType, addr.Version)
	case 1:
		return best[0].drv, nil
	default:
		names := make([]string, 0, len(best))
		for _, c := range best {
			names = append(names, c.drv.Name())
		}
		sort.Strings(names)
		return nil, fmt.Errorf("%w: %s", ErrAmbiguous, strings.Join(names, ", "))
	}
}

// Names lists the registered drivers alphabetically.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		names = append(names, e.Driver.Name())
	}
	sort.Strings(names)
	return names
}

var (
	regMu      sync.Mutex
	registered []Entry
	frozen     *Registry
)

// Register stores a driver with its detections. Drivers call it from init;
// registering after Default has been called panics.
func Register(drv Driver, detections ...Detection) {
	regMu.Lock()
	defer regMu.Unlock()
	if frozen != nil {
		panic("driver: Register called after the registry was frozen")
	}
	registered = append(registered, Entry{Driver: drv, Detections: detections})
}

// Default freezes the drivers registered so far into the process-wide
// snapshot and returns it.
func Default() *Registry {
	regMu.Lock()
	defer regMu.Unlock()
	if frozen == nil {
		frozen = New(registered...)
	}
	return frozen
}

func containsByte(list []byte, b byte) bool {
	for _, v := range list {
		if v == b {
			return true
		}
	}
	return false
}
