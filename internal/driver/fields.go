package driver

import (
	"fmt"

	"gitlab.com/d21d3q/wmbusd/internal/driver/wmbus"
)

// SetScaled stores the VIF scaled value of the record selected by m. A
// missing record leaves fields untouched.
func SetScaled(fields map[string]any, name string, p wmbus.Payload, m wmbus.Matcher) error {
	rec, ok := p.Match(m)
	if !ok {
		return nil
	}
	v, err := rec.Scaled()
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	fields[name] = v
	return nil
}

// SetCounter stores the unscaled value of the record stored under key.
func SetCounter(fields map[string]any, name string, p wmbus.Payload, key string) error {
	rec, ok := p.Find(key)
	if !ok {
		return nil
	}
	v, err := rec.Float()
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	fields[name] = v
	return nil
}
