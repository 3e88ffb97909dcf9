package wmbus

const (
	// AnyFunction, AnyStorage and AnyTariff widen a Matcher field.
	AnyFunction MeasurementType = -1
	AnyStorage                  = -1
	AnyTariff                   = -1
)

// Matcher selects a record by its semantics instead of its exact key. The
// zero value matches an instantaneous value in storage 0, tariff 0 and
// subunit 0, with any VIF and no combinable VIF extensions.
type Matcher struct {
	Function MeasurementType
	VIF      VIFRange
	Storage  int
	Tariff   int
	Subunit  int
	// Combinable accepts records whose VIF carries extra VIFEs.
	Combinable bool
}

func (m Matcher) matches(rec Record) bool {
	if m.Function != AnyFunction && rec.Function != m.Function {
		return false
	}
	vif := m.VIF
	if vif == (VIFRange{}) {
		vif = AnyVIF
	}
	if !vif.Contains(rec.VIF()) {
		return false
	}
	if m.Storage != AnyStorage && rec.Storage != m.Storage {
		return false
	}
	if m.Tariff != AnyTariff && rec.Tariff != m.Tariff {
		return false
	}
	if rec.Subunit != m.Subunit {
		return false
	}
	return m.Combinable || !rec.Combinable()
}

// Match returns the first record selected by m.
func (p Payload) Match(m Matcher) (Record, bool) {
	for _, rec := range p.Records {
		if m.matches(rec) {
			return rec, true
		}
	}
	return Record{}, false
}
