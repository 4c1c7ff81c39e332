package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// GateChanged is set when the draft confidence gate moved.
	GateChanged bool
	NewGate     float64

	// BudgetChanged is set when any spend cap moved.
	BudgetChanged bool
	NewBudget     BudgetConfig

	SpecialistsChanged bool
	SpecialistChanges  []SpecialistDiff

	// WeightsChanged is set when the intent rule weights moved.
	WeightsChanged bool
}

// SpecialistDiff describes what changed for a single specialist between two
// configs.
type SpecialistDiff struct {
	Name           string
	TuningChanged  bool // token cap, timeout, temperature, priority, or role
	DomainsChanged bool
	Added          bool
	Removed        bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart; provider,
// memory, and server topology changes require one.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Draft.ConfidenceGate != new.Draft.ConfidenceGate {
		d.GateChanged = true
		d.NewGate = new.Draft.ConfidenceGate
	}

	if old.Budget != new.Budget {
		d.BudgetChanged = true
		d.NewBudget = new.Budget
	}

	oldSpecs := make(map[string]*SpecialistConfig, len(old.Specialists))
	for i := range old.Specialists {
		oldSpecs[old.Specialists[i].Name] = &old.Specialists[i]
	}
	newSpecs := make(map[string]*SpecialistConfig, len(new.Specialists))
	for i := range new.Specialists {
		newSpecs[new.Specialists[i].Name] = &new.Specialists[i]
	}

	for name, oldSpec := range oldSpecs {
		newSpec, exists := newSpecs[name]
		if !exists {
			d.SpecialistChanges = append(d.SpecialistChanges, SpecialistDiff{Name: name, Removed: true})
			d.SpecialistsChanged = true
			continue
		}
		sd := diffSpecialist(name, oldSpec, newSpec)
		if sd.TuningChanged || sd.DomainsChanged {
			d.SpecialistChanges = append(d.SpecialistChanges, sd)
			d.SpecialistsChanged = true
		}
	}
	for name := range newSpecs {
		if _, exists := oldSpecs[name]; !exists {
			d.SpecialistChanges = append(d.SpecialistChanges, SpecialistDiff{Name: name, Added: true})
			d.SpecialistsChanged = true
		}
	}

	if !mapsEqual(old.Intent.Weights, new.Intent.Weights) {
		d.WeightsChanged = true
	}

	return d
}

// diffSpecialist compares two specialist configs with the same name.
func diffSpecialist(name string, old, new *SpecialistConfig) SpecialistDiff {
	sd := SpecialistDiff{Name: name}
	if old.TokenCap != new.TokenCap || old.Timeout != new.Timeout ||
		old.Temperature != new.Temperature || old.Priority != new.Priority ||
		old.Role != new.Role || old.Provider != new.Provider {
		sd.TuningChanged = true
	}
	if !slices.Equal(old.DomainTags, new.DomainTags) {
		sd.DomainsChanged = true
	}
	return sd
}

func mapsEqual(a, b map[string]float64) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
