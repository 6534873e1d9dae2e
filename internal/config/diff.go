package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// (listen address, providers, storage) requires a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	PersonasChanged bool
	PersonaChanges  []PersonaDiff

	DefaultPersonaChanged bool

	// SpeechChanged is true if the voice selector, rate, volume, or gap changed.
	SpeechChanged bool
}

// PersonaDiff describes what changed for a single persona.
type PersonaDiff struct {
	Name          string
	PromptChanged bool
	ModelChanged  bool
	Added         bool
	Removed       bool
}

// Empty reports whether d carries no changes.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.PersonasChanged && !d.DefaultPersonaChanged && !d.SpeechChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.DefaultPersonaChanged = old.DefaultPersona != new.DefaultPersona

	os, ns := old.Speech, new.Speech
	d.SpeechChanged = os.Voice != ns.Voice || os.Rate != ns.Rate || os.Volume != ns.Volume || os.Gap != ns.Gap

	oldByName := make(map[string]*PersonaConfig, len(old.Personas))
	for i := range old.Personas {
		oldByName[old.Personas[i].Name] = &old.Personas[i]
	}
	newByName := make(map[string]*PersonaConfig, len(new.Personas))
	for i := range new.Personas {
		newByName[new.Personas[i].Name] = &new.Personas[i]
	}

	for name, op := range oldByName {
		np, ok := newByName[name]
		if !ok {
			d.PersonaChanges = append(d.PersonaChanges, PersonaDiff{Name: name, Removed: true})
			continue
		}
		pd := PersonaDiff{
			Name:          name,
			PromptChanged: op.SystemPrompt != np.SystemPrompt,
			ModelChanged:  op.Model != np.Model,
		}
		if pd.PromptChanged || pd.ModelChanged {
			d.PersonaChanges = append(d.PersonaChanges, pd)
		}
	}
	for name := range newByName {
		if _, ok := oldByName[name]; !ok {
			d.PersonaChanges = append(d.PersonaChanges, PersonaDiff{Name: name, Added: true})
		}
	}
	slices.SortFunc(d.PersonaChanges, func(a, b PersonaDiff) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	d.PersonasChanged = len(d.PersonaChanges) > 0

	// Reordering alone is a change too: the picker shows personas in order.
	if !d.PersonasChanged && !slices.EqualFunc(old.Personas, new.Personas, func(a, b PersonaConfig) bool {
		return a.Name == b.Name
	}) {
		d.PersonasChanged = true
	}
	return d
}
