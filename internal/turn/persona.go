package turn

import "strings"

// Persona binds a character identity to the voice it speaks with.
type Persona struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	VoiceID     string `json:"voice_id"`
	Style       string `json:"style"`
}

// PersonaDirectory resolves persona ids for turn requests.
type PersonaDirectory interface {
	Lookup(id string) (Persona, bool)
	Default() Persona
}

// StaticDirectory serves a fixed persona set from memory.
type StaticDirectory struct {
	personas  map[string]Persona
	defaultID string
}

func NewStaticDirectory(defaultVoiceID string) *StaticDirectory {
	personas := map[string]Persona{
		"narrator": {
			ID:          "narrator",
			DisplayName: "Narrator",
			VoiceID:     defaultVoiceID,
			Style:       "measured, warm, storytelling",
		},
		"companion": {
			ID:          "companion",
			DisplayName: "Companion",
			VoiceID:     defaultVoiceID,
			Style:       "casual, curious, encouraging",
		},
		"scholar": {
			ID:          "scholar",
			DisplayName: "Scholar",
			VoiceID:     defaultVoiceID,
			Style:       "precise, explanatory, patient",
		},
	}
	return &StaticDirectory{personas: personas, defaultID: "narrator"}
}

func (d *StaticDirectory) Lookup(id string) (Persona, bool) {
	p, ok := d.personas[strings.ToLower(strings.TrimSpace(id))]
	return p, ok
}

func (d *StaticDirectory) Default() Persona {
	return d.personas[d.defaultID]
}

func (d *StaticDirectory) All() []Persona {
	out := make([]Persona, 0, len(d.personas))
	for _, p := range d.personas {
		out = append(out, p)
	}
	return out
}
