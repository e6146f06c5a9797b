package lab

import (
	"slices"
	"strings"
)

// Persona bundles the instructions that shape both the voice session and
// the consult lab.
type Persona struct {
	// Name is the config key ("doctor", "gaming").
	Name string

	// Voice is the prebuilt voice used for spoken replies.
	Voice string

	// VoiceInstructions is the system instruction of the voice session.
	VoiceInstructions string

	// ConsultInstructions is the system instruction of the consult lab.
	ConsultInstructions string
}

// Built-in personas.
var (
	Doctor = Persona{
		Name:              "doctor",
		Voice:             "Kore",
		VoiceInstructions: "You are doctor.ai. Professional and concise voice interface.",
		ConsultInstructions: "You are doctor.ai, a professional medical information assistant. " +
			"Answer clearly and concisely, cite reputable sources, and recommend seeing a " +
			"qualified clinician for diagnosis or treatment. Never claim to replace one.",
	}

	Gaming = Persona{
		Name:              "gaming",
		Voice:             "Puck",
		VoiceInstructions: "You are doctor.ai in coach mode. Upbeat, quick and tactical.",
		ConsultInstructions: "You are an ultra pro Free Fire MAX coach. Give concrete, current " +
			"strategies: loadouts, rotations, character and pet combos, and sensitivity tips. " +
			"Keep answers punchy and structured as short bullet points.",
	}
)

var personas = []Persona{Doctor, Gaming}

// LookupPersona returns the built-in persona with the given name. Matching
// is case-insensitive.
func LookupPersona(name string) (Persona, bool) {
	i := slices.IndexFunc(personas, func(p Persona) bool {
		return strings.EqualFold(p.Name, name)
	})
	if i < 0 {
		return Persona{}, false
	}
	return personas[i], true
}

// PersonaNames lists the built-in persona names.
func PersonaNames() []string {
	names := make([]string, len(personas))
	for i, p := range personas {
		names[i] = p.Name
	}
	return names
}
