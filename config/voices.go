package config

import "github.com/casspangell/drone-choir-app-sub000/model"

// voiceParts is the fixed voice-part table. Loaded once at process start;
// never mutated afterwards.
var voiceParts = []model.VoicePart{
	{Type: model.VoiceBass, Label: "Bass", MinFreq: 55, MaxFreq: 220},
	{Type: model.VoiceTenor, Label: "Tenor", MinFreq: 110, MaxFreq: 440},
	{Type: model.VoiceAlto, Label: "Alto", MinFreq: 176, MaxFreq: 704},
	{Type: model.VoiceSoprano, Label: "Soprano", MinFreq: 220, MaxFreq: 880},
}

// VoiceParts returns the configured voice parts in ascending register order.
func VoiceParts() []model.VoicePart {
	out := make([]model.VoicePart, len(voiceParts))
	copy(out, voiceParts)
	return out
}

// VoicePartByType looks up a voice part by its type identifier.
func VoicePartByType(t model.VoiceType) (model.VoicePart, bool) {
	for _, vp := range voiceParts {
		if vp.Type == t {
			return vp, true
		}
	}
	return model.VoicePart{}, false
}
