package storage

import (
	"testing"

	"github.com/casspangell/drone-choir-app-sub000/model"
)

func TestVoiceFromFilename(t *testing.T) {
	cases := []struct {
		path string
		want model.VoiceType
		ok   bool
	}{
		{"/drop/tenor-drone1.wav", model.VoiceTenor, true},
		{"/drop/BASS-low.flac", model.VoiceBass, true},
		{"/drop/soprano-high-a.mp3", model.VoiceSoprano, true},
		{"/drop/drone1.wav", "", false},
		{"/drop/choir-mix.wav", "", false},
	}
	for _, c := range cases {
		got, ok := voiceFromFilename(c.path)
		if got != c.want || ok != c.ok {
			t.Errorf("voiceFromFilename(%q) = %q,%v want %q,%v", c.path, got, ok, c.want, c.ok)
		}
	}
}

func TestIsAudioFile(t *testing.T) {
	if !isAudioFile("/drop/tenor-a.WAV") {
		t.Error("wav not recognized")
	}
	if isAudioFile("/drop/tenor-a.tmp") {
		t.Error("tmp recognized as audio")
	}
}
