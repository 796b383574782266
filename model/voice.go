package model

// VoiceType identifies one of the fixed playback channels.
type VoiceType string

const (
	VoiceBass    VoiceType = "bass"
	VoiceTenor   VoiceType = "tenor"
	VoiceAlto    VoiceType = "alto"
	VoiceSoprano VoiceType = "soprano"
)

// VoicePart is the immutable configuration of one playback channel.
type VoicePart struct {
	Type    VoiceType `json:"type"`
	Label   string    `json:"label"`
	MinFreq float64   `json:"minFreq"`
	MaxFreq float64   `json:"maxFreq"`
}

// Contains reports whether a frequency lies inside the part's valid range.
func (p VoicePart) Contains(freq float64) bool {
	return freq >= p.MinFreq && freq <= p.MaxFreq
}

// Clamp pulls a frequency into the part's valid range.
func (p VoicePart) Clamp(freq float64) float64 {
	if freq < p.MinFreq {
		return p.MinFreq
	}
	if freq > p.MaxFreq {
		return p.MaxFreq
	}
	return freq
}

// Note is a single tone to render. Immutable once enqueued.
type Note struct {
	Frequency float64 `json:"frequency"` // Hz, > 0
	Duration  float64 `json:"duration"`  // seconds, > 0
	Name      string  `json:"name"`
	MaxGain   float64 `json:"maxGain"` // (0, 1]
	// ScheduledStartTime is a server timestamp in milliseconds; zero means
	// "as soon as the queue reaches it".
	ScheduledStartTime int64 `json:"scheduledStartTime,omitempty"`
}

// Valid reports whether the note's fields are within their contracts.
func (n Note) Valid() bool {
	return n.Frequency > 0 && n.Duration > 0 && n.MaxGain > 0 && n.MaxGain <= 1
}

// PlaybackState is the authoritative replicated state of one voice part.
// LastUpdated is a server timestamp in milliseconds and is monotonically
// non-decreasing per voice; stale writes are dropped.
type PlaybackState struct {
	IsPlaying   bool   `json:"isPlaying"`
	NoteQueue   []Note `json:"noteQueue"`
	LastUpdated int64  `json:"lastUpdated"`
}

// Clone returns a deep copy so callers can hand the state across goroutines.
func (s PlaybackState) Clone() PlaybackState {
	out := s
	out.NoteQueue = make([]Note, len(s.NoteQueue))
	copy(out.NoteQueue, s.NoteQueue)
	return out
}
