package choir

import (
	"context"
	stdsync "sync"

	"github.com/casspangell/drone-choir-app-sub000/logger"
	"github.com/casspangell/drone-choir-app-sub000/model"
)

// Snapshotter persists the latest accepted state per voice so the store
// survives a hub restart and the REST surface can answer cold. Best effort;
// failures are logged, never surfaced.
type Snapshotter interface {
	Save(ctx context.Context, voice model.VoiceType, state model.PlaybackState) error
	Load(ctx context.Context, voice model.VoiceType) (*model.PlaybackState, error)
}

// voiceState guards one voice part's authoritative state with its own
// mutex, so concurrent writes to different voices never contend.
type voiceState struct {
	mu    stdsync.Mutex
	part  model.VoicePart
	state model.PlaybackState
}

// Store holds the authoritative PlaybackState per voice part. The sole
// accepted writer is the current controller; stale writes (older
// lastUpdated) are dropped silently, which makes replays and out-of-order
// delivery idempotent.
type Store struct {
	voices   map[model.VoiceType]*voiceState
	snapshot Snapshotter // may be nil
}

// NewStore builds a store for the given voice parts. snapshot may be nil.
func NewStore(parts []model.VoicePart, snapshot Snapshotter) *Store {
	voices := make(map[model.VoiceType]*voiceState, len(parts))
	for _, p := range parts {
		voices[p.Type] = &voiceState{part: p}
	}
	return &Store{voices: voices, snapshot: snapshot}
}

// Restore reloads the last persisted snapshot of every voice. Called once
// at startup, before the hub accepts connections.
func (s *Store) Restore(ctx context.Context) {
	if s.snapshot == nil {
		return
	}
	for voice, vs := range s.voices {
		saved, err := s.snapshot.Load(ctx, voice)
		if err != nil {
			logger.Warn("state snapshot load failed",
				logger.String("voice", string(voice)),
				logger.ErrorField(err))
			continue
		}
		if saved == nil {
			continue
		}
		vs.mu.Lock()
		vs.state = saved.Clone()
		vs.mu.Unlock()
		logger.Info("voice state restored from snapshot",
			logger.String("voice", string(voice)),
			logger.Int64("lastUpdated", saved.LastUpdated))
	}
}

// Get returns a copy of the voice's current state.
func (s *Store) Get(voice model.VoiceType) (model.PlaybackState, bool) {
	vs, ok := s.voices[voice]
	if !ok {
		return model.PlaybackState{}, false
	}
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.state.Clone(), true
}

// Part returns the immutable configuration of a voice.
func (s *Store) Part(voice model.VoiceType) (model.VoicePart, bool) {
	vs, ok := s.voices[voice]
	if !ok {
		return model.VoicePart{}, false
	}
	return vs.part, true
}

// ApplyUpdate validates and stores a candidate state. Accepted only when
// the session holds the controller role and the candidate's lastUpdated is
// not older than the stored one (last-writer-wins by timestamp, not by
// arrival order). Returns the stored state on acceptance.
func (s *Store) ApplyUpdate(ctx context.Context, voice model.VoiceType, candidate model.PlaybackState, from *model.ClientSession) (model.PlaybackState, bool) {
	vs, ok := s.voices[voice]
	if !ok {
		logger.Warn("state update for unknown voice", logger.String("voice", string(voice)))
		return model.PlaybackState{}, false
	}

	if from == nil || from.Role != model.RoleController {
		logger.Warn("state update rejected: not controller",
			logger.String("voice", string(voice)),
			logger.String("instance", sessionID(from)))
		return model.PlaybackState{}, false
	}

	clean, valid := sanitizeNotes(vs.part, candidate.NoteQueue)
	if !valid {
		logger.Warn("state update rejected: invalid notes",
			logger.String("voice", string(voice)),
			logger.String("instance", from.InstanceID))
		return model.PlaybackState{}, false
	}
	candidate.NoteQueue = clean

	vs.mu.Lock()
	if candidate.LastUpdated < vs.state.LastUpdated {
		stored := vs.state.LastUpdated
		vs.mu.Unlock()
		logger.Debug("stale state update dropped",
			logger.String("voice", string(voice)),
			logger.Int64("candidate", candidate.LastUpdated),
			logger.Int64("stored", stored))
		return model.PlaybackState{}, false
	}
	vs.state = candidate.Clone()
	stored := vs.state.Clone()
	vs.mu.Unlock()

	s.persist(ctx, voice, stored)
	return stored, true
}

// ApplyNotes is the queue-only replication path: it swaps the note queue
// without touching isPlaying. Same acceptance rules as ApplyUpdate.
func (s *Store) ApplyNotes(ctx context.Context, voice model.VoiceType, notes []model.Note, lastUpdated int64, from *model.ClientSession) (model.PlaybackState, bool) {
	vs, ok := s.voices[voice]
	if !ok {
		return model.PlaybackState{}, false
	}
	if from == nil || from.Role != model.RoleController {
		logger.Warn("notes update rejected: not controller",
			logger.String("voice", string(voice)),
			logger.String("instance", sessionID(from)))
		return model.PlaybackState{}, false
	}

	clean, valid := sanitizeNotes(vs.part, notes)
	if !valid {
		logger.Warn("notes update rejected: invalid notes",
			logger.String("voice", string(voice)),
			logger.String("instance", from.InstanceID))
		return model.PlaybackState{}, false
	}

	vs.mu.Lock()
	if lastUpdated < vs.state.LastUpdated {
		vs.mu.Unlock()
		logger.Debug("stale notes update dropped", logger.String("voice", string(voice)))
		return model.PlaybackState{}, false
	}
	vs.state.NoteQueue = clean
	vs.state.LastUpdated = lastUpdated
	stored := vs.state.Clone()
	vs.mu.Unlock()

	s.persist(ctx, voice, stored)
	return stored, true
}

func (s *Store) persist(ctx context.Context, voice model.VoiceType, state model.PlaybackState) {
	if s.snapshot == nil {
		return
	}
	if err := s.snapshot.Save(ctx, voice, state); err != nil {
		logger.Warn("state snapshot save failed",
			logger.String("voice", string(voice)),
			logger.ErrorField(err))
	}
}

// sanitizeNotes rejects malformed notes and clamps frequencies into the
// voice part's valid range.
func sanitizeNotes(part model.VoicePart, notes []model.Note) ([]model.Note, bool) {
	clean := make([]model.Note, len(notes))
	for i, n := range notes {
		if !n.Valid() {
			return nil, false
		}
		n.Frequency = part.Clamp(n.Frequency)
		clean[i] = n
	}
	return clean, true
}

func sessionID(s *model.ClientSession) string {
	if s == nil {
		return ""
	}
	return s.InstanceID
}
