package choir

import (
	"context"
	"math/rand"
	stdsync "sync"
	"testing"

	"github.com/casspangell/drone-choir-app-sub000/model"
)

var testParts = []model.VoicePart{
	{Type: model.VoiceBass, Label: "Bass", MinFreq: 55, MaxFreq: 220},
	{Type: model.VoiceTenor, Label: "Tenor", MinFreq: 110, MaxFreq: 440},
}

func controllerSession(id string) *model.ClientSession {
	return &model.ClientSession{InstanceID: id, Role: model.RoleController}
}

func viewerSession(id string) *model.ClientSession {
	return &model.ClientSession{InstanceID: id, Role: model.RoleViewer}
}

func stateAt(ts int64, freq float64) model.PlaybackState {
	return model.PlaybackState{
		IsPlaying:   true,
		NoteQueue:   []model.Note{{Frequency: freq, Duration: 10, Name: "A3", MaxGain: 0.5}},
		LastUpdated: ts,
	}
}

func TestApplyUpdateLastWriterWinsByTimestamp(t *testing.T) {
	store := NewStore(testParts, nil)
	ctrl := controllerSession("m1")
	ctx := context.Background()

	// Writes arrive out of order; the maximum lastUpdated must win.
	timestamps := []int64{100, 400, 200, 300, 50}
	for _, ts := range timestamps {
		store.ApplyUpdate(ctx, model.VoiceTenor, stateAt(ts, float64(200+ts%100)), ctrl)
	}

	got, ok := store.Get(model.VoiceTenor)
	if !ok {
		t.Fatal("tenor voice missing")
	}
	if got.LastUpdated != 400 {
		t.Fatalf("final lastUpdated = %d, want 400", got.LastUpdated)
	}
}

func TestApplyUpdateShuffledOrderConverges(t *testing.T) {
	ctx := context.Background()
	for trial := 0; trial < 20; trial++ {
		store := NewStore(testParts, nil)
		ctrl := controllerSession("m1")

		writes := make([]int64, 50)
		for i := range writes {
			writes[i] = int64(i + 1)
		}
		rand.Shuffle(len(writes), func(i, j int) { writes[i], writes[j] = writes[j], writes[i] })

		for _, ts := range writes {
			store.ApplyUpdate(ctx, model.VoiceBass, stateAt(ts, 110), ctrl)
		}

		got, _ := store.Get(model.VoiceBass)
		if got.LastUpdated != 50 {
			t.Fatalf("trial %d: final lastUpdated = %d, want 50", trial, got.LastUpdated)
		}
	}
}

func TestApplyUpdateRejectsViewer(t *testing.T) {
	store := NewStore(testParts, nil)
	ctx := context.Background()

	if _, accepted := store.ApplyUpdate(ctx, model.VoiceTenor, stateAt(100, 220), viewerSession("v1")); accepted {
		t.Fatal("viewer write accepted")
	}
	if _, accepted := store.ApplyUpdate(ctx, model.VoiceTenor, stateAt(100, 220), nil); accepted {
		t.Fatal("anonymous write accepted")
	}

	got, _ := store.Get(model.VoiceTenor)
	if got.LastUpdated != 0 {
		t.Fatalf("state mutated by rejected write: %+v", got)
	}
}

func TestApplyUpdateEqualTimestampAccepted(t *testing.T) {
	store := NewStore(testParts, nil)
	ctrl := controllerSession("m1")
	ctx := context.Background()

	store.ApplyUpdate(ctx, model.VoiceTenor, stateAt(100, 220), ctrl)
	second := stateAt(100, 330)
	if _, accepted := store.ApplyUpdate(ctx, model.VoiceTenor, second, ctrl); !accepted {
		t.Fatal("write with equal lastUpdated rejected; acceptance rule is >=")
	}

	got, _ := store.Get(model.VoiceTenor)
	if got.NoteQueue[0].Frequency != 330 {
		t.Fatalf("equal-timestamp write did not replace state: %+v", got.NoteQueue)
	}
}

func TestApplyUpdateRejectsInvalidNotes(t *testing.T) {
	store := NewStore(testParts, nil)
	ctrl := controllerSession("m1")
	ctx := context.Background()

	bad := model.PlaybackState{
		NoteQueue:   []model.Note{{Frequency: -220, Duration: 10, MaxGain: 0.5}},
		LastUpdated: 100,
	}
	if _, accepted := store.ApplyUpdate(ctx, model.VoiceTenor, bad, ctrl); accepted {
		t.Fatal("negative frequency accepted")
	}

	badGain := model.PlaybackState{
		NoteQueue:   []model.Note{{Frequency: 220, Duration: 10, MaxGain: 1.5}},
		LastUpdated: 100,
	}
	if _, accepted := store.ApplyUpdate(ctx, model.VoiceTenor, badGain, ctrl); accepted {
		t.Fatal("gain above 1 accepted")
	}
}

func TestApplyUpdateClampsFrequencyIntoRange(t *testing.T) {
	store := NewStore(testParts, nil)
	ctrl := controllerSession("m1")
	ctx := context.Background()

	// 880Hz is above the tenor range [110, 440].
	stored, accepted := store.ApplyUpdate(ctx, model.VoiceTenor, stateAt(100, 880), ctrl)
	if !accepted {
		t.Fatal("out-of-range frequency rejected instead of clamped")
	}
	if stored.NoteQueue[0].Frequency != 440 {
		t.Fatalf("frequency = %v, want clamped to 440", stored.NoteQueue[0].Frequency)
	}
}

func TestApplyNotesLeavesIsPlayingUntouched(t *testing.T) {
	store := NewStore(testParts, nil)
	ctrl := controllerSession("m1")
	ctx := context.Background()

	store.ApplyUpdate(ctx, model.VoiceTenor, stateAt(100, 220), ctrl)

	notes := []model.Note{{Frequency: 330, Duration: 5, Name: "E4", MaxGain: 0.4}}
	stored, accepted := store.ApplyNotes(ctx, model.VoiceTenor, notes, 200, ctrl)
	if !accepted {
		t.Fatal("notes update rejected")
	}
	if !stored.IsPlaying {
		t.Fatal("queue-only path cleared isPlaying")
	}
	if len(stored.NoteQueue) != 1 || stored.NoteQueue[0].Frequency != 330 {
		t.Fatalf("queue not replaced: %+v", stored.NoteQueue)
	}
}

func TestConcurrentWritesDifferentVoicesDoNotInterfere(t *testing.T) {
	store := NewStore(testParts, nil)
	ctrl := controllerSession("m1")
	ctx := context.Background()

	var wg stdsync.WaitGroup
	for i := 1; i <= 100; i++ {
		wg.Add(2)
		ts := int64(i)
		go func() {
			defer wg.Done()
			store.ApplyUpdate(ctx, model.VoiceBass, stateAt(ts, 110), ctrl)
		}()
		go func() {
			defer wg.Done()
			store.ApplyUpdate(ctx, model.VoiceTenor, stateAt(ts, 220), ctrl)
		}()
	}
	wg.Wait()

	bass, _ := store.Get(model.VoiceBass)
	tenor, _ := store.Get(model.VoiceTenor)
	if bass.LastUpdated != 100 || tenor.LastUpdated != 100 {
		t.Fatalf("lastUpdated bass=%d tenor=%d, want 100/100", bass.LastUpdated, tenor.LastUpdated)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	store := NewStore(testParts, nil)
	ctrl := controllerSession("m1")
	ctx := context.Background()

	store.ApplyUpdate(ctx, model.VoiceTenor, stateAt(100, 220), ctrl)

	got, _ := store.Get(model.VoiceTenor)
	got.NoteQueue[0].Frequency = 999

	again, _ := store.Get(model.VoiceTenor)
	if again.NoteQueue[0].Frequency == 999 {
		t.Fatal("Get leaked internal state")
	}
}
