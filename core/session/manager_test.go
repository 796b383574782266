package session

import (
	"context"
	"errors"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	clocksync "github.com/casspangell/drone-choir-app-sub000/core/sync"
	"github.com/casspangell/drone-choir-app-sub000/model"
	"github.com/casspangell/drone-choir-app-sub000/protocol"
)

type fakeConn struct {
	mu       stdsync.Mutex
	writes   []*protocol.Message
	incoming chan *protocol.Message
	closed   chan struct{}
	once     stdsync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan *protocol.Message, 8),
		closed:   make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (*protocol.Message, error) {
	select {
	case msg := <-f.incoming:
		return msg, nil
	case <-f.closed:
		return nil, errors.New("connection closed")
	}
}

func (f *fakeConn) WriteMessage(msg *protocol.Message) error {
	select {
	case <-f.closed:
		return errors.New("connection closed")
	default:
	}
	f.mu.Lock()
	f.writes = append(f.writes, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) written() []*protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*protocol.Message, len(f.writes))
	copy(out, f.writes)
	return out
}

type fakeDialer struct {
	mu    stdsync.Mutex
	dials int
	conn  *fakeConn
	err   error
}

func (d *fakeDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func testManager(hooks Hooks) (*Manager, *fakeDialer) {
	dialer := &fakeDialer{conn: newFakeConn()}
	cfg := Config{
		ServerURL:       "ws://localhost:8080/ws/choir",
		InstanceID:      "inst-1",
		Voice:           model.VoiceTenor,
		WantController:  true,
		ControllerToken: "tok",
	}
	return NewManager(cfg, hooks, dialer, clocksync.NewEstimator()), dialer
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestBackoffSchedule(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
		{9, 32 * time.Second},
	}
	for _, c := range cases {
		if got := backoffDelay(c.attempt); got != c.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestEndpointURLCarriesIdentity(t *testing.T) {
	got, err := endpointURL("ws://host:8080/ws/choir", "inst-1", "tenor")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "instanceId=inst-1") || !strings.Contains(got, "voice=tenor") {
		t.Fatalf("endpoint url missing identity params: %s", got)
	}
}

func TestRunRegistersAndAssumesRole(t *testing.T) {
	var roles []model.Role
	var roleMu stdsync.Mutex
	m, dialer := testManager(Hooks{
		OnRole: func(r model.Role) {
			roleMu.Lock()
			roles = append(roles, r)
			roleMu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	// The server grants the controller seat.
	dialer.conn.incoming <- protocol.New(protocol.MsgRegistered, model.VoiceTenor, &protocol.RegisteredData{
		Role:     model.RoleController,
		MasterID: "inst-1",
	})

	waitFor(t, func() bool { return m.Role() == model.RoleController })
	if m.State() != StateRegistered {
		t.Fatalf("state = %s, want registered", m.State())
	}
	if m.MasterID() != "inst-1" {
		t.Fatalf("masterID = %q, want inst-1", m.MasterID())
	}

	writes := dialer.conn.written()
	if len(writes) == 0 || writes[0].Type != protocol.MsgRegisterClient {
		t.Fatalf("first frame = %+v, want register_client", writes)
	}
	var reg protocol.RegisterData
	if err := writes[0].Decode(&reg); err != nil {
		t.Fatal(err)
	}
	if !reg.WantController || reg.ControllerToken != "tok" {
		t.Fatalf("register payload = %+v", reg)
	}

	roleMu.Lock()
	defer roleMu.Unlock()
	if len(roles) == 0 || roles[0] != model.RoleController {
		t.Fatalf("role hook calls = %v, want controller first", roles)
	}
}

func TestMasterChangedDemotesController(t *testing.T) {
	var roles []model.Role
	var roleMu stdsync.Mutex
	m, dialer := testManager(Hooks{
		OnRole: func(r model.Role) {
			roleMu.Lock()
			roles = append(roles, r)
			roleMu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	dialer.conn.incoming <- protocol.New(protocol.MsgRegistered, model.VoiceTenor, &protocol.RegisteredData{
		Role:     model.RoleController,
		MasterID: "inst-1",
	})
	waitFor(t, func() bool { return m.Role() == model.RoleController })

	// Someone else took the seat; heartbeats must stop because the role
	// check happens on every tick.
	dialer.conn.incoming <- protocol.New(protocol.MsgMasterChanged, "", &protocol.MasterChangedData{
		NewMasterID: "inst-2",
		Reason:      "takeover",
	})
	waitFor(t, func() bool { return m.Role() == model.RoleViewer })

	if m.MasterID() != "inst-2" {
		t.Fatalf("masterID = %q, want inst-2", m.MasterID())
	}
	roleMu.Lock()
	defer roleMu.Unlock()
	if roles[len(roles)-1] != model.RoleViewer {
		t.Fatalf("role hook calls = %v, want viewer last", roles)
	}
}

func TestStateBroadcastReconciliationKeepsFreshest(t *testing.T) {
	var states []model.PlaybackState
	var stateMu stdsync.Mutex
	m, dialer := testManager(Hooks{
		OnState: func(s model.PlaybackState) {
			stateMu.Lock()
			states = append(states, s)
			stateMu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	fresh := model.PlaybackState{
		IsPlaying:   true,
		NoteQueue:   []model.Note{{Frequency: 220, Duration: 10, MaxGain: 0.5}},
		LastUpdated: 200,
	}
	stale := model.PlaybackState{LastUpdated: 100}

	dialer.conn.incoming <- protocol.New(protocol.MsgVoiceStateUpdate, model.VoiceTenor, &protocol.StateUpdateData{State: fresh})
	waitFor(t, func() bool { return m.LocalState().LastUpdated == 200 })

	// A frame from before the reconnect must not roll playback back.
	dialer.conn.incoming <- protocol.New(protocol.MsgVoiceStateUpdate, model.VoiceTenor, &protocol.StateUpdateData{State: stale})
	dialer.conn.incoming <- protocol.New(protocol.MsgPing, "", nil) // ordering fence
	waitFor(t, func() bool {
		stateMu.Lock()
		defer stateMu.Unlock()
		return len(states) >= 1
	})
	time.Sleep(20 * time.Millisecond)

	if got := m.LocalState().LastUpdated; got != 200 {
		t.Fatalf("local lastUpdated = %d, want 200", got)
	}
	stateMu.Lock()
	defer stateMu.Unlock()
	if len(states) != 1 {
		t.Fatalf("OnState fired %d times, want 1 (stale frame dropped)", len(states))
	}
}

func TestSubmitStateRequiresControllerRole(t *testing.T) {
	m, _ := testManager(Hooks{})
	err := m.SubmitState(model.PlaybackState{LastUpdated: 100})
	if !errors.Is(err, ErrNotController) {
		t.Fatalf("err = %v, want ErrNotController", err)
	}
}

func TestSubmitStateWritesAndAdoptsLocally(t *testing.T) {
	m, dialer := testManager(Hooks{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	dialer.conn.incoming <- protocol.New(protocol.MsgRegistered, model.VoiceTenor, &protocol.RegisteredData{
		Role:     model.RoleController,
		MasterID: "inst-1",
	})
	waitFor(t, func() bool { return m.Role() == model.RoleController })

	state := model.PlaybackState{
		IsPlaying:   true,
		NoteQueue:   []model.Note{{Frequency: 330, Duration: 5, MaxGain: 0.4}},
		LastUpdated: 500,
	}
	if err := m.SubmitState(state); err != nil {
		t.Fatal(err)
	}

	if got := m.LocalState().LastUpdated; got != 500 {
		t.Fatalf("local lastUpdated = %d, want 500", got)
	}

	var found bool
	for _, w := range dialer.conn.written() {
		if w.Type == protocol.MsgStateUpdate {
			found = true
			var upd protocol.StateUpdateData
			if err := w.Decode(&upd); err != nil {
				t.Fatal(err)
			}
			if upd.State.LastUpdated != 500 {
				t.Fatalf("wire lastUpdated = %d, want 500", upd.State.LastUpdated)
			}
		}
	}
	if !found {
		t.Fatal("no state_update frame written")
	}
}

func TestDialFailureRetriesUntilCancelled(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("connection refused")}
	m := NewManager(Config{
		ServerURL:  "ws://localhost:8080/ws/choir",
		InstanceID: "inst-1",
		Voice:      model.VoiceBass,
	}, Hooks{}, dialer, clocksync.NewEstimator())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := m.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if dialer.dialCount() == 0 {
		t.Fatal("no dial attempted")
	}
	if m.State() != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", m.State())
	}
}

func TestTeardownDropsRoleToViewer(t *testing.T) {
	m, dialer := testManager(Hooks{})

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)

	dialer.conn.incoming <- protocol.New(protocol.MsgRegistered, model.VoiceTenor, &protocol.RegisteredData{
		Role:     model.RoleController,
		MasterID: "inst-1",
	})
	waitFor(t, func() bool { return m.Role() == model.RoleController })

	cancel()
	waitFor(t, func() bool { return m.Role() == model.RoleViewer && m.State() == StateDisconnected })
}
