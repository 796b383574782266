package choir

import (
	"testing"
	"time"

	"github.com/casspangell/drone-choir-app-sub000/model"
	"github.com/casspangell/drone-choir-app-sub000/protocol"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func hubClient(h *Hub, id string, voice model.VoiceType, buffer int) *Client {
	return &Client{
		Hub:        h,
		Send:       make(chan []byte, buffer),
		InstanceID: id,
		Voice:      voice,
	}
}

func TestBroadcastDropsFullBufferClientWithoutWedgingLoop(t *testing.T) {
	h := NewHub()
	go h.Run()
	defer h.Stop()

	// A connection whose write pump never drains: buffer of one, pre-filled.
	stuck := hubClient(h, "stuck-1", model.VoiceTenor, 1)
	stuck.Send <- []byte("backlog")
	h.Register(stuck)

	healthy := hubClient(h, "healthy-1", model.VoiceTenor, 8)
	h.Register(healthy)
	waitFor(t, func() bool { return h.ClientCount() == 2 }, "registrations never processed")

	msg := protocol.New(protocol.MsgStateUpdate, model.VoiceTenor, nil)
	if err := h.Broadcast(msg, BroadcastFilter{}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	// The stuck connection must be dropped and the loop must keep serving.
	waitFor(t, func() bool { return !h.HasInstance("stuck-1") }, "full-buffer client never removed")

	late := hubClient(h, "late-1", model.VoiceBass, 8)
	h.Register(late)
	waitFor(t, func() bool { return h.HasInstance("late-1") }, "hub loop stopped processing registrations after dropping a client")

	select {
	case <-healthy.Send:
	case <-time.After(2 * time.Second):
		t.Fatal("healthy client never received the broadcast")
	}
	if _, open := <-stuck.Send; open {
		// First receive drains the backlog frame; channel must then be closed.
		if _, open := <-stuck.Send; open {
			t.Fatal("dropped client's send channel left open")
		}
	}
}

func TestBroadcastSurvivesBackToBackDrops(t *testing.T) {
	h := NewHub()
	go h.Run()
	defer h.Stop()

	for _, id := range []string{"stuck-a", "stuck-b"} {
		c := hubClient(h, id, model.VoiceAlto, 1)
		c.Send <- []byte("backlog")
		h.Register(c)
	}
	waitFor(t, func() bool { return h.ClientCount() == 2 }, "registrations never processed")

	msg := protocol.New(protocol.MsgStateUpdate, model.VoiceAlto, nil)
	if err := h.Broadcast(msg, BroadcastFilter{}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	waitFor(t, func() bool { return h.ClientCount() == 0 }, "wedged clients never removed")

	// The loop is still alive for further traffic.
	if err := h.Broadcast(msg, BroadcastFilter{}); err != nil {
		t.Fatalf("broadcast after drops: %v", err)
	}
	c := hubClient(h, "fresh", model.VoiceAlto, 8)
	h.Register(c)
	waitFor(t, func() bool { return h.HasInstance("fresh") }, "hub loop dead after dropping wedged clients")
}
