package ethree

import (
	"context"
	"errors"
	"testing"
	"time"
)

type groupEvent struct {
	epoch uint64
	state GroupState
}

func waitEvent(t *testing.T, events <-chan groupEvent) groupEvent {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for group update")
		return groupEvent{}
	}
}

func TestWatchGroups(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.registered(t, "alice")
	bob := env.registered(t, "bob", WithGroupPolling(10*time.Millisecond, 50*time.Millisecond))
	env.registered(t, "carol")

	g, err := alice.CreateGroup(ctx, "team", lookup(t, alice, "bob"))
	if err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}
	if _, err := bob.LoadGroup(ctx, "team", nil); err != nil {
		t.Fatalf("LoadGroup() error = %v", err)
	}

	events := make(chan groupEvent, 4)
	stop, err := bob.WatchGroups(ctx, func(g *Group) {
		events <- groupEvent{epoch: g.Epoch(), state: g.State()}
	})
	if err != nil {
		t.Fatalf("WatchGroups() error = %v", err)
	}
	defer stop()

	if err := g.AddMembers(ctx, "carol"); err != nil {
		t.Fatalf("AddMembers() error = %v", err)
	}
	ev := waitEvent(t, events)
	if ev.epoch != 1 || ev.state != GroupActive {
		t.Errorf("update event = %+v, want epoch 1 active", ev)
	}

	if err := alice.DeleteGroup(ctx, "team"); err != nil {
		t.Fatalf("DeleteGroup() error = %v", err)
	}
	ev = waitEvent(t, events)
	if ev.state != GroupDeleted {
		t.Errorf("delete event state = %v, want GroupDeleted", ev.state)
	}
	if _, err := bob.GetGroup("team"); !errors.Is(err, ErrGroupNotFound) {
		t.Errorf("GetGroup() after remote delete error = %v, want ErrGroupNotFound", err)
	}
}

func TestWatchGroups_StopAndClosed(t *testing.T) {
	env := newTestEnv(t)
	alice := env.registered(t, "alice", WithGroupPolling(10*time.Millisecond, 0))

	stop, err := alice.WatchGroups(context.Background(), nil)
	if err != nil {
		t.Fatalf("WatchGroups() error = %v", err)
	}
	stop()
	stop()

	alice.Close()
	if _, err := alice.WatchGroups(context.Background(), nil); !errors.Is(err, ErrClientClosed) {
		t.Errorf("WatchGroups() after Close error = %v, want ErrClientClosed", err)
	}
}

func TestPollGroup_Unchanged(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.registered(t, "alice")
	env.registered(t, "bob")

	if _, err := alice.CreateGroup(ctx, "team", lookup(t, alice, "bob")); err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}

	called := false
	changed, err := alice.pollGroup(ctx, "team", func(*Group) { called = true })
	if err != nil {
		t.Fatalf("pollGroup() error = %v", err)
	}
	if changed || called {
		t.Errorf("pollGroup() changed = %v, handler called = %v; want neither", changed, called)
	}

	changed, err = alice.pollGroup(ctx, "unknown", nil)
	if err != nil || changed {
		t.Errorf("pollGroup(untracked) = %v, %v", changed, err)
	}
}
