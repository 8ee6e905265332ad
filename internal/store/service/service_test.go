package service

import (
	"context"
	"testing"
	"time"

	"github.com/containerd/errdefs"
)

func openTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

func TestCreateEphemeralRejectsDuplicates(t *testing.T) {
	svc := openTestService(t)

	if err := svc.CreateEphemeral("sess-a", "/living_processors/src-0", []byte("x")); err != nil {
		t.Fatalf("CreateEphemeral: %v", err)
	}
	err := svc.CreateEphemeral("sess-b", "/living_processors/src-0", []byte("y"))
	if !errdefs.IsAlreadyExists(err) {
		t.Fatalf("duplicate create = %v, want already-exists", err)
	}
}

func TestSessionCloseRemovesEphemerals(t *testing.T) {
	svc := openTestService(t)

	if err := svc.CreateEphemeral("sess-a", "/living_processors/src-0", nil); err != nil {
		t.Fatalf("CreateEphemeral: %v", err)
	}
	if err := svc.CreateEphemeral("sess-a", "/living_processors/agg-0", nil); err != nil {
		t.Fatalf("CreateEphemeral: %v", err)
	}
	if err := svc.CreatePersistent("/living_processors", nil, true); err != nil {
		t.Fatalf("CreatePersistent: %v", err)
	}

	paths, err := svc.DeleteEphemeralBySession("sess-a")
	if err != nil {
		t.Fatalf("DeleteEphemeralBySession: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("removed %d nodes, want 2: %v", len(paths), paths)
	}
	children, err := svc.Children("/living_processors")
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	if len(children) != 0 {
		t.Errorf("children after session close = %v, want none", children)
	}
}

func TestChildrenIsDirectOnly(t *testing.T) {
	svc := openTestService(t)

	if err := svc.CreatePersistent("/a/b", []byte("1"), false); err != nil {
		t.Fatalf("CreatePersistent: %v", err)
	}
	if err := svc.CreatePersistent("/a/b/c", []byte("2"), false); err != nil {
		t.Fatalf("CreatePersistent: %v", err)
	}

	children, err := svc.Children("/a")
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	if len(children) != 1 || children[0].Path != "/a/b" {
		t.Errorf("Children(/a) = %v, want only /a/b", children)
	}
}

func TestSetRequiresExistingNode(t *testing.T) {
	svc := openTestService(t)

	if _, err := svc.Set("/missing", []byte("v")); !errdefs.IsNotFound(err) {
		t.Fatalf("Set on missing node = %v, want not-found", err)
	}
	if err := svc.CreatePersistent("/node", []byte("v1"), false); err != nil {
		t.Fatalf("CreatePersistent: %v", err)
	}
	version, err := svc.Set("/node", []byte("v2"))
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if version != 2 {
		t.Errorf("version after one rewrite = %d, want 2", version)
	}
	n, err := svc.Get("/node")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(n.Payload) != "v2" {
		t.Errorf("payload = %q, want v2", n.Payload)
	}
}

func TestSweepExpiredReapsStaleSessions(t *testing.T) {
	svc := openTestService(t)

	if err := svc.CreateEphemeral("sess-stale", "/living_processors/src-0", nil); err != nil {
		t.Fatalf("CreateEphemeral: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	reaped, err := svc.SweepExpired(time.Nanosecond)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if len(reaped) != 1 || reaped[0] != "sess-stale" {
		t.Fatalf("reaped = %v, want [sess-stale]", reaped)
	}
	if _, err := svc.Get("/living_processors/src-0"); !errdefs.IsNotFound(err) {
		t.Errorf("ephemeral survived the sweep: %v", err)
	}
}

func TestSubscribeDeliversChanges(t *testing.T) {
	svc := openTestService(t)

	if err := svc.CreatePersistent("/living_processors/src-0", []byte("a"), false); err != nil {
		t.Fatalf("CreatePersistent: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snapshot, changes, err := svc.Subscribe(ctx, "/living_processors/")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if len(snapshot) != 1 {
		t.Fatalf("snapshot = %v, want the existing node", snapshot)
	}

	if _, err := svc.Set("/living_processors/src-0", []byte("b")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	select {
	case ev := <-changes:
		if ev.Kind != ChangeUpdated || ev.Node.Path != "/living_processors/src-0" {
			t.Errorf("change = %+v, want update of /living_processors/src-0", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no change event delivered")
	}
}
