package bridge

import (
	"errors"
	"testing"

	"github.com/danmuck/hermod/internal/testutil/testlog"
)

func TestRegistryInstallAndLookup(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	cfg := DefaultConfig()

	s := newSession("acct-1", cfg)
	if err := r.Install(s, 4); err != nil {
		t.Fatalf("install: %v", err)
	}
	got, ok := r.Lookup("acct-1")
	if !ok || got != s {
		t.Fatalf("lookup returned wrong session")
	}
	if !r.Owns(s) {
		t.Fatalf("owns should report true")
	}

	dupe := newSession("acct-1", cfg)
	if err := r.Install(dupe, 4); !errors.Is(err, errAccountOwned) {
		t.Fatalf("expected errAccountOwned, got %v", err)
	}
}

func TestRegistryCeilingCountsOnlyOpen(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	cfg := DefaultConfig()

	a := newSession("acct-a", cfg)
	b := newSession("acct-b", cfg)
	if err := r.Install(a, 1); err != nil {
		t.Fatalf("install a: %v", err)
	}
	// a is still connecting, so b fits under a limit of 1.
	if err := r.Install(b, 1); err != nil {
		t.Fatalf("install b: %v", err)
	}

	a.forceState(StateOpen)
	c := newSession("acct-c", cfg)
	if err := r.Install(c, 1); !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected ErrCapacity, got %v", err)
	}

	// A bigger ceiling admits it.
	if err := r.Install(c, 2); err != nil {
		t.Fatalf("install c under larger limit: %v", err)
	}
}

func TestRegistryRemoveIfPointerGuard(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	cfg := DefaultConfig()

	old := newSession("acct-1", cfg)
	if err := r.Install(old, 0); err != nil {
		t.Fatalf("install old: %v", err)
	}
	if !r.RemoveIf(old) {
		t.Fatalf("remove of current session failed")
	}

	replacement := newSession("acct-1", cfg)
	if err := r.Install(replacement, 0); err != nil {
		t.Fatalf("install replacement: %v", err)
	}
	// A stale handle must not evict the replacement.
	if r.RemoveIf(old) {
		t.Fatalf("stale remove evicted the replacement")
	}
	if _, ok := r.Lookup("acct-1"); !ok {
		t.Fatalf("replacement lost")
	}
}

func TestRegistryCounts(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	cfg := DefaultConfig()

	a := newSession("acct-a", cfg)
	b := newSession("acct-b", cfg)
	_ = r.Install(a, 0)
	_ = r.Install(b, 0)
	a.forceState(StateOpen)

	open, tracked := r.Counts()
	if open != 1 || tracked != 2 {
		t.Fatalf("unexpected counts open=%d tracked=%d", open, tracked)
	}
}

func TestRegistrySessionsSorted(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	cfg := DefaultConfig()
	for _, id := range []string{"zeta", "alpha", "mid"} {
		if err := r.Install(newSession(id, cfg), 0); err != nil {
			t.Fatalf("install %s: %v", id, err)
		}
	}
	got := r.Sessions()
	if len(got) != 3 || got[0].AccountID() != "alpha" || got[2].AccountID() != "zeta" {
		t.Fatalf("sessions not sorted: %v", []string{got[0].AccountID(), got[1].AccountID(), got[2].AccountID()})
	}
}
