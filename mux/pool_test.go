package mux

import (
	"context"
	"testing"

	"github.com/loomboard/server/agent"
)

func TestAcquireReturnsSameInstance(t *testing.T) {
	pool := newTestPool(&fakeRunner{}, nil)

	a := pool.Acquire("sess-1", agent.LaunchOptions{WorkDir: "/a"})
	b := pool.Acquire("sess-1", agent.LaunchOptions{WorkDir: "/b"})
	if a != b {
		t.Fatal("same id must map to the same instance")
	}
	// The first caller's options win for the shared instance.
	if got := a.Options().WorkDir; got != "/a" {
		t.Errorf("WorkDir = %q, want /a", got)
	}
	if pool.Len() != 1 {
		t.Errorf("Len = %d, want 1", pool.Len())
	}
}

func TestAcquireEmptyIDNeverMatches(t *testing.T) {
	pool := newTestPool(&fakeRunner{}, nil)

	a := pool.Acquire("", agent.LaunchOptions{})
	b := pool.Acquire("", agent.LaunchOptions{})
	if a == b {
		t.Fatal("empty ids must not share an instance")
	}
	// Neither is registered until a process reports an identifier.
	if pool.Len() != 0 {
		t.Errorf("Len = %d, want 0", pool.Len())
	}
}

func TestAdoptFirstRegistrationWins(t *testing.T) {
	pool := newTestPool(&fakeRunner{}, nil)

	a := pool.Acquire("", agent.LaunchOptions{})
	b := pool.Acquire("", agent.LaunchOptions{})
	pool.adopt("sess-9", a)
	pool.adopt("sess-9", b)

	got, ok := pool.Get("sess-9")
	if !ok || got != a {
		t.Fatal("second adoption must not displace the first")
	}
}

func TestReleaseDisposesSession(t *testing.T) {
	runner := &fakeRunner{
		onSend: func(ft *fakeTurn, sub agent.Submission) {
			ft.emit(agent.Event{Type: agent.EventTypeResult, Content: "ok", SessionID: "sess-4"})
		},
	}
	pool := newTestPool(runner, nil)

	s, ch, err := pool.Submit(context.Background(), "", agent.LaunchOptions{}, agent.Submission{ID: "a", Content: "hello"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	collect(t, ch)

	pool.Release("sess-4")
	if _, ok := pool.Get("sess-4"); ok {
		t.Error("released session should be unregistered")
	}
	if _, err := s.Submit(context.Background(), agent.Submission{ID: "b", Content: "late"}); err == nil {
		t.Error("submit after release should fail")
	}

	pool.Release("sess-4")  // no-op
	pool.Release("unknown") // no-op
}

func TestShutdownDisposesEverything(t *testing.T) {
	pool := newTestPool(&fakeRunner{}, nil)
	a := pool.Acquire("s1", agent.LaunchOptions{})
	b := pool.Acquire("s2", agent.LaunchOptions{})

	pool.Shutdown()

	if pool.Len() != 0 {
		t.Errorf("Len after shutdown = %d, want 0", pool.Len())
	}
	for _, s := range []*Session{a, b} {
		if _, err := s.Submit(context.Background(), agent.Submission{ID: "x"}); err == nil {
			t.Error("submit after shutdown should fail")
		}
	}
}
