package vision

import (
	"context"
	"strings"
	"testing"
	"time"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewSupervisor_RequiresCommand(t *testing.T) {
	if _, err := NewSupervisor(SupervisorConfig{Command: "  "}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestSupervisor_RestartsAndKeepsOutput(t *testing.T) {
	s, err := NewSupervisor(SupervisorConfig{
		Command:        "sh",
		Args:           []string{"-c", "echo model loaded; echo cuda missing >&2; exit 3"},
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Close()

	waitFor(t, "a restart", func() bool { return s.Snapshot().Restarts >= 1 })

	snap := s.Snapshot()
	if !strings.Contains(snap.LastError, "exit status 3") {
		t.Fatalf("last error=%q", snap.LastError)
	}
	out := strings.Join(snap.Output, "\n")
	if !strings.Contains(out, "model loaded") || !strings.Contains(out, "cuda missing") {
		t.Fatalf("output=%q", snap.Output)
	}
}

func TestSupervisor_CloseStopsProcess(t *testing.T) {
	s, err := NewSupervisor(SupervisorConfig{Command: "sleep", Args: []string{"30"}})
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "running", func() bool { return s.Snapshot().Running })

	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("Close did not return")
	}
	if snap := s.Snapshot(); snap.State != "stopped" || snap.Running {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestSupervisor_TailIsBounded(t *testing.T) {
	s, _ := NewSupervisor(SupervisorConfig{Command: "x", TailLines: 2})
	s.addTail("a")
	s.addTail("b")
	s.addTail("c")
	if got := s.Snapshot().Output; len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("tail=%q", got)
	}
}
