package main

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"nearbydrop/internal/protocol"
)

func newTestModel(t *testing.T) model {
	t.Helper()
	s := newSession(nil, nil, nil, io.Discard, t.TempDir())
	s.self = protocol.Peer{ID: "me", Username: "Lemur"}
	s.peers = []protocol.Peer{{ID: "a1", Username: "Otter"}}
	return newModel(context.Background(), s, make(chan string), make(chan struct{}))
}

func TestModelAddsLinesAndKeepsListening(t *testing.T) {
	m := newTestModel(t)

	next, cmd := m.Update(lineMsg{line: "Otter offers a.txt"})
	m = next.(model)
	if len(m.entries) != 1 || !strings.HasSuffix(m.entries[0], "Otter offers a.txt") {
		t.Fatalf("unexpected entries: %v", m.entries)
	}
	if cmd == nil {
		t.Fatalf("expected the model to wait for the next line")
	}
}

func TestModelExecDone(t *testing.T) {
	m := newTestModel(t)
	m.busy = true

	next, cmd := m.Update(execDoneMsg{err: errors.New("no nearby peer named \"Panda\"")})
	m = next.(model)
	if m.busy || cmd != nil {
		t.Fatalf("expected idle model and no command, busy=%v", m.busy)
	}
	if len(m.entries) != 1 || !strings.Contains(m.entries[0], "error: no nearby peer") {
		t.Fatalf("unexpected entries: %v", m.entries)
	}

	_, cmd = m.Update(execDoneMsg{quit: true})
	if cmd == nil {
		t.Fatalf("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatalf("expected tea.QuitMsg")
	}
}

func TestModelViewSizes(t *testing.T) {
	m := newTestModel(t)
	next, _ := m.Update(lineMsg{line: "last event"})
	m = next.(model)

	next, _ = m.Update(tea.WindowSizeMsg{Width: 20, Height: 5})
	compact := next.(model).View()
	if !strings.Contains(compact, "last event") || strings.Contains(compact, "Nearby") {
		t.Fatalf("unexpected compact view: %q", compact)
	}

	next, _ = m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	full := next.(model).View()
	for _, want := range []string{"you=Lemur", "peers=1", "Nearby", "Otter", "last event"} {
		if !strings.Contains(full, want) {
			t.Fatalf("full view missing %q: %q", want, full)
		}
	}
}
