package dashboard

import (
	"strings"
	"testing"
	"time"

	"github.com/jovyan/nbgate/internal/protocol"
)

func TestModel_Init(t *testing.T) {
	m := NewModel(nil)
	if m.cursor != 0 {
		t.Errorf("initial cursor = %d, want 0", m.cursor)
	}
}

func TestModel_MoveCursor(t *testing.T) {
	m := NewModel(nil)
	m.runtimes = []protocol.Runtime{
		{UID: "rt-1"},
		{UID: "rt-2"},
		{UID: "rt-3"},
	}

	m.moveCursor(1)
	if m.cursor != 1 {
		t.Errorf("cursor after down = %d, want 1", m.cursor)
	}

	m.moveCursor(1)
	m.moveCursor(1) // at bottom, should stay
	if m.cursor != 2 {
		t.Errorf("cursor at bottom = %d, want 2", m.cursor)
	}

	m.moveCursor(-1)
	if m.cursor != 1 {
		t.Errorf("cursor after up = %d, want 1", m.cursor)
	}
}

func TestModel_SelectedRuntime(t *testing.T) {
	m := NewModel(nil)
	m.runtimes = []protocol.Runtime{
		{UID: "rt-1", Name: "one"},
		{UID: "rt-2", Name: "two"},
	}

	m.cursor = 1
	selected := m.SelectedRuntime()
	if selected == nil {
		t.Fatal("expected selected runtime")
	}
	if selected.Name != "two" {
		t.Errorf("selected name = %q, want %q", selected.Name, "two")
	}
}

func TestModel_ConnectionCount(t *testing.T) {
	m := NewModel(nil)
	m.connections = []protocol.ConnectionInfo{
		{ID: "ws-1", RuntimeUID: "rt-1"},
		{ID: "ws-2", RuntimeUID: "rt-1"},
		{ID: "ws-3", RuntimeUID: "rt-2"},
		{ID: "ws-4"},
	}

	if got := m.connectionCount("rt-1"); got != 2 {
		t.Errorf("connectionCount(rt-1) = %d, want 2", got)
	}
	if got := m.connectionCount("rt-3"); got != 0 {
		t.Errorf("connectionCount(rt-3) = %d, want 0", got)
	}
}

func TestModel_ViewShowsRemainingTime(t *testing.T) {
	m := NewModel(nil)
	m.now = time.Now()
	m.runtimes = []protocol.Runtime{
		{
			UID:       "rt-1",
			Name:      "my-notebook",
			Status:    "running",
			ExpiredAt: protocol.NewTimestamp(m.now.Add(5*time.Minute + 30*time.Second)),
		},
	}

	view := m.View()
	if !strings.Contains(view, "my-notebook") {
		t.Error("view missing runtime name")
	}
	if !strings.Contains(view, "5m") {
		t.Errorf("view missing remaining time:\n%s", view)
	}
}

func TestModel_ViewExpiredRuntime(t *testing.T) {
	m := NewModel(nil)
	m.now = time.Now()
	m.runtimes = []protocol.Runtime{
		{UID: "rt-1", ExpiredAt: protocol.NewTimestamp(m.now.Add(-time.Minute))},
	}

	if view := m.View(); !strings.Contains(view, "expired") {
		t.Errorf("view missing expired marker:\n%s", view)
	}
}

func TestFormatRemaining(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{0, "expired"},
		{-time.Minute, "expired"},
		{90 * time.Second, "1m 30s"},
		{10 * time.Minute, "10m 00s"},
	}
	for _, c := range cases {
		if got := formatRemaining(c.d); got != c.want {
			t.Errorf("formatRemaining(%v) = %q, want %q", c.d, got, c.want)
		}
	}
}
