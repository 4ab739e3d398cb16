package store

import (
	"testing"
	"time"

	"github.com/jovyan/nbgate/internal/protocol"
)

func testRuntime(uid, owner string, started time.Time) *protocol.Runtime {
	return &protocol.Runtime{
		UID:         uid,
		PodName:     "pod-" + uid,
		Environment: "python-cpu",
		Name:        "nb-" + uid,
		Ingress:     "https://rt.example/" + uid,
		StartedAt:   protocol.NewTimestamp(started),
		ExpiredAt:   protocol.NewTimestamp(started.Add(10 * time.Minute)),
		Status:      "running",
		Owner:       owner,
	}
}

func TestAddGetRemove(t *testing.T) {
	s := New()

	rt := testRuntime("rt-1", "doc-a", time.Now())
	if err := s.Add(rt); err != nil {
		t.Fatalf("Add error: %v", err)
	}

	if got := s.Get("rt-1"); got == nil || got.PodName != "pod-rt-1" {
		t.Errorf("Get = %+v", got)
	}
	if got := s.Get("rt-missing"); got != nil {
		t.Errorf("Get of unknown uid = %+v, want nil", got)
	}

	if err := s.Remove("rt-1"); err != nil {
		t.Fatalf("Remove error: %v", err)
	}
	if s.Get("rt-1") != nil {
		t.Error("runtime still present after Remove")
	}

	// Removing again is fine.
	if err := s.Remove("rt-1"); err != nil {
		t.Errorf("second Remove error: %v", err)
	}
}

func TestGetByOwner(t *testing.T) {
	s := New()
	s.Add(testRuntime("rt-1", "doc-a", time.Now()))
	s.Add(testRuntime("rt-2", "doc-b", time.Now()))

	if got := s.GetByOwner("doc-b"); got == nil || got.UID != "rt-2" {
		t.Errorf("GetByOwner(doc-b) = %+v", got)
	}
	if got := s.GetByOwner("doc-c"); got != nil {
		t.Errorf("GetByOwner of unknown owner = %+v, want nil", got)
	}
}

func TestListOrderedByStartTime(t *testing.T) {
	s := New()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.Add(testRuntime("rt-late", "", base.Add(2*time.Minute)))
	s.Add(testRuntime("rt-early", "", base))
	s.Add(testRuntime("rt-mid", "", base.Add(time.Minute)))

	got := s.List()
	if len(got) != 3 {
		t.Fatalf("List returned %d runtimes, want 3", len(got))
	}
	if got[0].UID != "rt-early" || got[1].UID != "rt-mid" || got[2].UID != "rt-late" {
		t.Errorf("order = %s, %s, %s", got[0].UID, got[1].UID, got[2].UID)
	}
}

func TestAddReplacesExisting(t *testing.T) {
	s := New()
	s.Add(testRuntime("rt-1", "doc-a", time.Now()))

	updated := testRuntime("rt-1", "doc-a", time.Now())
	updated.Status = "stopping"
	s.Add(updated)

	if s.Count() != 1 {
		t.Fatalf("Count = %d, want 1", s.Count())
	}
	if got := s.Get("rt-1"); got.Status != "stopping" {
		t.Errorf("Status = %q, want stopping", got.Status)
	}
}
