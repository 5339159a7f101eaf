package agents_test

import (
	"os"
	"testing"

	"github.com/metahuman/metahuman-os/control-plane/internal/agents"
	"github.com/metahuman/metahuman-os/control-plane/pkg/models"
)

func TestRegisterAgent_RejectsDuplicateWhileAlive(t *testing.T) {
	r := agents.NewRegistry(t.TempDir())

	rec := &models.AgentRecord{User: "u1", Name: "daily-digest", Pid: os.Getpid()}
	if err := r.RegisterAgent(rec); err != nil {
		t.Fatalf("first RegisterAgent() error = %v", err)
	}

	dup := &models.AgentRecord{User: "u1", Name: "daily-digest", Pid: os.Getpid()}
	if err := r.RegisterAgent(dup); err == nil {
		t.Error("RegisterAgent() duplicate while alive = nil error, want conflict")
	}
}

func TestRegisterAgent_AllowsReplacingAStoppedRecord(t *testing.T) {
	r := agents.NewRegistry(t.TempDir())

	rec := &models.AgentRecord{User: "u1", Name: "daily-digest", Pid: os.Getpid()}
	if err := r.RegisterAgent(rec); err != nil {
		t.Fatalf("first RegisterAgent() error = %v", err)
	}
	r.MarkStopped("u1", "daily-digest", 0)

	restarted := &models.AgentRecord{User: "u1", Name: "daily-digest", Pid: os.Getpid()}
	if err := r.RegisterAgent(restarted); err != nil {
		t.Errorf("RegisterAgent() after MarkStopped error = %v, want nil", err)
	}
}

func TestListForUser_FiltersByOwner(t *testing.T) {
	r := agents.NewRegistry(t.TempDir())
	_ = r.RegisterAgent(&models.AgentRecord{User: "u1", Name: "a"})
	_ = r.RegisterAgent(&models.AgentRecord{User: "u1", Name: "b"})
	_ = r.RegisterAgent(&models.AgentRecord{User: "u2", Name: "c"})

	got := r.ListForUser("u1")
	if len(got) != 2 {
		t.Errorf("ListForUser(u1) returned %d records, want 2", len(got))
	}
	for _, rec := range got {
		if rec.User != "u1" {
			t.Errorf("ListForUser(u1) returned a record for %q", rec.User)
		}
	}
}

func TestMarkStopped_ClearsPidKeepsRecord(t *testing.T) {
	r := agents.NewRegistry(t.TempDir())
	_ = r.RegisterAgent(&models.AgentRecord{User: "u1", Name: "a", Pid: os.Getpid()})

	r.MarkStopped("u1", "a", 7)

	rec, ok := r.Get("u1", "a")
	if !ok {
		t.Fatal("Get() after MarkStopped: record missing, want retained")
	}
	if rec.Pid != 0 {
		t.Errorf("Pid after MarkStopped = %d, want 0", rec.Pid)
	}
	if rec.LastExit == nil || *rec.LastExit != 7 {
		t.Errorf("LastExit after MarkStopped = %v, want 7", rec.LastExit)
	}
}

func TestGet_UnknownAgentNotFound(t *testing.T) {
	r := agents.NewRegistry(t.TempDir())
	if _, ok := r.Get("nobody", "nothing"); ok {
		t.Error("Get() for an unregistered agent = found, want not found")
	}
}
