package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/gitquery/internal/config"
	"github.com/hochfrequenz/gitquery/internal/coordinator"
	"github.com/hochfrequenz/gitquery/internal/gitcmd"
)

func TestOperations_CloneGuard(t *testing.T) {
	dir := t.TempDir()
	clonePath := filepath.Join(dir, "repo.git")
	repo := gitcmd.NewRepo(gitcmd.NewExecRunner(""), clonePath, "https://example.com/repo.git", "")

	ops := operations(repo, config.Default())

	if got := ops.Clone.Guard(); got != "" {
		t.Errorf("guard before clone = %q, want empty", got)
	}
	if err := os.Mkdir(clonePath, 0o755); err != nil {
		t.Fatal(err)
	}
	if got := ops.Clone.Guard(); got != "Clone already exists." {
		t.Errorf("guard after clone = %q, want Clone already exists.", got)
	}

	if ops.Fetch.Guard != nil {
		t.Error("fetch should have no guard")
	}
	if ops.Fetch.MinInterval != 60*time.Second {
		t.Errorf("fetch MinInterval = %v, want 60s", ops.Fetch.MinInterval)
	}
}

func TestFirstLine(t *testing.T) {
	tests := []struct {
		outputs []string
		want    string
	}{
		{[]string{"a\nb"}, "a"},
		{[]string{"", "Cloning into bare repository '/tmp/x'...\ndone."}, "Cloning into bare repository '/tmp/x'..."},
		{[]string{"", ""}, ""},
	}

	for _, tt := range tests {
		if got := firstLine(tt.outputs...); got != tt.want {
			t.Errorf("firstLine(%q) = %q, want %q", tt.outputs, got, tt.want)
		}
	}
}

type countingTrigger struct{ calls int }

func (c *countingTrigger) Trigger(op coordinator.Operation) coordinator.TriggerResult {
	c.calls++
	return coordinator.TriggerResult{Status: coordinator.StatusSkipped}
}

func TestFetchSchedule(t *testing.T) {
	trigger := &countingTrigger{}

	sched, err := fetchSchedule("", trigger, zap.NewNop())
	if err != nil || sched != nil {
		t.Errorf("fetchSchedule(\"\") = %v, %v, want nil, nil", sched, err)
	}

	if _, err := fetchSchedule("every tuesday", trigger, zap.NewNop()); err == nil {
		t.Error("expected error for invalid expression")
	}

	sched, err = fetchSchedule("@every 5m", trigger, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if jobs := sched.Jobs(); len(jobs) != 1 || jobs[0] != "fetch" {
		t.Errorf("Jobs() = %v, want [fetch]", jobs)
	}
	if sched.NextRun("fetch").IsZero() {
		t.Error("NextRun should be known before the scheduler runs")
	}
	if trigger.calls != 0 {
		t.Errorf("triggered %d times before Run, want 0", trigger.calls)
	}
}
