package sim_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"agentforge/internal/domain"
	"agentforge/internal/sim"
)

type fakeAgents map[string]domain.AgentDefinition

func (f fakeAgents) GetAgent(ctx context.Context, id string) (domain.AgentDefinition, error) {
	a, ok := f[id]
	if !ok {
		return domain.AgentDefinition{}, domain.NotFoundError{Kind: "agent", ID: id}
	}
	return a, nil
}

type recordingSink struct {
	mu   sync.Mutex
	runs []domain.SimulationRun
}

func (r *recordingSink) SaveRun(ctx context.Context, run domain.SimulationRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return nil
}

func newSimulator(sink sim.RunSink) *sim.Simulator {
	agents := fakeAgents{
		"agent-1": {
			ID:   "agent-1",
			Name: "fulfiller",
			Nodes: []domain.Node{
				{ID: "n1", Type: domain.NodeTrigger},
				{ID: "n2", Type: domain.NodeAction},
			},
			Edges: []domain.Edge{{ID: "e1", Source: "n1", Target: "n2"}},
		},
	}
	s := sim.New(agents, sink)
	s.StepDelay = 0
	return s
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRunCompletesWithOrderedLogsAndMetrics(t *testing.T) {
	sink := &recordingSink{}
	s := newSimulator(sink)

	started, err := s.Run(context.Background(), "agent-1", "mock-1")
	if err != nil {
		t.Fatal(err)
	}
	if started.Status != domain.RunRunning {
		t.Fatalf("expected running, got %s", started.Status)
	}
	if started.Metrics != nil {
		t.Fatalf("metrics must be unset while running")
	}
	if len(started.Logs) == 0 || started.Logs[0].Message != "Starting simulation..." {
		t.Fatalf("missing start log: %+v", started.Logs)
	}

	run, err := s.Wait(waitCtx(t), started.ID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.RunSuccess {
		t.Fatalf("expected success, got %s", run.Status)
	}
	if run.EndTime == nil || run.Metrics == nil {
		t.Fatalf("terminal run must carry end time and metrics")
	}
	if run.Metrics.ExecutionTimeMs != run.EndTime.Sub(run.StartTime).Milliseconds() {
		t.Fatalf("execution time mismatch")
	}
	if run.Metrics.TokenUsage == nil || run.Metrics.TokenUsage.Total !=
		run.Metrics.TokenUsage.Prompt+run.Metrics.TokenUsage.Completion {
		t.Fatalf("token usage inconsistent: %+v", run.Metrics.TokenUsage)
	}

	var sawProcessing bool
	for i, entry := range run.Logs {
		if i > 0 && entry.Timestamp.Before(run.Logs[i-1].Timestamp) {
			t.Fatalf("log timestamps decreased at %d: %+v", i, run.Logs)
		}
		if entry.Message == "Processing data..." {
			sawProcessing = true
			if !entry.Timestamp.After(run.Logs[0].Timestamp) {
				t.Fatalf("processing entry not strictly later than start entry")
			}
		}
	}
	if !sawProcessing {
		t.Fatalf("missing processing log entry")
	}
	if last := run.Logs[len(run.Logs)-1]; last.Level != domain.LogSuccess {
		t.Fatalf("terminal log should be success level: %+v", last)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.runs) != 1 || sink.runs[0].ID != run.ID {
		t.Fatalf("finished run not saved to sink")
	}
}

func TestSecondRunWhileRunningIsRejected(t *testing.T) {
	s := newSimulator(nil)
	s.StepDelay = 50 * time.Millisecond

	first, err := s.Run(context.Background(), "agent-1", "")
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.Run(context.Background(), "agent-1", "")
	var ce domain.ConcurrencyError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConcurrencyError, got %v", err)
	}
	if ce.RunID != first.ID {
		t.Fatalf("error should name the active run")
	}

	// the first run's record is untouched by the rejected attempt
	snap, err := s.Snapshot(first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Logs[0].Message != "Starting simulation..." {
		t.Fatalf("first run logs disturbed: %+v", snap.Logs)
	}

	done, err := s.Wait(waitCtx(t), first.ID)
	if err != nil || done.Status != domain.RunSuccess {
		t.Fatalf("first run should finish cleanly: %v %s", err, done.Status)
	}

	// terminal state frees the agent for the next run
	if _, err := s.Run(context.Background(), "agent-1", ""); err != nil {
		t.Fatalf("run after completion: %v", err)
	}
}

func TestCancelResolvesToErrorState(t *testing.T) {
	s := newSimulator(nil)
	s.StepDelay = time.Hour // park the run so Cancel races nothing

	started, err := s.Run(context.Background(), "agent-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Cancel(started.ID); err != nil {
		t.Fatal(err)
	}
	run, err := s.Wait(waitCtx(t), started.ID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.RunError {
		t.Fatalf("expected error state after cancel, got %s", run.Status)
	}
	if run.Metrics == nil || run.Metrics.ErrorRate == nil || *run.Metrics.ErrorRate != 100 {
		t.Fatalf("cancelled run should carry error metrics: %+v", run.Metrics)
	}
	last := run.Logs[len(run.Logs)-1]
	if last.Level != domain.LogError || last.Message != "Simulation aborted" {
		t.Fatalf("missing abort log: %+v", last)
	}

	// the agent is free again
	if _, err := s.Run(context.Background(), "agent-1", ""); err != nil {
		t.Fatalf("run after cancel: %v", err)
	}
}

func TestSnapshotMidRunIsIsolatedCopy(t *testing.T) {
	s := newSimulator(nil)
	s.StepDelay = 20 * time.Millisecond

	started, err := s.Run(context.Background(), "agent-1", "")
	if err != nil {
		t.Fatal(err)
	}
	snap, err := s.Snapshot(started.ID)
	if err != nil {
		t.Fatal(err)
	}
	snap.Logs[0].Message = "tampered"
	final, err := s.Wait(waitCtx(t), started.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Logs[0].Message != "Starting simulation..." {
		t.Fatalf("snapshot mutation leaked into the run record")
	}
}

func TestUnknownAgentAndRun(t *testing.T) {
	s := newSimulator(nil)
	if _, err := s.Run(context.Background(), "ghost", ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := s.Snapshot("no-such-run"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := s.Cancel("no-such-run"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestFrozenClockStillProducesIncreasingTimestamps(t *testing.T) {
	s := newSimulator(nil)
	fixed := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return fixed }

	started, err := s.Run(context.Background(), "agent-1", "")
	if err != nil {
		t.Fatal(err)
	}
	run, err := s.Wait(waitCtx(t), started.ID)
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(run.Logs); i++ {
		if !run.Logs[i].Timestamp.After(run.Logs[i-1].Timestamp) {
			t.Fatalf("timestamps not strictly increasing under frozen clock: %+v", run.Logs)
		}
	}
	if run.EndTime.Before(run.Logs[len(run.Logs)-1].Timestamp) {
		t.Fatalf("end time before last log entry")
	}
}
