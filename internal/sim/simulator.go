// Package sim runs dry-run simulations of agent definitions. Each run is a
// small state machine (idle -> running -> success|error) with an append-only
// log and terminal metrics, owned by exactly one writer goroutine.
package sim

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentforge/internal/domain"
)

// AgentSource resolves agent definitions; the store implements it.
type AgentSource interface {
	GetAgent(ctx context.Context, id string) (domain.AgentDefinition, error)
}

// RunSink receives finished runs for persistence. May be nil.
type RunSink interface {
	SaveRun(ctx context.Context, run domain.SimulationRun) error
}

// Simulator tracks at most one active run per agent. Consumers poll run
// records through Snapshot; the record grows while the run executes.
type Simulator struct {
	Agents    AgentSource
	Sink      RunSink
	StepDelay time.Duration
	Now       func() time.Time

	mu     sync.Mutex
	runs   map[string]*task
	active map[string]string // agent id -> running run id
}

// task is the run-keyed record. Only the goroutine spawned by Run appends to
// it; readers take snapshots under the task lock.
type task struct {
	mu     sync.Mutex
	run    domain.SimulationRun
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a simulator reading agents from src and saving finished runs
// to sink (sink may be nil).
func New(src AgentSource, sink RunSink) *Simulator {
	return &Simulator{
		Agents:    src,
		Sink:      sink,
		StepDelay: 150 * time.Millisecond,
		Now:       time.Now,
		runs:      make(map[string]*task),
		active:    make(map[string]string),
	}
}

func (s *Simulator) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Run starts a simulation for the agent. It fails with ConcurrencyError when
// the agent already has a run in the running state; the new run never
// interleaves log writes with the old one. The returned record is the
// initial snapshot; poll Snapshot for growth.
func (s *Simulator) Run(ctx context.Context, agentID, mockDataID string) (domain.SimulationRun, error) {
	agent, err := s.Agents.GetAgent(ctx, agentID)
	if err != nil {
		return domain.SimulationRun{}, err
	}

	s.mu.Lock()
	if runID, ok := s.active[agentID]; ok {
		s.mu.Unlock()
		return domain.SimulationRun{}, domain.ConcurrencyError{AgentID: agentID, RunID: runID}
	}
	start := s.now().UTC()
	runCtx, cancel := context.WithCancel(context.Background())
	t := &task{
		run: domain.SimulationRun{
			ID:         uuid.New().String(),
			AgentID:    agentID,
			MockDataID: mockDataID,
			Status:     domain.RunRunning,
			StartTime:  start,
			Logs: []domain.LogEntry{{
				Timestamp: start,
				Level:     domain.LogInfo,
				Message:   "Starting simulation...",
			}},
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.runs[t.run.ID] = t
	s.active[agentID] = t.run.ID
	s.mu.Unlock()

	go s.execute(runCtx, t, agent)
	return s.copyOf(t), nil
}

// execute is the single writer for its run record.
func (s *Simulator) execute(ctx context.Context, t *task, agent domain.AgentDefinition) {
	defer close(t.done)
	defer t.cancel()

	aborted := func() bool {
		select {
		case <-ctx.Done():
			return true
		default:
			return false
		}
	}

	finish := func(status domain.RunStatus) {
		end := s.now().UTC()
		t.mu.Lock()
		if last := t.run.Logs[len(t.run.Logs)-1].Timestamp; end.Before(last) {
			end = last
		}
		t.run.EndTime = &end
		t.run.Status = status
		t.run.Metrics = s.metrics(agent, t.run.StartTime, end, status)
		run := t.run.Clone()
		t.mu.Unlock()

		s.mu.Lock()
		if s.active[run.AgentID] == run.ID {
			delete(s.active, run.AgentID)
		}
		s.mu.Unlock()

		if s.Sink != nil {
			_ = s.Sink.SaveRun(context.Background(), run)
		}
	}

	s.pause(ctx)
	if aborted() {
		s.append(t, domain.LogError, "Simulation aborted", "")
		finish(domain.RunError)
		return
	}
	s.append(t, domain.LogInfo, "Processing data...", "")

	for _, n := range agent.Nodes {
		s.pause(ctx)
		if aborted() {
			s.append(t, domain.LogError, "Simulation aborted", n.ID)
			finish(domain.RunError)
			return
		}
		s.append(t, domain.LogInfo, "Executing "+string(n.Type)+" node", n.ID)
	}

	s.pause(ctx)
	if aborted() {
		s.append(t, domain.LogError, "Simulation aborted", "")
		finish(domain.RunError)
		return
	}
	s.append(t, domain.LogSuccess, "Simulation completed successfully", "")
	finish(domain.RunSuccess)
}

func (s *Simulator) pause(ctx context.Context) {
	if s.StepDelay <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(s.StepDelay):
	}
}

// append writes one log entry, clamping the timestamp so the log stays
// strictly increasing even under a frozen test clock.
func (s *Simulator) append(t *task, level domain.LogLevel, msg, nodeID string) {
	ts := s.now().UTC()
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.run.Logs); n > 0 {
		if last := t.run.Logs[n-1].Timestamp; !ts.After(last) {
			ts = last.Add(time.Millisecond)
		}
	}
	t.run.Logs = append(t.run.Logs, domain.LogEntry{Timestamp: ts, Level: level, Message: msg, NodeID: nodeID})
}

// metrics is computed only for terminal states. Token counts are estimated
// from the graph size; wire a real accounting source here when one exists.
func (s *Simulator) metrics(agent domain.AgentDefinition, start, end time.Time, status domain.RunStatus) *domain.Metrics {
	prompt := 320 + 120*len(agent.Nodes)
	completion := 80 + 40*len(agent.Nodes)
	usage := &domain.TokenUsage{Prompt: prompt, Completion: completion, Total: prompt + completion}
	success, failure := 100.0, 0.0
	if status == domain.RunError {
		success, failure = 0.0, 100.0
	}
	return &domain.Metrics{
		ExecutionTimeMs: end.Sub(start).Milliseconds(),
		TokenUsage:      usage,
		SuccessRate:     &success,
		ErrorRate:       &failure,
	}
}

func (s *Simulator) task(runID string) (*task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.runs[runID]
	if !ok {
		return nil, domain.NotFoundError{Kind: "run", ID: runID}
	}
	return t, nil
}

func (s *Simulator) copyOf(t *task) domain.SimulationRun {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.run.Clone()
}

// Snapshot returns a copy of the run record, readable at any time including
// mid-run.
func (s *Simulator) Snapshot(runID string) (domain.SimulationRun, error) {
	t, err := s.task(runID)
	if err != nil {
		return domain.SimulationRun{}, err
	}
	return s.copyOf(t), nil
}

// Cancel aborts an in-flight run; it resolves to the error state with an
// abort log entry. Cancelling a finished run is a no-op.
func (s *Simulator) Cancel(runID string) error {
	t, err := s.task(runID)
	if err != nil {
		return err
	}
	t.cancel()
	return nil
}

// Wait blocks until the run reaches a terminal state or ctx expires.
func (s *Simulator) Wait(ctx context.Context, runID string) (domain.SimulationRun, error) {
	t, err := s.task(runID)
	if err != nil {
		return domain.SimulationRun{}, err
	}
	select {
	case <-t.done:
		return s.copyOf(t), nil
	case <-ctx.Done():
		return domain.SimulationRun{}, ctx.Err()
	}
}
