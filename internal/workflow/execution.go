package workflow

import (
	"sort"
	"sync"
	"time"
)

// Status of an execution
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// StepStatus of one step inside an execution
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepRecord tracks one step's lifecycle
type StepRecord struct {
	StepID    string     `json:"step_id"`
	Kind      StepKind   `json:"kind"`
	Status    StepStatus `json:"status"`
	Attempts  int        `json:"attempts,omitempty"`
	StartTime time.Time  `json:"start_time,omitempty"`
	EndTime   time.Time  `json:"end_time,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Execution is one run of a workflow. All mutation goes through its methods.
type Execution struct {
	id         string
	workflowID string
	trigger    string
	inputs     map[string]interface{}
	done       chan struct{}

	mu        sync.RWMutex
	status    Status
	results   map[string]interface{}
	steps     map[string]*StepRecord
	startTime time.Time
	endTime   time.Time
	err       string
}

// ExecutionSnapshot is a consistent copy of an execution
type ExecutionSnapshot struct {
	ID         string                 `json:"id"`
	WorkflowID string                 `json:"workflow_id"`
	Trigger    string                 `json:"trigger,omitempty"`
	Inputs     map[string]interface{} `json:"inputs"`
	Status     Status                 `json:"status"`
	Results    map[string]interface{} `json:"results"`
	Steps      []StepRecord           `json:"steps"`
	StartTime  time.Time              `json:"start_time"`
	EndTime    *time.Time             `json:"end_time,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

func newExecution(id, workflowID, trigger string, inputs map[string]interface{}) *Execution {
	if inputs == nil {
		inputs = make(map[string]interface{})
	}
	return &Execution{
		id:         id,
		workflowID: workflowID,
		trigger:    trigger,
		inputs:     inputs,
		done:       make(chan struct{}),
		status:     StatusPending,
		results:    make(map[string]interface{}),
		steps:      make(map[string]*StepRecord),
	}
}

func (e *Execution) ID() string         { return e.id }
func (e *Execution) WorkflowID() string { return e.workflowID }

// Done is closed once the execution reaches a terminal status
func (e *Execution) Done() <-chan struct{} { return e.done }

func (e *Execution) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// Result returns the stored result of a step
func (e *Execution) Result(stepID string) (interface{}, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.results[stepID]
	return v, ok
}

// Step returns the record of a step
func (e *Execution) Step(stepID string) (StepRecord, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.steps[stepID]
	if !ok {
		return StepRecord{}, false
	}
	return *rec, true
}

func (e *Execution) Error() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.err
}

func (e *Execution) start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = StatusRunning
	e.startTime = time.Now()
}

// finish moves the execution to a terminal status exactly once
func (e *Execution) finish(status Status, errMsg string) {
	e.mu.Lock()
	if e.status == StatusCompleted || e.status == StatusFailed {
		e.mu.Unlock()
		return
	}
	e.status = status
	e.err = errMsg
	e.endTime = time.Now()
	e.mu.Unlock()
	close(e.done)
}

func (e *Execution) stepStarted(stepID string, kind StepKind) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.steps[stepID]
	if !ok {
		rec = &StepRecord{StepID: stepID, Kind: kind, StartTime: time.Now()}
		e.steps[stepID] = rec
	}
	rec.Status = StepRunning
	rec.Attempts++
}

func (e *Execution) stepCompleted(stepID string, result interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.results[stepID] = result
	if rec, ok := e.steps[stepID]; ok {
		rec.Status = StepCompleted
		rec.EndTime = time.Now()
		rec.Error = ""
	}
}

func (e *Execution) stepFailed(stepID string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec, ok := e.steps[stepID]; ok {
		rec.Status = StepFailed
		rec.EndTime = time.Now()
		rec.Error = err.Error()
	}
}

func (e *Execution) skip(stepID string, kind StepKind) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec, ok := e.steps[stepID]; ok && rec.Status != StepPending {
		return
	}
	now := time.Now()
	e.steps[stepID] = &StepRecord{StepID: stepID, Kind: kind, Status: StepSkipped, StartTime: now, EndTime: now}
}

func (e *Execution) stepStatus(stepID string) StepStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if rec, ok := e.steps[stepID]; ok {
		return rec.Status
	}
	return StepPending
}

// vars builds the expression scope: inputs, results and each result by step id
func (e *Execution) vars() map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()

	results := make(map[string]interface{}, len(e.results))
	for k, v := range e.results {
		results[k] = v
	}
	scope := make(map[string]interface{}, len(results)+2)
	for k, v := range results {
		scope[k] = v
	}
	scope["inputs"] = e.inputs
	scope["results"] = results
	return scope
}

// Snapshot copies the execution; steps are ordered by start time
func (e *Execution) Snapshot() ExecutionSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snap := ExecutionSnapshot{
		ID:         e.id,
		WorkflowID: e.workflowID,
		Trigger:    e.trigger,
		Inputs:     e.inputs,
		Status:     e.status,
		Results:    make(map[string]interface{}, len(e.results)),
		Steps:      make([]StepRecord, 0, len(e.steps)),
		StartTime:  e.startTime,
		Error:      e.err,
	}
	for k, v := range e.results {
		snap.Results[k] = v
	}
	for _, rec := range e.steps {
		snap.Steps = append(snap.Steps, *rec)
	}
	sort.SliceStable(snap.Steps, func(i, j int) bool {
		if snap.Steps[i].StartTime.Equal(snap.Steps[j].StartTime) {
			return snap.Steps[i].StepID < snap.Steps[j].StepID
		}
		return snap.Steps[i].StartTime.Before(snap.Steps[j].StartTime)
	})
	if !e.endTime.IsZero() {
		t := e.endTime
		snap.EndTime = &t
	}
	return snap
}
