package workflow

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type scheduler struct {
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	jobs   map[string]bool

	// last observed state per threshold trigger, so thresholds fire on the
	// transition into the satisfied range only
	thresholdMu sync.Mutex
	thresholds  map[string]bool
}

func (s *scheduler) init() {
	s.jobs = make(map[string]bool)
	s.thresholds = make(map[string]bool)
}

func (s *scheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Start runs schedule triggers for every registered workflow until Stop or ctx ends.
// Workflows created afterwards are scheduled as they are added.
func (e *Engine) Start(ctx context.Context) {
	e.sched.mu.Lock()
	if e.sched.ctx != nil {
		e.sched.mu.Unlock()
		return
	}
	e.sched.ctx, e.sched.cancel = context.WithCancel(ctx)
	e.sched.mu.Unlock()

	for _, def := range e.ListWorkflows() {
		e.scheduleWorkflow(def)
	}
	e.logger.WithField("scheduled_jobs", e.sched.count()).Info("Workflow scheduler started")
}

// Stop cancels schedules and in-flight background executions, then waits for them
func (e *Engine) Stop() {
	e.sched.mu.Lock()
	if e.sched.cancel != nil {
		e.sched.cancel()
	}
	e.sched.ctx = nil
	e.sched.cancel = nil
	e.sched.jobs = make(map[string]bool)
	e.sched.mu.Unlock()

	e.sched.wg.Wait()
	e.shutdown()
	e.inflight.Wait()
	e.logger.Info("Workflow engine stopped")
}

func (e *Engine) scheduleWorkflow(def *Definition) {
	e.sched.mu.Lock()
	defer e.sched.mu.Unlock()
	if e.sched.ctx == nil {
		return
	}

	for _, t := range def.Triggers {
		src, ok := t.Source.(ScheduleTrigger)
		if !ok || !t.Active {
			continue
		}
		key := def.ID + "/" + t.ID
		if e.sched.jobs[key] {
			continue
		}
		e.sched.jobs[key] = true
		e.sched.wg.Add(1)
		go e.runSchedule(e.sched.ctx, def.ID, t.ID, src.Interval.Std())
	}
}

func (e *Engine) runSchedule(ctx context.Context, workflowID, triggerID string, interval time.Duration) {
	defer e.sched.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticker.C:
			inputs := map[string]interface{}{
				"trigger_id":   triggerID,
				"scheduled_at": tick.UTC().Format(time.RFC3339),
			}
			if _, err := e.StartWorkflow(ctx, workflowID, string(TriggerSchedule), inputs); err != nil {
				e.logger.WithError(err).WithField("workflow_id", workflowID).Warn("Scheduled workflow did not start")
			}
		}
	}
}

// HandleWebhook starts every workflow with an active webhook trigger on path
func (e *Engine) HandleWebhook(ctx context.Context, path string, payload map[string]interface{}) []*Execution {
	path = strings.Trim(path, "/")
	return e.fire(ctx, TriggerWebhook, payload, func(_ string, t Trigger) bool {
		w, ok := t.Source.(WebhookTrigger)
		return ok && strings.Trim(w.Path, "/") == path
	})
}

// EmitEvent starts every workflow listening for the named event
func (e *Engine) EmitEvent(ctx context.Context, event string, payload map[string]interface{}) []*Execution {
	return e.fire(ctx, TriggerEvent, payload, func(_ string, t Trigger) bool {
		ev, ok := t.Source.(EventTrigger)
		return ok && ev.Event == event
	})
}

// NotifyFileChange starts workflows whose file_change pattern matches path
func (e *Engine) NotifyFileChange(ctx context.Context, path string) []*Execution {
	inputs := map[string]interface{}{"path": path}
	return e.fire(ctx, TriggerFileChange, inputs, func(_ string, t Trigger) bool {
		fc, ok := t.Source.(FileChangeTrigger)
		if !ok {
			return false
		}
		if matched, _ := filepath.Match(fc.Pattern, path); matched {
			return true
		}
		matched, _ := filepath.Match(fc.Pattern, filepath.Base(path))
		return matched
	})
}

// ReportMetric feeds a metric observation to threshold triggers. A trigger fires
// when the comparison becomes true and re-arms once it is false again.
func (e *Engine) ReportMetric(ctx context.Context, metric string, value float64) []*Execution {
	inputs := map[string]interface{}{"metric": metric, "value": value}
	return e.fire(ctx, TriggerThreshold, inputs, func(workflowID string, t Trigger) bool {
		th, ok := t.Source.(ThresholdTrigger)
		if !ok || th.Metric != metric {
			return false
		}
		satisfied := th.satisfied(value)

		key := workflowID + "/" + t.ID
		e.sched.thresholdMu.Lock()
		defer e.sched.thresholdMu.Unlock()
		was := e.sched.thresholds[key]
		e.sched.thresholds[key] = satisfied
		return satisfied && !was
	})
}

func (th ThresholdTrigger) satisfied(value float64) bool {
	switch th.Operator {
	case "==":
		return value == th.Value
	case "!=":
		return value != th.Value
	case ">":
		return value > th.Value
	case "<":
		return value < th.Value
	case ">=":
		return value >= th.Value
	case "<=":
		return value <= th.Value
	}
	return false
}

// fire starts at most one execution per workflow with a matching active trigger
func (e *Engine) fire(ctx context.Context, kind TriggerKind, payload map[string]interface{}, match func(workflowID string, t Trigger) bool) []*Execution {
	var started []*Execution
	for _, def := range e.ListWorkflows() {
		for _, t := range def.Triggers {
			if !t.Active || t.Source == nil || t.Source.Kind() != kind || !match(def.ID, t) {
				continue
			}

			inputs := make(map[string]interface{}, len(payload)+1)
			for k, v := range payload {
				inputs[k] = v
			}
			if _, ok := inputs["trigger_id"]; !ok {
				inputs["trigger_id"] = t.ID
			}

			exec, err := e.StartWorkflow(ctx, def.ID, string(kind), inputs)
			if err != nil {
				e.logger.WithError(err).WithField("workflow_id", def.ID).Warn("Triggered workflow did not start")
				break
			}
			e.logger.WithFields(logrus.Fields{
				"workflow_id":  def.ID,
				"trigger_id":   t.ID,
				"trigger":      kind,
				"execution_id": exec.ID(),
			}).Info("Workflow triggered")
			started = append(started, exec)
			break
		}
	}
	return started
}
