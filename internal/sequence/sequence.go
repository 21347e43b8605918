// Package sequence runs a fixed list of browser steps, gating each one on
// page readiness instead of fixed delays.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/patrickjm/shopwalk/internal/browser"
	"github.com/patrickjm/shopwalk/internal/telemetry"
	"github.com/patrickjm/shopwalk/internal/wait"
)

type Policy int

const (
	// Mandatory steps abort the run when a gate or the action fails.
	Mandatory Policy = iota
	// BestEffort steps log the failure and let the run continue.
	BestEffort
)

func (p Policy) String() string {
	if p == BestEffort {
		return "best-effort"
	}
	return "mandatory"
}

type Gate struct {
	Cond    wait.Condition
	Timeout time.Duration
}

// Input is what an action sees: the current page and the selector each
// disjunctive ready gate matched, keyed by condition name.
type Input struct {
	Page    browser.Page
	Matched map[string]string
}

// Output lets an action hand the flow to a different page. A nil Page keeps
// the current one. Note is a short human-readable summary for the report.
type Output struct {
	Page browser.Page
	Note string
}

type Action func(ctx context.Context, in Input) (Output, error)

type Step struct {
	Name   string
	Ready  []Gate
	Action Action
	Post   []Gate
	Policy Policy
}

type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
)

type StepResult struct {
	Step    string
	Status  Status
	Matched map[string]string
	Note    string
	Elapsed time.Duration
	Err     error
}

type Report struct {
	Steps []StepResult
	// Page is the page the run ended on, after any hand-offs.
	Page browser.Page
}

// Matched returns the selector the named gate matched in any step.
func (r Report) Matched(condition string) (string, bool) {
	for _, s := range r.Steps {
		if sel, ok := s.Matched[condition]; ok {
			return sel, true
		}
	}
	return "", false
}

func (r Report) Step(name string) (StepResult, bool) {
	for _, s := range r.Steps {
		if s.Step == name {
			return s, true
		}
	}
	return StepResult{}, false
}

// StepError is returned when a mandatory step fails. Condition is empty when
// the action failed rather than a gate.
type StepError struct {
	Step      string
	Condition string
	Elapsed   time.Duration
	Err       error
}

func (e *StepError) Error() string {
	if e.Condition != "" && !wait.IsTimeout(e.Err) {
		return fmt.Sprintf("step %s: awaiting %q: %v", e.Step, e.Condition, e.Err)
	}
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Kind classifies the failure as timeout, canceled, or driver.
func (e *StepError) Kind() string {
	switch {
	case wait.IsTimeout(e.Err), errors.Is(e.Err, browser.ErrTimeout), errors.Is(e.Err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(e.Err, context.Canceled):
		return "canceled"
	default:
		return "driver"
	}
}

type Sequencer struct {
	Steps   []Step
	Waiter  wait.Waiter
	Log     *slog.Logger
	Metrics *telemetry.Metrics
}

// Run executes the steps in order on page. The returned report covers every
// step that started, including the one that failed.
func (s *Sequencer) Run(ctx context.Context, page browser.Page) (Report, error) {
	log := telemetry.OrDiscard(s.Log)
	report := Report{Page: page}
	for _, step := range s.Steps {
		res, next, err := s.runStep(ctx, log, step, report.Page)
		report.Steps = append(report.Steps, res)
		if next != nil {
			report.Page = next
		}
		if err != nil {
			return report, err
		}
	}
	return report, nil
}

func (s *Sequencer) runStep(ctx context.Context, log *slog.Logger, step Step, page browser.Page) (StepResult, browser.Page, error) {
	ctx, span := telemetry.StartSpan(ctx, "step "+step.Name, telemetry.AttrStep.String(step.Name))
	defer span.End()

	start := time.Now()
	log = log.With("step", step.Name)
	res := StepResult{Step: step.Name, Matched: map[string]string{}}
	log.Info("step started", "policy", step.Policy.String())

	fail := func(condition string, err error) (StepResult, browser.Page, error) {
		res.Elapsed = time.Since(start)
		res.Err = err
		span.RecordError(err)
		if condition != "" {
			span.SetAttributes(telemetry.AttrCondition.String(condition))
		}
		if step.Policy == BestEffort && ctx.Err() == nil {
			res.Status = StatusDegraded
			span.SetStatus(codes.Ok, "degraded")
			s.Metrics.ObserveStep(step.Name, string(res.Status), res.Elapsed)
			log.Warn("step degraded", "condition", condition, "err", err)
			return res, nil, nil
		}
		res.Status = StatusFailed
		span.SetStatus(codes.Error, err.Error())
		s.Metrics.ObserveStep(step.Name, string(res.Status), res.Elapsed)
		log.Error("step failed", "condition", condition, "elapsed", res.Elapsed.Round(time.Millisecond), "err", err)
		return res, nil, &StepError{Step: step.Name, Condition: condition, Elapsed: res.Elapsed, Err: err}
	}

	for _, gate := range step.Ready {
		log.Debug("awaiting", "condition", gate.Cond.String(), "timeout", gate.Timeout)
		m, err := s.Waiter.Await(ctx, page, gate.Cond, gate.Timeout)
		if err != nil {
			return fail(gate.Cond.String(), err)
		}
		if gate.Cond.Kind == wait.KindAnyOf && m.Selector != "" {
			res.Matched[gate.Cond.Name] = m.Selector
			span.SetAttributes(telemetry.AttrMatched.String(m.Selector))
			log.Info("condition matched", "condition", gate.Cond.String(), "selector", m.Selector)
		}
	}

	var next browser.Page
	if step.Action != nil {
		out, err := step.Action(ctx, Input{Page: page, Matched: res.Matched})
		if err != nil {
			return fail("", err)
		}
		res.Note = out.Note
		if out.Page != nil && out.Page != page {
			next = out.Page
			page = out.Page
		}
	}

	for _, gate := range step.Post {
		log.Debug("awaiting", "condition", gate.Cond.String(), "timeout", gate.Timeout)
		if _, err := s.Waiter.Await(ctx, page, gate.Cond, gate.Timeout); err != nil {
			r, _, stepErr := fail(gate.Cond.String(), err)
			return r, next, stepErr
		}
	}

	res.Status = StatusOK
	res.Elapsed = time.Since(start)
	s.Metrics.ObserveStep(step.Name, string(res.Status), res.Elapsed)
	if res.Note != "" {
		log.Info("step finished", "note", res.Note, "elapsed", res.Elapsed.Round(time.Millisecond))
	} else {
		log.Info("step finished", "elapsed", res.Elapsed.Round(time.Millisecond))
	}
	return res, next, nil
}
