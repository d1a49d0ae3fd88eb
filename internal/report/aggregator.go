// SPDX-License-Identifier: MPL-2.0

package report

import (
	"sync"
	"time"

	"github.com/envmatrix/envmatrix/internal/steprun"
	"github.com/envmatrix/envmatrix/pkg/matrixfile"
)

const (
	EventStarted   EventKind = "started"
	EventStep      EventKind = "step"
	EventCompleted EventKind = "completed"
)

type (
	// EventKind distinguishes aggregator events.
	EventKind string

	// Event is delivered to listeners after it has been applied to the report.
	Event struct {
		Kind        EventKind
		Environment EnvironmentReport
		// Step is set for EventStep.
		Step *steprun.StepResult
	}

	// Listener observes applied events. Listeners run on the aggregator
	// goroutine and must not call back into the Aggregator.
	Listener func(Event)

	// Options configures an Aggregator.
	Options struct {
		RunID           string
		Matrix          string
		IncludeOptional bool
		StrictOptional  bool
		Listeners       []Listener
		// Now replaces time.Now.
		Now func() time.Time
	}

	// Aggregator builds a RunReport from events sent by concurrent pipelines.
	Aggregator struct {
		events    chan event
		done      chan struct{}
		closeOnce sync.Once

		mu     sync.RWMutex
		report *RunReport
		index  map[string]int

		strict    bool
		listeners []Listener
		now       func() time.Time
	}

	event struct {
		kind    EventKind
		env     string
		step    steprun.StepResult
		outcome Outcome
		at      time.Time
	}
)

// NewAggregator creates an aggregator with one pending section per
// environment, in the given order, and starts its event loop.
func NewAggregator(envs []matrixfile.Environment, opts Options) *Aggregator {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	r := &RunReport{
		RunID:           opts.RunID,
		Matrix:          opts.Matrix,
		StartedAt:       now(),
		IncludeOptional: opts.IncludeOptional,
		StrictOptional:  opts.StrictOptional,
		Environments:    make([]EnvironmentReport, len(envs)),
	}
	index := make(map[string]int, len(envs))
	for i := range envs {
		env := &envs[i]
		r.Environments[i] = EnvironmentReport{
			Name:        env.Name,
			Runtime:     env.Runtime,
			Image:       env.Image,
			Fingerprint: env.Fingerprint(),
			Verdict:     VerdictPending,
		}
		index[env.Name] = i
	}

	a := &Aggregator{
		events:    make(chan event, 64),
		done:      make(chan struct{}),
		report:    r,
		index:     index,
		strict:    opts.StrictOptional,
		listeners: opts.Listeners,
		now:       now,
	}
	go a.loop()
	return a
}

// Start marks the environment running.
func (a *Aggregator) Start(env string) {
	a.events <- event{kind: EventStarted, env: env, at: a.now()}
}

// Step appends a step result to its environment.
func (a *Aggregator) Step(res steprun.StepResult) {
	a.events <- event{kind: EventStep, env: res.Environment, step: res}
}

// Complete finalizes the verdict of an environment.
func (a *Aggregator) Complete(o Outcome) {
	a.events <- event{kind: EventCompleted, env: o.Environment, outcome: o, at: a.now()}
}

// Snapshot returns a copy of the report as of the last applied event.
func (a *Aggregator) Snapshot() *RunReport {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.report.Clone()
}

// Close drains pending events, stops the loop and returns the final report.
// Environments still without a final verdict are marked errored. No event
// may be sent after Close.
func (a *Aggregator) Close() *RunReport {
	a.closeOnce.Do(func() {
		close(a.events)
		<-a.done

		a.mu.Lock()
		defer a.mu.Unlock()
		for i := range a.report.Environments {
			env := &a.report.Environments[i]
			if !env.Verdict.IsFinal() {
				env.Verdict = VerdictErrored
				env.Reason = "pipeline did not complete"
			}
		}
		a.report.FinishedAt = a.now()
	})
	return a.Snapshot()
}

func (a *Aggregator) loop() {
	defer close(a.done)
	for ev := range a.events {
		applied, ok := a.apply(ev)
		if !ok {
			continue
		}
		for _, l := range a.listeners {
			l(applied)
		}
	}
}

func (a *Aggregator) apply(ev event) (Event, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	i, ok := a.index[ev.env]
	if !ok {
		return Event{}, false
	}
	env := &a.report.Environments[i]
	// a completed section is immutable
	if env.Verdict.IsFinal() {
		return Event{}, false
	}

	out := Event{Kind: ev.kind}
	switch ev.kind {
	case EventStarted:
		env.Verdict = VerdictRunning
		env.StartedAt = ev.at
	case EventStep:
		env.Steps = append(env.Steps, ev.step)
		out.Step = &ev.step
	case EventCompleted:
		Decide(env, ev.outcome, a.strict)
		if !env.StartedAt.IsZero() {
			env.Duration = ev.at.Sub(env.StartedAt)
		}
	}
	out.Environment = *env
	out.Environment.Steps = append([]steprun.StepResult(nil), env.Steps...)
	return out, true
}
