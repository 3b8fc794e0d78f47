/*
Copyright (c) 2024 DESY and the Constellation authors.
This software is distributed under the terms of the EUPL-1.2 License, copied verbatim in the file "LICENSE.md".
SPDX-License-Identifier: EUPL-1.2
*/

package controller

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Knetic/govaluate"

	"github.com/constellation-daq/constellation/config"
	"github.com/constellation-daq/constellation/message"
)

// pollInterval is how often the await-condition expression is
// re-evaluated against the live peer snapshot.
const pollInterval = 100 * time.Millisecond

// RunIDFunc generates the run identifier for a measurement; the default
// (see NewMeasurementQueue) is a counter-based "run_NNNN" identifier.
type RunIDFunc func() string

// MeasurementQueue serialises initialize -> launch -> start -> (await
// condition) -> stop over the controller's peer group, per spec §4.7's
// "dedicated queuing facade". Expressions are evaluated with govaluate,
// per the math-expression pattern used elsewhere in this codebase.
type MeasurementQueue struct {
	ctrl     *Controller
	runIDGen RunIDFunc
	abort    chan struct{}
}

// NewMeasurementQueue constructs a queue over ctrl. A nil runIDGen uses a
// monotonically increasing counter-based default.
func NewMeasurementQueue(ctrl *Controller, runIDGen RunIDFunc) *MeasurementQueue {
	if runIDGen == nil {
		var n int
		runIDGen = func() string {
			n++
			return fmt.Sprintf("run_%04d", n)
		}
	}
	return &MeasurementQueue{ctrl: ctrl, runIDGen: runIDGen, abort: make(chan struct{}, 1)}
}

// Abort requests the in-flight Run to stop waiting on its await
// condition and proceed directly to stop.
func (q *MeasurementQueue) Abort() {
	select {
	case q.abort <- struct{}{}:
	default:
	}
}

// RunResult reports the outcome of one measurement run.
type RunResult struct {
	RunID   string
	Aborted bool
	TimedOut bool
}

// Run executes one full initialize/launch/start/await/stop cycle over
// the group. awaitExpr is a govaluate boolean expression evaluated
// against "elapsed_s" (seconds since start) and "state_<name>" (each
// peer's numeric FSM state code); an empty awaitExpr waits for timeout.
func (q *MeasurementQueue) Run(ctx context.Context, cfgs map[string]*config.Dictionary, awaitExpr string, timeout time.Duration) (RunResult, error) {
	if replies, err := q.ctrl.Initialize(cfgs); err != nil {
		return RunResult{}, err
	} else if err := firstFailure("initialize", replies); err != nil {
		return RunResult{}, err
	}

	if err := firstFailure("launch", q.ctrl.Launch()); err != nil {
		return RunResult{}, err
	}

	runID := q.runIDGen()
	if replies, err := q.ctrl.Start(runID); err != nil {
		return RunResult{}, err
	} else if err := firstFailure("start", replies); err != nil {
		return RunResult{}, err
	}

	result := RunResult{RunID: runID}
	if err := q.await(ctx, awaitExpr, timeout, &result); err != nil {
		return result, err
	}

	if err := firstFailure("stop", q.ctrl.Stop()); err != nil {
		return result, err
	}
	return result, nil
}

func (q *MeasurementQueue) await(ctx context.Context, awaitExpr string, timeout time.Duration, result *RunResult) error {
	var expr *govaluate.EvaluableExpression
	if strings.TrimSpace(awaitExpr) != "" {
		parsed, err := govaluate.NewEvaluableExpression(awaitExpr)
		if err != nil {
			return fmt.Errorf("parsing await condition: %w", err)
		}
		expr = parsed
	}

	start := time.Now()
	deadline := time.After(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			result.Aborted = true
			return nil
		case <-q.abort:
			result.Aborted = true
			return nil
		case <-deadline:
			result.TimedOut = true
			return nil
		case <-ticker.C:
			if expr == nil {
				continue
			}
			params := q.evalParams(start)
			out, err := expr.Evaluate(params)
			if err != nil {
				return fmt.Errorf("evaluating await condition: %w", err)
			}
			if done, ok := out.(bool); ok && done {
				return nil
			}
		}
	}
}

func (q *MeasurementQueue) evalParams(start time.Time) map[string]interface{} {
	params := map[string]interface{}{
		"elapsed_s": time.Since(start).Seconds(),
	}
	for _, p := range q.ctrl.Peers() {
		key := "state_" + sanitizeParamName(p.CanonicalName)
		params[key] = float64(p.State())
	}
	return params
}

func sanitizeParamName(name string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
}

// firstFailure returns an error naming the first peer whose reply to verb
// was not SUCCESS, or nil if every peer accepted it.
func firstFailure(verb string, replies map[string]message.CSCPMessage) error {
	for name, reply := range replies {
		if reply.Verb != message.VerbSuccess {
			return fmt.Errorf("%s on %s: %s %s", verb, name, reply.Verb, reply.VerbName)
		}
	}
	return nil
}
