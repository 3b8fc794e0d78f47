/*
Copyright (c) 2024 DESY and the Constellation authors.
This software is distributed under the terms of the EUPL-1.2 License, copied verbatim in the file "LICENSE.md".
SPDX-License-Identifier: EUPL-1.2
*/

// Package satellite implements the per-process control surface of a
// satellite: the finite-state-machine automaton driving its lifecycle
// (§4.4), the user-command registry (§4.5) and the runtime that wires
// them to a CSCP command responder and a CHP heartbeat sender (§4.6).
package satellite

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/constellation-daq/constellation/config"
	"github.com/constellation-daq/constellation/protocol"
)

// ErrTransitionNotAllowed is returned by React when t is not a legal
// outgoing transition from the FSM's current state.
type ErrTransitionNotAllowed struct {
	State      protocol.State
	Transition protocol.Transition
}

func (e *ErrTransitionNotAllowed) Error() string {
	return fmt.Sprintf("transition %s not allowed from state %s", e.Transition, e.State)
}

// Hooks is the set of user-supplied callbacks a Satellite implementation
// provides; composition over inheritance, per spec §9 Design Note (a).
// Every hook is optional; a nil hook is a no-op.
type Hooks struct {
	Initializing       func(cfg *config.Configuration) error
	Launching          func() error
	Landing            func() error
	Reconfiguring      func(cfg *config.Configuration) error
	Starting           func(runID string) error
	Stopping           func() error
	Running            func(ctx context.Context) error
	Interrupting       func(previous protocol.State, reason string) error
	OnFailure          func(previous protocol.State, reason string)
	SupportReconfigure bool
}

// StateChangeFunc is invoked on every FSM state change, on the goroutine
// holding the FSM mutex; it must not call back into the FSM.
type StateChangeFunc func(previous, current protocol.State, reason string)

type transitionRequest struct {
	transition protocol.Transition
	payload    any
	reason     string
}

// FSM is the satellite's finite-state-machine automaton. Exactly one
// transition-worker goroutine exists per FSM, reused across successive
// transitions; a second, cancellable worker executes Hooks.Running.
type FSM struct {
	hooks Hooks

	mu      sync.Mutex
	state   protocol.State
	reason  string
	atomicState atomic.Uint32

	initializedOnce bool

	runCancel context.CancelFunc
	runDone   chan struct{}

	observers []StateChangeFunc

	work     chan transitionRequest
	workOnce sync.Once
	workWG   sync.WaitGroup
}

// NewFSM constructs an FSM in state NEW.
func NewFSM(hooks Hooks) *FSM {
	f := &FSM{
		hooks: hooks,
		state: protocol.StateNEW,
		work:  make(chan transitionRequest, 1),
	}
	f.atomicState.Store(uint32(protocol.StateNEW))
	f.ensureWorker()
	return f
}

// State returns the current state. Safe to call from any goroutine
// without blocking (lock-free atomic load), per spec §5.
func (f *FSM) State() protocol.State {
	return protocol.State(f.atomicState.Load())
}

// Reason returns the diagnostic associated with the most recent failure
// or interrupt, if any.
func (f *FSM) Reason() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reason
}

// Subscribe registers obs to be invoked on every state change.
func (f *FSM) Subscribe(obs StateChangeFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observers = append(f.observers, obs)
}

// Allowed reports whether t may currently be requested.
func (f *FSM) Allowed(t protocol.Transition) bool {
	return protocol.Allowed(f.State(), t)
}

// SupportsReconfigure reports whether the satellite opted in to the
// reconfigure verb, per Hooks.SupportReconfigure.
func (f *FSM) SupportsReconfigure() bool {
	return f.hooks.SupportReconfigure
}

// InitializedOnce reports whether initialize has completed successfully
// at least once since process start, the precondition for entering RUN
// per spec §3's invariant.
func (f *FSM) InitializedOnce() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initializedOnce
}

// React validates and queues transition t with an associated payload,
// returning before the transition completes: transitional states launch
// a worker (see package doc); the caller observes completion via State
// or a subscribed StateChangeFunc.
func (f *FSM) React(t protocol.Transition, payload any) error {
	f.mu.Lock()
	if !protocol.Allowed(f.state, t) {
		cur := f.state
		f.mu.Unlock()
		return &ErrTransitionNotAllowed{State: cur, Transition: t}
	}
	f.mu.Unlock()

	f.work <- transitionRequest{transition: t, payload: payload}
	return nil
}

// RequestInterrupt requests an interrupt transition carrying reason; used
// internally by heartbeat-loss propagation and externally by the command
// responder.
func (f *FSM) RequestInterrupt(reason string) error {
	f.mu.Lock()
	if !protocol.Allowed(f.state, protocol.TransitionInterrupt) {
		cur := f.state
		f.mu.Unlock()
		return &ErrTransitionNotAllowed{State: cur, Transition: protocol.TransitionInterrupt}
	}
	f.mu.Unlock()
	f.work <- transitionRequest{transition: protocol.TransitionInterrupt, reason: reason}
	return nil
}

func (f *FSM) ensureWorker() {
	f.workOnce.Do(func() {
		f.workWG.Add(1)
		go f.transitionWorker()
	})
}

func (f *FSM) transitionWorker() {
	defer f.workWG.Done()
	for req := range f.work {
		f.runTransition(req)
	}
}

// setState applies the transition's target state, stamps reason, and
// notifies observers; all under the FSM mutex, per the tie-break rule.
func (f *FSM) setState(target protocol.State, reason string) {
	f.mu.Lock()
	previous := f.state
	f.state = target
	f.reason = reason
	observers := append([]StateChangeFunc(nil), f.observers...)
	f.mu.Unlock()

	f.atomicState.Store(uint32(target))

	for _, obs := range observers {
		obs(previous, target, reason)
	}
}

func (f *FSM) runTransition(req transitionRequest) {
	target := protocol.Target(req.transition)

	switch req.transition {
	case protocol.TransitionFailure:
		previous := f.State()
		f.setState(protocol.StateERROR, req.reason)
		if f.hooks.OnFailure != nil {
			_ = f.safeCall(func() error {
				f.hooks.OnFailure(previous, req.reason)
				return nil
			}, "on_failure")
		}
		return
	case protocol.TransitionInterrupt:
		f.runInterrupt(req)
		return
	}

	f.setState(target, "")

	if req.transition == protocol.TransitionStarted && target == protocol.StateRUN {
		f.startRunWorker()
	}
	if req.transition == protocol.TransitionInitialized && target == protocol.StateINIT {
		f.mu.Lock()
		f.initializedOnce = true
		f.mu.Unlock()
	}

	switch req.transition {
	case protocol.TransitionInitialize:
		cfg, _ := req.payload.(*config.Configuration)
		f.runHook(func() error {
			if f.hooks.Initializing != nil {
				return f.hooks.Initializing(cfg)
			}
			return nil
		}, protocol.TransitionInitialized, "initializing")
	case protocol.TransitionLaunch:
		f.runHook(func() error {
			if f.hooks.Launching != nil {
				return f.hooks.Launching()
			}
			return nil
		}, protocol.TransitionLaunched, "launching")
	case protocol.TransitionLand:
		f.runHook(func() error {
			if f.hooks.Landing != nil {
				return f.hooks.Landing()
			}
			return nil
		}, protocol.TransitionLanded, "landing")
	case protocol.TransitionReconfigure:
		cfg, _ := req.payload.(*config.Configuration)
		f.runHook(func() error {
			if f.hooks.Reconfiguring != nil {
				return f.hooks.Reconfiguring(cfg)
			}
			return nil
		}, protocol.TransitionReconfigured, "reconfiguring")
	case protocol.TransitionStart:
		runID, _ := req.payload.(string)
		f.runHook(func() error {
			if f.hooks.Starting != nil {
				return f.hooks.Starting(runID)
			}
			return nil
		}, protocol.TransitionStarted, "starting")
	case protocol.TransitionStop:
		f.stopRunWorker()
		f.runHook(func() error {
			if f.hooks.Stopping != nil {
				return f.hooks.Stopping()
			}
			return nil
		}, protocol.TransitionStopped, "stopping")
	}
}

// runHook executes fn (a transitional-state hook); on success it
// requests the transition's "*ed" completion, on error it requests
// failure, storing the error as the reason, per spec §4.4.
func (f *FSM) runHook(fn func() error, onSuccess protocol.Transition, label string) {
	err := f.safeCall(fn, label)
	if err != nil {
		f.work <- transitionRequest{transition: protocol.TransitionFailure, reason: err.Error()}
		return
	}
	f.work <- transitionRequest{transition: onSuccess}
}

// safeCall recovers a panicking hook and converts it into an error, the
// Go analogue of "if user code throws, the worker requests failure".
func (f *FSM) safeCall(fn func() error, label string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("hook", label).Errorf("satellite: hook panicked: %v", r)
			err = fmt.Errorf("%s: %v", label, r)
		}
	}()
	return fn()
}

func (f *FSM) startRunWorker() {
	ctx, cancel := context.WithCancel(context.Background())
	f.mu.Lock()
	f.runCancel = cancel
	f.runDone = make(chan struct{})
	done := f.runDone
	f.mu.Unlock()

	go func() {
		defer close(done)
		if f.hooks.Running == nil {
			return
		}
		if err := f.safeCall(func() error { return f.hooks.Running(ctx) }, "running"); err != nil {
			f.work <- transitionRequest{transition: protocol.TransitionFailure, reason: err.Error()}
		}
	}()
}

// stopRunWorker cancels the RUN worker's token and waits for it to
// return, with an implementation-chosen bound, per spec §5; a worker that
// does not return within the bound is logged and terminates the process.
func (f *FSM) stopRunWorker() {
	f.mu.Lock()
	cancel := f.runCancel
	done := f.runDone
	f.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		select {
		case <-done:
		case <-time.After(30 * time.Second):
			log.Fatal("satellite: RUN worker did not join within timeout")
		}
	}
}

func (f *FSM) runInterrupt(req transitionRequest) {
	previous := f.State()
	f.setState(protocol.StateInterrupting, req.reason)

	if previous == protocol.StateRUN {
		f.stopRunWorker()
	}

	if f.hooks.Interrupting != nil {
		_ = f.safeCall(func() error { return f.hooks.Interrupting(previous, req.reason) }, "interrupting")
	}
	if f.hooks.Stopping != nil && previous == protocol.StateRUN {
		_ = f.safeCall(func() error { return f.hooks.Stopping() }, "stopping")
	}
	if f.hooks.Landing != nil {
		_ = f.safeCall(func() error { return f.hooks.Landing() }, "landing")
	}

	f.setState(protocol.StateSAFE, req.reason)
}

// Close stops accepting further transitions; used during satellite
// shutdown after a successful `shutdown` verb.
func (f *FSM) Close() {
	close(f.work)
	f.workWG.Wait()
}
