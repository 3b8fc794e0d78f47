/*
Copyright (c) 2024 DESY and the Constellation authors.
This software is distributed under the terms of the EUPL-1.2 License, copied verbatim in the file "LICENSE.md".
SPDX-License-Identifier: EUPL-1.2
*/

package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var allStates = []State{
	StateNEW, StateInitializing, StateINIT, StateLaunching, StateORBIT, StateLanding,
	StateReconfiguring, StateStarting, StateRUN, StateStopping, StateInterrupting, StateSAFE, StateERROR,
}

var allTransitions = []Transition{
	TransitionInitialize, TransitionInitialized, TransitionLaunch, TransitionLaunched,
	TransitionLand, TransitionLanded, TransitionReconfigure, TransitionReconfigured,
	TransitionStart, TransitionStarted, TransitionStop, TransitionStopped,
	TransitionInterrupt, TransitionInterrupted, TransitionFailure,
}

func TestAllowedMatchesSpecTable(t *testing.T) {
	// Table from spec §4.4.
	expected := map[State]map[Transition]bool{
		StateNEW:           {TransitionInitialize: true, TransitionFailure: true},
		StateInitializing:  {TransitionInitialized: true, TransitionFailure: true},
		StateINIT:          {TransitionInitialize: true, TransitionLaunch: true, TransitionFailure: true},
		StateLaunching:     {TransitionLaunched: true, TransitionFailure: true},
		StateORBIT:         {TransitionLand: true, TransitionReconfigure: true, TransitionStart: true, TransitionInterrupt: true, TransitionFailure: true},
		StateLanding:       {TransitionLanded: true, TransitionFailure: true},
		StateReconfiguring: {TransitionReconfigured: true, TransitionFailure: true},
		StateStarting:      {TransitionStarted: true, TransitionFailure: true},
		StateRUN:           {TransitionStop: true, TransitionInterrupt: true, TransitionFailure: true},
		StateStopping:      {TransitionStopped: true, TransitionFailure: true},
		StateInterrupting:  {TransitionInterrupted: true, TransitionFailure: true},
		StateSAFE:          {TransitionInitialize: true, TransitionFailure: true},
		StateERROR:         {TransitionInitialize: true},
	}

	for _, s := range allStates {
		for _, tr := range allTransitions {
			want := expected[s][tr]
			got := Allowed(s, tr)
			require.Equalf(t, want, got, "state=%s transition=%s", s, tr)
		}
	}
}

func TestFailureIsNoOpFromError(t *testing.T) {
	require.False(t, Allowed(StateERROR, TransitionFailure))
}

func TestShutdownAllowedStates(t *testing.T) {
	for _, s := range allStates {
		want := s == StateNEW || s == StateINIT || s == StateSAFE || s == StateERROR
		require.Equal(t, want, IsShutdownAllowed(s), "state=%s", s)
	}
}

func TestSteadyVsTransitional(t *testing.T) {
	steady := map[State]bool{
		StateNEW: true, StateINIT: true, StateORBIT: true, StateRUN: true, StateSAFE: true, StateERROR: true,
	}
	for _, s := range allStates {
		require.Equal(t, steady[s], s.IsSteady(), "state=%s", s)
	}
}

func TestValidNamePredicates(t *testing.T) {
	require.True(t, IsValidSatelliteNamePart("Dummy_1"))
	require.False(t, IsValidSatelliteNamePart(""))
	require.False(t, IsValidSatelliteNamePart("has space"))

	require.True(t, IsValidRunID("run-0_1"))
	require.False(t, IsValidRunID(""))

	require.True(t, IsValidCommandName("echo_int"))
	require.False(t, IsValidCommandName(""))
}

func TestCommandNameNotTransitionOrStandardVerb(t *testing.T) {
	reserved := map[string]bool{"shutdown": true}
	for _, tr := range allTransitions {
		reserved[tr.String()] = true
	}
	for _, v := range StandardVerbs {
		reserved[v] = true
	}
	require.True(t, reserved["initialize"])
	require.True(t, reserved["get_commands"])
	require.False(t, reserved["echo_int"])
}
