/*
Copyright (c) 2024 DESY and the Constellation authors.
This software is distributed under the terms of the EUPL-1.2 License, copied verbatim in the file "LICENSE.md".
SPDX-License-Identifier: EUPL-1.2
*/

package controller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/constellation-daq/constellation/message"
	"github.com/constellation-daq/constellation/protocol"
)

func TestFirstFailureNilOnAllSuccess(t *testing.T) {
	replies := map[string]message.CSCPMessage{
		"A": {Verb: message.VerbSuccess},
		"B": {Verb: message.VerbSuccess},
	}
	require.NoError(t, firstFailure("launch", replies))
}

func TestFirstFailureReportsRejectingPeer(t *testing.T) {
	replies := map[string]message.CSCPMessage{
		"A": {Verb: message.VerbSuccess},
		"B": {Verb: message.VerbInvalid, VerbName: "not allowed"},
	}
	err := firstFailure("start", replies)
	require.Error(t, err)
	require.Contains(t, err.Error(), "B")
}

func TestSanitizeParamNameStripsDots(t *testing.T) {
	require.Equal(t, "Sputnik_A", sanitizeParamName("Sputnik.A"))
}

func TestAwaitHonorsAbort(t *testing.T) {
	q := &MeasurementQueue{ctrl: &Controller{peers: make(map[string]*Peer)}, abort: make(chan struct{}, 1)}
	q.Abort()

	var result RunResult
	err := q.await(context.Background(), "", 5*time.Second, &result)
	require.NoError(t, err)
	require.True(t, result.Aborted)
}

func TestAwaitHonorsTimeout(t *testing.T) {
	q := &MeasurementQueue{ctrl: &Controller{peers: make(map[string]*Peer)}, abort: make(chan struct{}, 1)}

	var result RunResult
	err := q.await(context.Background(), "", 50*time.Millisecond, &result)
	require.NoError(t, err)
	require.True(t, result.TimedOut)
}

func TestAwaitExpressionOnPeerState(t *testing.T) {
	peers := map[string]*Peer{"Sputnik.A": newFakePeer("Sputnik.A", protocol.StateRUN)}
	q := &MeasurementQueue{ctrl: &Controller{peers: peers}, abort: make(chan struct{}, 1)}

	var result RunResult
	err := q.await(context.Background(), "state_Sputnik_A == 64", 2*time.Second, &result)
	require.NoError(t, err)
	require.False(t, result.TimedOut)
	require.False(t, result.Aborted)
}
