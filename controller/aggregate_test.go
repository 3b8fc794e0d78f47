/*
Copyright (c) 2024 DESY and the Constellation authors.
This software is distributed under the terms of the EUPL-1.2 License, copied verbatim in the file "LICENSE.md".
SPDX-License-Identifier: EUPL-1.2
*/

package controller

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/constellation-daq/constellation/protocol"
)

func newFakePeer(name string, s protocol.State) *Peer {
	p := &Peer{CanonicalName: name}
	p.setState(s)
	return p
}

func TestLowestStatePicksSmallestCode(t *testing.T) {
	peers := []*Peer{
		newFakePeer("A", protocol.StateORBIT),
		newFakePeer("B", protocol.StateNEW),
		newFakePeer("C", protocol.StateRUN),
	}
	lowest, ok := LowestState(peers)
	require.True(t, ok)
	require.Equal(t, protocol.StateNEW, lowest)
}

func TestGlobalStateUniqueWhenAllMatch(t *testing.T) {
	peers := []*Peer{
		newFakePeer("A", protocol.StateORBIT),
		newFakePeer("B", protocol.StateORBIT),
	}
	global, isGlobal := GlobalState(peers)
	require.True(t, isGlobal)
	require.Equal(t, protocol.StateORBIT, global)
}

func TestGlobalStateMixedWhenPeersDisagree(t *testing.T) {
	peers := []*Peer{
		newFakePeer("A", protocol.StateORBIT),
		newFakePeer("B", protocol.StateRUN),
	}
	_, isGlobal := GlobalState(peers)
	require.False(t, isGlobal)
}

func TestLowestStateEmptySet(t *testing.T) {
	_, ok := LowestState(nil)
	require.False(t, ok)
}
