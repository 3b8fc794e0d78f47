/*
Copyright (c) 2024 DESY and the Constellation authors.
This software is distributed under the terms of the EUPL-1.2 License, copied verbatim in the file "LICENSE.md".
SPDX-License-Identifier: EUPL-1.2
*/

package controller

import "github.com/constellation-daq/constellation/protocol"

// mixedState is the sentinel global-state reported when peers disagree,
// per spec §4.7's "global-state(peers) is the unique state iff all peers
// share it, else a sentinel 'mixed'". It is never a valid wire state code
// (the valid codes lie between 0x0E and 0xF0), so it cannot collide.
const mixedState protocol.State = 0xFF

// LowestState returns the state with the numerically smallest wire code
// across peers. Returns (0, false) for an empty peer set.
func LowestState(peers []*Peer) (protocol.State, bool) {
	if len(peers) == 0 {
		return 0, false
	}
	lowest := peers[0].State()
	for _, p := range peers[1:] {
		if s := p.State(); s < lowest {
			lowest = s
		}
	}
	return lowest, true
}

// GlobalState returns the unique shared state across peers, or
// (mixedState, false) if peers disagree or the set is empty.
func GlobalState(peers []*Peer) (protocol.State, bool) {
	if len(peers) == 0 {
		return mixedState, false
	}
	first := peers[0].State()
	for _, p := range peers[1:] {
		if p.State() != first {
			return mixedState, false
		}
	}
	return first, true
}

// recomputeAggregate recomputes lowest-state/global-state from the live
// peer snapshot and fires reached_state/leaving_state for whichever
// changed, per Open Question (a): push-driven recomputation rather than a
// cached poll.
func (c *Controller) recomputeAggregate() {
	peers := c.Peers()

	newLowest, haveLowest := LowestState(peers)
	newGlobal, isGlobal := GlobalState(peers)

	c.mu.Lock()
	oldLowest, oldGlobal, wasGlobal := c.lowest, c.global, c.isGlobal
	c.lowest, c.global, c.isGlobal = newLowest, newGlobal, isGlobal
	c.mu.Unlock()

	if !haveLowest {
		return
	}

	if oldLowest != newLowest {
		if c.onLeavingState != nil {
			c.onLeavingState(oldLowest, wasGlobal && oldLowest == oldGlobal)
		}
		if c.onReachedState != nil {
			c.onReachedState(newLowest, isGlobal && newLowest == newGlobal)
		}
	} else if wasGlobal != isGlobal || (isGlobal && oldGlobal != newGlobal) {
		if wasGlobal && c.onLeavingState != nil {
			c.onLeavingState(oldGlobal, true)
		}
		if isGlobal && c.onReachedState != nil {
			c.onReachedState(newGlobal, true)
		}
	}
}
