/*
Copyright (c) 2024 DESY and the Constellation authors.
This software is distributed under the terms of the EUPL-1.2 License, copied verbatim in the file "LICENSE.md".
SPDX-License-Identifier: EUPL-1.2
*/

package chp

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/constellation-daq/constellation/protocol"
)

func TestSenderReceiverBeaconFlow(t *testing.T) {
	var state atomic.Int32
	state.Store(int32(protocol.StateRUN))

	sender := NewSender("Sputnik.A", func() protocol.State {
		return protocol.State(state.Load())
	})
	sender.SetInterval(100 * time.Millisecond)
	port, err := sender.Listen("127.0.0.1:0")
	require.NoError(t, err)
	sender.Start()
	defer sender.Close()

	var mu sync.Mutex
	var failures []string
	receiver := NewReceiver(func(name, reason string) {
		mu.Lock()
		failures = append(failures, name+":"+reason)
		mu.Unlock()
	})
	receiver.Start()
	defer receiver.Close()

	require.NoError(t, receiver.Subscribe("Sputnik.A", fmt.Sprintf("127.0.0.1:%d", port)))

	require.Eventually(t, func() bool {
		p, ok := receiver.Peer("Sputnik.A")
		return ok && p.LastState == protocol.StateRUN
	}, 2*time.Second, 20*time.Millisecond)
}

func TestReceiverDetectsErrorState(t *testing.T) {
	sender := NewSender("Sputnik.B", func() protocol.State { return protocol.StateERROR })
	sender.SetInterval(100 * time.Millisecond)
	port, err := sender.Listen("127.0.0.1:0")
	require.NoError(t, err)
	sender.Start()
	defer sender.Close()

	failed := make(chan string, 1)
	receiver := NewReceiver(func(name, reason string) { failed <- name })
	receiver.Start()
	defer receiver.Close()

	require.NoError(t, receiver.Subscribe("Sputnik.B", fmt.Sprintf("127.0.0.1:%d", port)))

	select {
	case name := <-failed:
		require.Equal(t, "Sputnik.B", name)
	case <-time.After(2 * time.Second):
		t.Fatal("expected failure callback for ERROR state")
	}
}

func TestSetIntervalClamps(t *testing.T) {
	s := NewSender("X", func() protocol.State { return protocol.StateNEW })
	s.SetInterval(10 * time.Millisecond)
	s.mu.Lock()
	got := s.interval
	s.mu.Unlock()
	require.Equal(t, MinInterval, got)

	s.SetInterval(time.Hour)
	s.mu.Lock()
	got = s.interval
	s.mu.Unlock()
	require.Equal(t, MaxInterval, got)
}
