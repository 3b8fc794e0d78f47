/*
Copyright (c) 2024 DESY and the Constellation authors.
This software is distributed under the terms of the EUPL-1.2 License, copied verbatim in the file "LICENSE.md".
SPDX-License-Identifier: EUPL-1.2
*/

package satellite

import (
	"bufio"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/constellation-daq/constellation/config"
	"github.com/constellation-daq/constellation/message"
	"github.com/constellation-daq/constellation/protocol"
)

func newTestResponder(t *testing.T, fsm *FSM, reg *Registry) (string, func()) {
	t.Helper()
	if reg == nil {
		reg = NewRegistry()
	}
	r := NewResponder(ResponderDeps{
		CanonicalName: "Sputnik.Test",
		Version:       "0.0.0-test",
		FSM:           fsm,
		Registry:      reg,
		GetConfig:     func() *config.Configuration { return nil },
		GetStatus:     func() string { return "nominal" },
		GetRunID:      func() string { return "" },
	})
	port, err := r.Listen("127.0.0.1:0")
	require.NoError(t, err)
	r.Start()
	return fmt.Sprintf("127.0.0.1:%d", port), func() { _ = r.Close() }
}

func roundTrip(t *testing.T, addr string, req message.CSCPMessage) message.CSCPMessage {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	req.Header.Sender = "controller"
	req.Header.Time = time.Now().UTC()
	req.Verb = message.VerbRequest

	w := bufio.NewWriter(conn)
	require.NoError(t, message.WriteCSCP(w, req))
	require.NoError(t, w.Flush())

	reply, err := message.ReadCSCP(bufio.NewReader(conn))
	require.NoError(t, err)
	return reply
}

func TestResponderGetName(t *testing.T) {
	fsm := NewFSM(Hooks{})
	defer fsm.Close()
	addr, stop := newTestResponder(t, fsm, nil)
	defer stop()

	reply := roundTrip(t, addr, message.CSCPMessage{VerbName: "get_name"})
	require.Equal(t, message.VerbSuccess, reply.Verb)

	v, err := decodeValue(reply.Payload)
	require.NoError(t, err)
	name, err := v.AsString()
	require.NoError(t, err)
	require.Equal(t, "Sputnik.Test", name)
}

func TestResponderRejectsNonRequestVerbType(t *testing.T) {
	fsm := NewFSM(Hooks{})
	defer fsm.Close()
	addr, stop := newTestResponder(t, fsm, nil)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	w := bufio.NewWriter(conn)
	msg := message.CSCPMessage{
		Header:   message.CSCPHeader{Sender: "controller", Time: time.Now().UTC()},
		Verb:     message.VerbSuccess,
		VerbName: "get_name",
	}
	require.NoError(t, message.WriteCSCP(w, msg))
	require.NoError(t, w.Flush())

	reply, err := message.ReadCSCP(bufio.NewReader(conn))
	require.NoError(t, err)
	require.Equal(t, message.VerbError, reply.Verb)
}

func TestResponderInitializeRequiresPayload(t *testing.T) {
	fsm := NewFSM(Hooks{})
	defer fsm.Close()
	addr, stop := newTestResponder(t, fsm, nil)
	defer stop()

	reply := roundTrip(t, addr, message.CSCPMessage{VerbName: "initialize"})
	require.Equal(t, message.VerbIncomplete, reply.Verb)
}

func TestResponderInitializeTransitionsToINIT(t *testing.T) {
	fsm := NewFSM(Hooks{})
	defer fsm.Close()
	addr, stop := newTestResponder(t, fsm, nil)
	defer stop()

	d := config.NewDictionary()
	d.Set("sample_rate", config.Int(100))
	payload, err := msgpack.Marshal(d)
	require.NoError(t, err)

	reply := roundTrip(t, addr, message.CSCPMessage{VerbName: "initialize", Payload: payload})
	require.Equal(t, message.VerbSuccess, reply.Verb)

	require.Eventually(t, func() bool {
		return fsm.State() == protocol.StateINIT
	}, time.Second, 10*time.Millisecond)
}

func TestResponderUnknownVerb(t *testing.T) {
	fsm := NewFSM(Hooks{})
	defer fsm.Close()
	addr, stop := newTestResponder(t, fsm, nil)
	defer stop()

	reply := roundTrip(t, addr, message.CSCPMessage{VerbName: "frobnicate"})
	require.Equal(t, message.VerbUnknown, reply.Verb)
}

func TestResponderUserCommandArityMismatch(t *testing.T) {
	fsm := NewFSM(Hooks{})
	defer fsm.Close()

	reg := NewRegistry()
	require.NoError(t, reg.Register("add", "adds two integers", nil, func(a, b int64) int64 { return a + b }))

	addr, stop := newTestResponder(t, fsm, reg)
	defer stop()

	args := []config.Value{config.Int(1)}
	payload, err := msgpack.Marshal(args)
	require.NoError(t, err)

	reply := roundTrip(t, addr, message.CSCPMessage{VerbName: "add", Payload: payload})
	require.Equal(t, message.VerbIncomplete, reply.Verb)
}

func TestResponderUserCommandInvokes(t *testing.T) {
	fsm := NewFSM(Hooks{})
	defer fsm.Close()

	reg := NewRegistry()
	require.NoError(t, reg.Register("add", "adds two integers", nil, func(a, b int64) int64 { return a + b }))

	addr, stop := newTestResponder(t, fsm, reg)
	defer stop()

	args := []config.Value{config.Int(2), config.Int(3)}
	payload, err := msgpack.Marshal(args)
	require.NoError(t, err)

	reply := roundTrip(t, addr, message.CSCPMessage{VerbName: "add", Payload: payload})
	require.Equal(t, message.VerbSuccess, reply.Verb)

	v, err := decodeValue(reply.Payload)
	require.NoError(t, err)
	sum, err := v.AsInt64()
	require.NoError(t, err)
	require.Equal(t, int64(5), sum)
}
