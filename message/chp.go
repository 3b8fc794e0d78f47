/*
Copyright (c) 2024 DESY and the Constellation authors.
This software is distributed under the terms of the EUPL-1.2 License, copied verbatim in the file "LICENSE.md".
SPDX-License-Identifier: EUPL-1.2
*/

package message

import (
	"bufio"
	"fmt"
	"io"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/constellation-daq/constellation/protocol"
)

// CHPMessage is a single CHP1 heartbeat beacon: sender identity, send time,
// current FSM state, the interval the receiver should expect the next
// beacon within, and an optional human-readable reason (populated on state
// changes and extraordinary beacons, per spec §4.2).
type CHPMessage struct {
	Sender   string
	Time     time.Time
	State    protocol.State
	Interval time.Duration
	Reason   string
}

type chpWire struct {
	_msgpack   struct{} `msgpack:",asArray"`
	Protocol   string
	Sender     string
	Time       time.Time
	State      uint8
	IntervalMs uint16
	Reason     string
}

// WriteCHP writes m as a single length-prefixed frame to w.
func WriteCHP(w io.Writer, m CHPMessage) error {
	buf, err := msgpack.Marshal(chpWire{
		Protocol:   protocol.CHP1.WireString(),
		Sender:     m.Sender,
		Time:       m.Time,
		State:      uint8(m.State),
		IntervalMs: uint16(m.Interval.Milliseconds()),
		Reason:     m.Reason,
	})
	if err != nil {
		return fmt.Errorf("encoding chp beacon: %w", err)
	}
	return WriteFrame(w, buf)
}

// ReadCHP reads a CHPMessage written by WriteCHP.
func ReadCHP(r *bufio.Reader) (CHPMessage, error) {
	frame, err := ReadFrame(r)
	if err != nil {
		return CHPMessage{}, fmt.Errorf("reading chp beacon: %w", err)
	}
	return DecodeCHP(frame)
}

// DecodeCHP decodes a single raw CHP beacon frame, e.g. one received as a
// UDP/multicast datagram payload rather than read from a stream.
func DecodeCHP(frame []byte) (CHPMessage, error) {
	var wire chpWire
	if err := msgpack.Unmarshal(frame, &wire); err != nil {
		return CHPMessage{}, fmt.Errorf("decoding chp beacon: %w", err)
	}
	received, err := protocol.ParseWireIdentifier(wire.Protocol)
	if err != nil {
		return CHPMessage{}, err
	}
	if !received.Equal(protocol.CHP1) {
		return CHPMessage{}, &protocol.MismatchError{Expected: protocol.CHP1, Received: received}
	}
	return CHPMessage{
		Sender:   wire.Sender,
		Time:     wire.Time,
		State:    protocol.State(wire.State),
		Interval: time.Duration(wire.IntervalMs) * time.Millisecond,
		Reason:   wire.Reason,
	}, nil
}

// EncodeCHP renders m as a single raw frame payload, without the
// length-prefix framing, for transports (e.g. UDP) that carry message
// boundaries natively.
func EncodeCHP(m CHPMessage) ([]byte, error) {
	return msgpack.Marshal(chpWire{
		Protocol:   protocol.CHP1.WireString(),
		Sender:     m.Sender,
		Time:       m.Time,
		State:      uint8(m.State),
		IntervalMs: uint16(m.Interval.Milliseconds()),
		Reason:     m.Reason,
	})
}
