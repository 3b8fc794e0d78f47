/*
Copyright (c) 2024 DESY and the Constellation authors.
This software is distributed under the terms of the EUPL-1.2 License, copied verbatim in the file "LICENSE.md".
SPDX-License-Identifier: EUPL-1.2
*/

package message

import (
	"bufio"
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/constellation-daq/constellation/protocol"
)

func TestCHPRoundTrip(t *testing.T) {
	m := CHPMessage{
		Sender:   "Sputnik.A",
		Time:     time.Now().UTC().Truncate(time.Millisecond),
		State:    protocol.StateRUN,
		Interval: 1000 * time.Millisecond,
	}

	var buf bytes.Buffer
	require.NoError(t, WriteCHP(&buf, m))

	got, err := ReadCHP(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, m.Sender, got.Sender)
	require.True(t, m.Time.Equal(got.Time))
	require.Equal(t, m.State, got.State)
	require.Equal(t, m.Interval, got.Interval)
	require.Empty(t, got.Reason)
}

func TestCHPRoundTripWithReason(t *testing.T) {
	m := CHPMessage{
		Sender:   "Sputnik.A",
		State:    protocol.StateERROR,
		Interval: 1000 * time.Millisecond,
		Reason:   "device disconnected",
	}
	buf, err := EncodeCHP(m)
	require.NoError(t, err)

	got, err := DecodeCHP(buf)
	require.NoError(t, err)
	require.Equal(t, "device disconnected", got.Reason)
	require.Equal(t, protocol.StateERROR, got.State)
}

func TestDecodeCHPProtocolMismatch(t *testing.T) {
	buf, err := msgpack.Marshal(chpWire{
		Protocol: "CSCP" + string(rune(1)),
		Sender:   "A",
	})
	require.NoError(t, err)
	_, err = DecodeCHP(buf)
	require.Error(t, err)
}
