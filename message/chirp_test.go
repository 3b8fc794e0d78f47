/*
Copyright (c) 2024 DESY and the Constellation authors.
This software is distributed under the terms of the EUPL-1.2 License, copied verbatim in the file "LICENSE.md".
SPDX-License-Identifier: EUPL-1.2
*/

package message

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/constellation-daq/constellation/protocol"
)

func TestCHIRPRoundTrip(t *testing.T) {
	m := CHIRPMessage{
		Type:      protocol.CHIRPOffer,
		GroupHash: protocol.HashGroup("constellation"),
		HostHash:  protocol.HashHost("Sputnik.A"),
		Service:   protocol.ServiceControl,
		Port:      23999,
	}
	raw := m.Assemble()
	require.Len(t, raw, protocol.CHIRPMessageLength)

	got, err := DisassembleCHIRP(raw[:])
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestDisassembleCHIRPWrongLength(t *testing.T) {
	_, err := DisassembleCHIRP([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestDisassembleCHIRPBadMagic(t *testing.T) {
	raw := CHIRPMessage{
		Type:    protocol.CHIRPRequest,
		Service: protocol.ServiceControl,
	}.Assemble()
	raw[0] = 'X'
	_, err := DisassembleCHIRP(raw[:])
	require.Error(t, err)
}

func TestDisassembleCHIRPBadVersion(t *testing.T) {
	raw := CHIRPMessage{
		Type:    protocol.CHIRPRequest,
		Service: protocol.ServiceControl,
	}.Assemble()
	raw[5] = 9
	_, err := DisassembleCHIRP(raw[:])
	require.Error(t, err)
}

func TestDisassembleCHIRPBadMsgType(t *testing.T) {
	raw := CHIRPMessage{
		Type:    protocol.CHIRPRequest,
		Service: protocol.ServiceControl,
	}.Assemble()
	raw[6] = 0xFF
	_, err := DisassembleCHIRP(raw[:])
	require.Error(t, err)
}

func TestDisassembleCHIRPBadServiceKind(t *testing.T) {
	raw := CHIRPMessage{
		Type:    protocol.CHIRPRequest,
		Service: protocol.ServiceControl,
	}.Assemble()
	raw[39] = 0xFF
	_, err := DisassembleCHIRP(raw[:])
	require.Error(t, err)
}

func TestDisassembleCHIRPPortZero(t *testing.T) {
	m := CHIRPMessage{
		Type:    protocol.CHIRPDepart,
		Service: protocol.ServiceData,
		Port:    0,
	}
	got, err := DisassembleCHIRP(func() []byte { b := m.Assemble(); return b[:] }())
	require.NoError(t, err)
	require.Equal(t, uint16(0), got.Port)
}
