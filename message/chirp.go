/*
Copyright (c) 2024 DESY and the Constellation authors.
This software is distributed under the terms of the EUPL-1.2 License, copied verbatim in the file "LICENSE.md".
SPDX-License-Identifier: EUPL-1.2
*/

// Package message implements the on-the-wire framing for every
// Constellation protocol: the fixed 42-byte CHIRP datagram, the
// single-frame CHP beacon, and the three-frame length-prefixed CSCP
// request/reply message.
package message

import (
	"encoding/binary"
	"fmt"

	"github.com/constellation-daq/constellation/protocol"
)

// CHIRPMessage is a single CHIRP discovery datagram.
type CHIRPMessage struct {
	Type      protocol.CHIRPMsgType
	GroupHash protocol.MD5Hash
	HostHash  protocol.MD5Hash
	Service   protocol.ServiceKind
	Port      uint16
}

// Assemble renders m as the fixed 42-byte CHIRP wire format.
func (m CHIRPMessage) Assemble() [protocol.CHIRPMessageLength]byte {
	var out [protocol.CHIRPMessageLength]byte
	copy(out[0:5], protocol.CHIRPMagic)
	out[5] = protocol.CHIRPVersion
	out[6] = byte(m.Type)
	copy(out[7:23], m.GroupHash[:])
	copy(out[23:39], m.HostHash[:])
	out[39] = byte(m.Service)
	binary.BigEndian.PutUint16(out[40:42], m.Port)
	return out
}

// DisassembleCHIRP decodes a raw datagram into a CHIRPMessage. Malformed
// datagrams (wrong length, wrong magic/version, invalid enum values) are
// reported as an error so the caller can drop them silently, per spec §4.1.
func DisassembleCHIRP(raw []byte) (CHIRPMessage, error) {
	if len(raw) != protocol.CHIRPMessageLength {
		return CHIRPMessage{}, fmt.Errorf("chirp: message length is not %d bytes", protocol.CHIRPMessageLength)
	}
	if string(raw[0:5]) != protocol.CHIRPMagic {
		return CHIRPMessage{}, fmt.Errorf("chirp: not a CHIRP broadcast")
	}
	if raw[5] != protocol.CHIRPVersion {
		return CHIRPMessage{}, fmt.Errorf("chirp: not a CHIRP v%d broadcast", protocol.CHIRPVersion)
	}
	msgType := protocol.CHIRPMsgType(raw[6])
	if !protocol.IsValidCHIRPMsgType(msgType) {
		return CHIRPMessage{}, fmt.Errorf("chirp: message type invalid")
	}
	service := protocol.ServiceKind(raw[39])
	if !protocol.IsValidServiceKind(service) {
		return CHIRPMessage{}, fmt.Errorf("chirp: service identifier invalid")
	}
	var m CHIRPMessage
	m.Type = msgType
	copy(m.GroupHash[:], raw[7:23])
	copy(m.HostHash[:], raw[23:39])
	m.Service = service
	m.Port = binary.BigEndian.Uint16(raw[40:42])
	return m, nil
}
