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

	"github.com/constellation-daq/constellation/config"
	"github.com/constellation-daq/constellation/protocol"
)

// VerbType is the CSCP reply/request kind carried in a message's body
// frame.
type VerbType uint8

// CSCP verb types.
const (
	VerbRequest VerbType = iota
	VerbSuccess
	VerbNotImplemented
	VerbIncomplete
	VerbInvalid
	VerbUnknown
	VerbError
)

func (t VerbType) String() string {
	switch t {
	case VerbRequest:
		return "REQUEST"
	case VerbSuccess:
		return "SUCCESS"
	case VerbNotImplemented:
		return "NOTIMPLEMENTED"
	case VerbIncomplete:
		return "INCOMPLETE"
	case VerbInvalid:
		return "INVALID"
	case VerbUnknown:
		return "UNKNOWN"
	case VerbError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// CSCPHeader is the first frame of a CSCP1 message.
type CSCPHeader struct {
	Sender string
	Time   time.Time
	Tags   *config.Dictionary
}

// CSCPMessage is a complete CSCP1 request or reply: header, verb body, and
// an optional opaque payload whose interpretation depends on the verb.
type CSCPMessage struct {
	Header   CSCPHeader
	Verb     VerbType
	VerbName string
	Payload  []byte
}

// HasPayload reports whether m carries a non-nil payload frame.
func (m CSCPMessage) HasPayload() bool { return m.Payload != nil }

type cscpHeaderWire struct {
	_msgpack struct{} `msgpack:",asArray"`
	Protocol string
	Sender   string
	Time     time.Time
	Tags     *config.Dictionary
}

type cscpBodyWire struct {
	_msgpack struct{} `msgpack:",asArray"`
	Verb     uint8
	VerbName string
}

// WriteCSCP writes m as a frame-count byte followed by two or three
// length-prefixed frames (header, body, optional payload) to w.
func WriteCSCP(w io.Writer, m CSCPMessage) error {
	frameCount := byte(2)
	if m.HasPayload() {
		frameCount = 3
	}
	if _, err := w.Write([]byte{frameCount}); err != nil {
		return fmt.Errorf("writing cscp frame count: %w", err)
	}

	headerBuf, err := msgpack.Marshal(cscpHeaderWire{
		Protocol: protocol.CSCP1.WireString(),
		Sender:   m.Header.Sender,
		Time:     m.Header.Time,
		Tags:     m.Header.Tags,
	})
	if err != nil {
		return fmt.Errorf("encoding cscp header: %w", err)
	}
	if err := WriteFrame(w, headerBuf); err != nil {
		return err
	}

	bodyBuf, err := msgpack.Marshal(cscpBodyWire{Verb: uint8(m.Verb), VerbName: m.VerbName})
	if err != nil {
		return fmt.Errorf("encoding cscp body: %w", err)
	}
	if err := WriteFrame(w, bodyBuf); err != nil {
		return err
	}

	if m.HasPayload() {
		if err := WriteFrame(w, m.Payload); err != nil {
			return err
		}
	}
	return nil
}

// ReadCSCP reads a CSCPMessage written by WriteCSCP. Protocol mismatches
// and malformed frames are reported as *protocol.MismatchError or a plain
// decoding error, per spec §7's protocol-error taxonomy.
func ReadCSCP(r *bufio.Reader) (CSCPMessage, error) {
	frameCount, err := r.ReadByte()
	if err != nil {
		return CSCPMessage{}, fmt.Errorf("reading cscp frame count: %w", err)
	}
	if frameCount < 2 || frameCount > 3 {
		return CSCPMessage{}, fmt.Errorf("cscp: incorrect number of message frames (%d)", frameCount)
	}

	headerFrame, err := ReadFrame(r)
	if err != nil {
		return CSCPMessage{}, fmt.Errorf("reading cscp header: %w", err)
	}
	var header cscpHeaderWire
	if err := msgpack.Unmarshal(headerFrame, &header); err != nil {
		return CSCPMessage{}, fmt.Errorf("decoding cscp header: %w", err)
	}
	received, err := protocol.ParseWireIdentifier(header.Protocol)
	if err != nil {
		return CSCPMessage{}, err
	}
	if !received.Equal(protocol.CSCP1) {
		return CSCPMessage{}, &protocol.MismatchError{Expected: protocol.CSCP1, Received: received}
	}

	bodyFrame, err := ReadFrame(r)
	if err != nil {
		return CSCPMessage{}, fmt.Errorf("reading cscp body: %w", err)
	}
	var body cscpBodyWire
	if err := msgpack.Unmarshal(bodyFrame, &body); err != nil {
		return CSCPMessage{}, fmt.Errorf("decoding cscp body: %w", err)
	}

	m := CSCPMessage{
		Header:   CSCPHeader{Sender: header.Sender, Time: header.Time, Tags: header.Tags},
		Verb:     VerbType(body.Verb),
		VerbName: body.VerbName,
	}

	if frameCount == 3 {
		payload, err := ReadFrame(r)
		if err != nil {
			return CSCPMessage{}, fmt.Errorf("reading cscp payload: %w", err)
		}
		m.Payload = payload
	}

	return m, nil
}
