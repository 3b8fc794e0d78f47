/*
Copyright (c) 2024 DESY and the Constellation authors.
This software is distributed under the terms of the EUPL-1.2 License, copied verbatim in the file "LICENSE.md".
SPDX-License-Identifier: EUPL-1.2
*/

// Package controller implements the orchestrator side of Constellation:
// discovering satellites, aggregating their reported states, issuing
// individual and group commands, and serialising a measurement run over
// a group of peers, per spec §4.7.
package controller

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/constellation-daq/constellation/config"
	"github.com/constellation-daq/constellation/message"
	"github.com/constellation-daq/constellation/protocol"
)

// Peer is the controller's view of one remote satellite: its command
// connection, last-primed command listing and last-observed state, per
// spec §4.7's Peer record.
type Peer struct {
	CanonicalName string
	CommandAddr   string
	HeartbeatAddr string
	Version       string

	mu       sync.Mutex
	conn     net.Conn
	reader   *bufio.Reader

	stateMu sync.RWMutex
	state   protocol.State
	commands map[string]string
}

func dialPeer(canonicalName, commandAddr, heartbeatAddr string) (*Peer, error) {
	conn, err := net.DialTimeout("tcp", commandAddr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dialing %s command socket: %w", canonicalName, err)
	}
	return &Peer{
		CanonicalName: canonicalName,
		CommandAddr:   commandAddr,
		HeartbeatAddr: heartbeatAddr,
		conn:          conn,
		reader:        bufio.NewReader(conn),
	}, nil
}

// State returns the peer's last-known FSM state.
func (p *Peer) State() protocol.State {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.state
}

func (p *Peer) setState(s protocol.State) {
	p.stateMu.Lock()
	p.state = s
	p.stateMu.Unlock()
}

// Commands returns the peer's last-primed get_commands listing.
func (p *Peer) Commands() map[string]string {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	out := make(map[string]string, len(p.commands))
	for k, v := range p.commands {
		out[k] = v
	}
	return out
}

func (p *Peer) setCommands(c map[string]string) {
	p.stateMu.Lock()
	p.commands = c
	p.stateMu.Unlock()
}

// request issues one CSCP request and returns its reply, serialised
// against concurrent callers on this peer via a per-peer mutex: §4.3's
// strictly FIFO request/reply discipline applies per connection.
func (p *Peer) request(verb string, payload []byte) (message.CSCPMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	req := message.CSCPMessage{
		Header:   message.CSCPHeader{Sender: "controller", Time: time.Now().UTC()},
		Verb:     message.VerbRequest,
		VerbName: verb,
		Payload:  payload,
	}
	w := bufio.NewWriter(p.conn)
	if err := message.WriteCSCP(w, req); err != nil {
		return message.CSCPMessage{}, fmt.Errorf("sending %s to %s: %w", verb, p.CanonicalName, err)
	}
	if err := w.Flush(); err != nil {
		return message.CSCPMessage{}, fmt.Errorf("sending %s to %s: %w", verb, p.CanonicalName, err)
	}

	reply, err := message.ReadCSCP(p.reader)
	if err != nil {
		return message.CSCPMessage{}, fmt.Errorf("reading reply from %s: %w", p.CanonicalName, err)
	}
	return reply, nil
}

// requestValue issues a no-argument standard verb and decodes the reply's
// payload as a single config.Value.
func (p *Peer) requestValue(verb string) (config.Value, message.VerbType, error) {
	reply, err := p.request(verb, nil)
	if err != nil {
		return config.Value{}, message.VerbError, err
	}
	if reply.Verb != message.VerbSuccess {
		return config.Value{}, reply.Verb, fmt.Errorf("%s: %s %s", verb, reply.Verb, reply.VerbName)
	}
	if len(reply.Payload) == 0 {
		return config.Nil(), reply.Verb, nil
	}
	v, err := decodeValue(reply.Payload)
	return v, reply.Verb, err
}

// requestTransition issues a transition verb carrying a pre-encoded
// payload (a raw dictionary for initialize/reconfigure, a value-wrapped
// run identifier for start, or no payload for launch/land/stop) and
// reports whether the satellite accepted it.
func (p *Peer) requestTransition(verb string, payload []byte) (message.CSCPMessage, error) {
	return p.request(verb, payload)
}

func (p *Peer) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.Close()
}
