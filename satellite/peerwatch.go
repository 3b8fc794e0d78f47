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
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/constellation-daq/constellation/chirp"
	"github.com/constellation-daq/constellation/message"
	"github.com/constellation-daq/constellation/protocol"
)

// peerWatch tracks the other satellites this process monitors over CHP,
// per spec §4.2's failure propagation and §8 scenario 4: a peer reporting
// ERROR/SAFE or declared lost by the watchdog schedules a local interrupt.
type peerWatch struct {
	mu    sync.Mutex
	names map[protocol.MD5Hash]string
}

func newPeerWatch() *peerWatch {
	return &peerWatch{names: make(map[protocol.MD5Hash]string)}
}

// onPeerControlEvent is subscribed to CHIRP's CONTROL service so the
// canonical name of every other satellite in the group can be learned
// (via get_name) and matched against its HEARTBEAT record.
func (s *Satellite) onPeerControlEvent(ev chirp.Event) {
	switch ev.Kind {
	case chirp.EventDiscovered:
		s.addPeerWatch(ev.Record)
	case chirp.EventDeparted:
		s.removePeerWatch(ev.Record.HostHash)
	}
}

func (s *Satellite) addPeerWatch(rec chirp.Record) {
	commandAddr := net.JoinHostPort(rec.Address.String(), fmt.Sprintf("%d", rec.Port))
	name, err := fetchPeerName(commandAddr)
	if err != nil {
		log.WithError(err).WithField("addr", commandAddr).Warn("satellite: failed to learn peer canonical name")
		return
	}

	s.peers.mu.Lock()
	s.peers.names[rec.HostHash] = name
	s.peers.mu.Unlock()

	for _, hb := range s.discover.Discovered(protocol.ServiceHeartbeat) {
		if hb.HostHash != rec.HostHash {
			continue
		}
		hbAddr := net.JoinHostPort(hb.Address.String(), fmt.Sprintf("%d", hb.Port))
		if err := s.heartbeat.Subscribe(name, hbAddr); err != nil {
			log.WithError(err).WithField("satellite", name).Warn("satellite: failed to subscribe to peer heartbeat")
		}
		break
	}
}

func (s *Satellite) removePeerWatch(hostHash protocol.MD5Hash) {
	s.peers.mu.Lock()
	name, ok := s.peers.names[hostHash]
	delete(s.peers.names, hostHash)
	s.peers.mu.Unlock()
	if ok {
		s.heartbeat.Unsubscribe(name)
	}
}

// onPeerFailure is the chp.LossHandler invoked when a monitored peer
// reports ERROR/SAFE or its watchdog expires; it schedules a local
// interrupt whenever this satellite is in a state a peer's trouble
// should pull it out of, and records the peer for Status() to surface.
func (s *Satellite) onPeerFailure(canonicalName, reason string) {
	log.WithFields(log.Fields{
		"satellite": s.canonicalName,
		"peer":      canonicalName,
		"reason":    reason,
	}).Warn("satellite: peer heartbeat lost")

	s.mu.Lock()
	s.failedPeer = canonicalName
	s.failedPeerReason = reason
	s.mu.Unlock()

	s.metrics.PeersLost.WithLabelValues(reason).Inc()

	switch s.fsm.State() {
	case protocol.StateORBIT, protocol.StateRUN:
		msg := fmt.Sprintf("peer %s: %s", canonicalName, reason)
		if err := s.fsm.RequestInterrupt(msg); err != nil {
			log.WithError(err).Debug("satellite: interrupt request rejected")
		}
	}
}

// fetchPeerName dials a remote satellite's command socket and issues a
// single get_name request, the same priming step controller.addPeer
// performs before it can subscribe to a peer's heartbeat by name.
func fetchPeerName(commandAddr string) (string, error) {
	conn, err := net.DialTimeout("tcp", commandAddr, 5*time.Second)
	if err != nil {
		return "", fmt.Errorf("dialing %s: %w", commandAddr, err)
	}
	defer conn.Close()

	req := message.CSCPMessage{
		Header:   message.CSCPHeader{Sender: "peer-watch", Time: time.Now().UTC()},
		Verb:     message.VerbRequest,
		VerbName: "get_name",
	}
	w := bufio.NewWriter(conn)
	if err := message.WriteCSCP(w, req); err != nil {
		return "", fmt.Errorf("sending get_name to %s: %w", commandAddr, err)
	}
	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("sending get_name to %s: %w", commandAddr, err)
	}

	reply, err := message.ReadCSCP(bufio.NewReader(conn))
	if err != nil {
		return "", fmt.Errorf("reading get_name reply from %s: %w", commandAddr, err)
	}
	if reply.Verb != message.VerbSuccess {
		return "", fmt.Errorf("get_name on %s: %s %s", commandAddr, reply.Verb, reply.VerbName)
	}
	v, err := decodeValue(reply.Payload)
	if err != nil {
		return "", err
	}
	return v.AsString()
}
