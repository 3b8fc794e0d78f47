/*
Copyright (c) 2024 DESY and the Constellation authors.
This software is distributed under the terms of the EUPL-1.2 License, copied verbatim in the file "LICENSE.md".
SPDX-License-Identifier: EUPL-1.2
*/

// Package chp implements the heartbeat protocol: a periodic beacon sender
// publishing FSM state to subscribers, and a receiver maintaining a
// per-peer watchdog that declares a peer lost after its lives are
// exhausted, per spec §4.2.
package chp

import (
	"bufio"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/constellation-daq/constellation/message"
	"github.com/constellation-daq/constellation/protocol"
)

// DefaultInterval is the beacon interval used when the satellite does not
// request a different one.
const DefaultInterval = 1000 * time.Millisecond

// MinInterval and MaxInterval bound the interval accepted by SetInterval.
const (
	MinInterval = 500 * time.Millisecond
	MaxInterval = 10000 * time.Millisecond
)

// StateFunc returns the satellite's current FSM state for inclusion in the
// next beacon.
type StateFunc func() protocol.State

// Sender binds a TCP listener that subscribers connect to; every
// connected subscriber receives every beacon emitted afterwards.
type Sender struct {
	sender   string
	getState StateFunc

	mu       sync.Mutex
	interval time.Duration
	reason   string

	listener net.Listener

	subMu sync.Mutex
	subs  map[net.Conn]struct{}

	beaconNow chan string
	stopCh    chan struct{}
	wg        sync.WaitGroup

	// OnBeat, if set, is invoked once per beacon actually written to at
	// least the listener's subscriber set (even zero subscribers still
	// count as a tick for metrics purposes).
	OnBeat func()
}

// NewSender constructs a Sender for canonicalName, reading current state
// through getState on every beacon tick.
func NewSender(canonicalName string, getState StateFunc) *Sender {
	return &Sender{
		sender:    canonicalName,
		getState:  getState,
		interval:  DefaultInterval,
		subs:      make(map[net.Conn]struct{}),
		beaconNow: make(chan string, 1),
		stopCh:    make(chan struct{}),
	}
}

// Listen binds the subscriber-accepting TCP socket on addr (host:port,
// port 0 picks an ephemeral one) and returns the bound port.
func (s *Sender) Listen(addr string) (uint16, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, err
	}
	s.listener = ln
	return uint16(ln.Addr().(*net.TCPAddr).Port), nil
}

// Start begins accepting subscriber connections and emitting beacons.
func (s *Sender) Start() {
	s.wg.Add(2)
	go s.acceptLoop()
	go s.beaconLoop()
}

// SetInterval changes the beacon interval; the next beacon announces it.
// Values outside [MinInterval, MaxInterval] are clamped.
func (s *Sender) SetInterval(d time.Duration) {
	if d < MinInterval {
		d = MinInterval
	}
	if d > MaxInterval {
		d = MaxInterval
	}
	s.mu.Lock()
	s.interval = d
	s.mu.Unlock()
}

// NotifyStateChange requests an immediate extraordinary beacon carrying
// reason, per spec §4.2's "immediately emits an extraordinary beacon on
// every state change".
func (s *Sender) NotifyStateChange(reason string) {
	select {
	case s.beaconNow <- reason:
	default:
	}
}

// Close stops the sender and closes all subscriber connections.
func (s *Sender) Close() error {
	close(s.stopCh)
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.subMu.Lock()
	for c := range s.subs {
		_ = c.Close()
	}
	s.subMu.Unlock()
	s.wg.Wait()
	return err
}

func (s *Sender) acceptLoop() {
	defer s.wg.Done()
	if s.listener == nil {
		return
	}
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				log.WithError(err).Trace("chp: accept error")
				return
			}
		}
		s.subMu.Lock()
		s.subs[conn] = struct{}{}
		s.subMu.Unlock()
	}
}

func (s *Sender) beaconLoop() {
	defer s.wg.Done()
	reason := ""
	for {
		s.mu.Lock()
		interval := s.interval
		s.mu.Unlock()

		s.emit(reason)
		reason = ""

		timer := time.NewTimer(interval)
		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case reason = <-s.beaconNow:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (s *Sender) emit(reason string) {
	s.mu.Lock()
	interval := s.interval
	s.mu.Unlock()

	m := message.CHPMessage{
		Sender:   s.sender,
		Time:     time.Now().UTC(),
		State:    s.getState(),
		Interval: interval,
		Reason:   reason,
	}

	if s.OnBeat != nil {
		s.OnBeat()
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for conn := range s.subs {
		w := bufio.NewWriter(conn)
		if err := message.WriteCHP(w, m); err != nil || w.Flush() != nil {
			log.WithError(err).Trace("chp: dropping unresponsive subscriber")
			_ = conn.Close()
			delete(s.subs, conn)
			continue
		}
	}
}
