/*
Copyright (c) 2024 DESY and the Constellation authors.
This software is distributed under the terms of the EUPL-1.2 License, copied verbatim in the file "LICENSE.md".
SPDX-License-Identifier: EUPL-1.2
*/

package chp

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/constellation-daq/constellation/message"
	"github.com/constellation-daq/constellation/protocol"
)

// initialLives is the watchdog life count assigned to a peer on its first
// valid beacon, per spec §4.2.
const initialLives = 3

// grace is added to a peer's advertised interval before its next beat is
// considered overdue.
const grace = 500 * time.Millisecond

// watchdogTick is how often the receiver re-evaluates every peer's
// next-expected-beat deadline.
const watchdogTick = 250 * time.Millisecond

// PeerState is the receiver-side view of one monitored peer, per spec
// §3's "Peer (satellite view)".
type PeerState struct {
	CanonicalName    string
	LastState        protocol.State
	RemainingLives   int
	NextExpectedBeat time.Time
	Reason           string
	Interval         time.Duration
}

// LossHandler is invoked when a peer's beacon state warrants interrupting
// the local FSM: either the peer reports ERROR/SAFE, or its watchdog
// expired. reason is a human-readable diagnostic.
type LossHandler func(canonicalName, reason string)

// Receiver subscribes to one or more remote Senders and maintains a
// per-peer liveness watchdog.
type Receiver struct {
	onFailure LossHandler

	mu    sync.Mutex
	peers map[string]*peerEntry

	stopCh chan struct{}
	wg     sync.WaitGroup

	// OnBeat, if set, is invoked once per valid beacon received from any
	// peer, for metrics purposes.
	OnBeat func()
}

type peerEntry struct {
	state PeerState
	conn  net.Conn
}

// NewReceiver constructs a Receiver; onFailure is called from the
// watchdog goroutine when a monitored peer is declared lost, and from
// that peer's read goroutine when it reports a degraded state.
func NewReceiver(onFailure LossHandler) *Receiver {
	return &Receiver{
		onFailure: onFailure,
		peers:     make(map[string]*peerEntry),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the watchdog loop.
func (r *Receiver) Start() {
	r.wg.Add(1)
	go r.watchdogLoop()
}

// Subscribe dials addr (the peer's heartbeat socket) and begins reading
// beacons from canonicalName.
func (r *Receiver) Subscribe(canonicalName, addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("dialing heartbeat socket of %s: %w", canonicalName, err)
	}

	entry := &peerEntry{
		conn: conn,
		state: PeerState{
			CanonicalName:    canonicalName,
			RemainingLives:   initialLives,
			NextExpectedBeat: time.Now().Add(DefaultInterval + grace),
			Interval:         DefaultInterval,
		},
	}
	r.mu.Lock()
	r.peers[canonicalName] = entry
	r.mu.Unlock()

	r.wg.Add(1)
	go r.readLoop(canonicalName, conn)
	return nil
}

// Unsubscribe closes the connection to canonicalName and forgets its
// state.
func (r *Receiver) Unsubscribe(canonicalName string) {
	r.mu.Lock()
	entry, ok := r.peers[canonicalName]
	delete(r.peers, canonicalName)
	r.mu.Unlock()
	if ok {
		_ = entry.conn.Close()
	}
}

// Peer returns the current tracked state of canonicalName.
func (r *Receiver) Peer(canonicalName string) (PeerState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.peers[canonicalName]
	if !ok {
		return PeerState{}, false
	}
	return entry.state, true
}

// Close stops the watchdog and all subscriber connections.
func (r *Receiver) Close() {
	close(r.stopCh)
	r.mu.Lock()
	for name, entry := range r.peers {
		_ = entry.conn.Close()
		delete(r.peers, name)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Receiver) readLoop(canonicalName string, conn net.Conn) {
	defer r.wg.Done()
	reader := bufio.NewReader(conn)
	for {
		m, err := message.ReadCHP(reader)
		if err != nil {
			select {
			case <-r.stopCh:
				return
			default:
				log.WithField("peer", canonicalName).WithError(err).Trace("chp: beacon read failed")
				return
			}
		}
		r.onBeacon(canonicalName, m)
	}
}

func (r *Receiver) onBeacon(canonicalName string, m message.CHPMessage) {
	if r.OnBeat != nil {
		r.OnBeat()
	}

	r.mu.Lock()
	entry, ok := r.peers[canonicalName]
	if !ok {
		r.mu.Unlock()
		return
	}
	entry.state.LastState = m.State
	entry.state.RemainingLives = initialLives
	entry.state.NextExpectedBeat = time.Now().Add(m.Interval + grace)
	entry.state.Reason = m.Reason
	entry.state.Interval = m.Interval
	r.mu.Unlock()

	if m.State == protocol.StateERROR || m.State == protocol.StateSAFE {
		if r.onFailure != nil {
			r.onFailure(canonicalName, m.Reason)
		}
	}
}

func (r *Receiver) watchdogLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(watchdogTick)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case now := <-ticker.C:
			r.checkDeadlines(now)
		}
	}
}

func (r *Receiver) checkDeadlines(now time.Time) {
	type lost struct {
		name   string
		reason string
	}
	var losses []lost

	r.mu.Lock()
	for name, entry := range r.peers {
		if now.Before(entry.state.NextExpectedBeat) {
			continue
		}
		entry.state.RemainingLives--
		entry.state.NextExpectedBeat = entry.state.NextExpectedBeat.Add(entry.state.Interval)
		if entry.state.RemainingLives <= 0 {
			losses = append(losses, lost{name: name, reason: "heartbeat watchdog expired"})
			delete(r.peers, name)
			_ = entry.conn.Close()
		}
	}
	r.mu.Unlock()

	for _, l := range losses {
		if r.onFailure != nil {
			r.onFailure(l.name, l.reason)
		}
	}
}
