/*
Copyright (c) 2024 DESY and the Constellation authors.
This software is distributed under the terms of the EUPL-1.2 License, copied verbatim in the file "LICENSE.md".
SPDX-License-Identifier: EUPL-1.2
*/

// Package chirp implements the discovery layer: a single UDP
// multicast/broadcast channel used to announce local services, track
// remote services and dispatch callbacks on their arrival and departure,
// per spec §4.1.
package chirp

import (
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	log "github.com/sirupsen/logrus"

	"github.com/constellation-daq/constellation/message"
	"github.com/constellation-daq/constellation/protocol"
)

// Callback is invoked on a service-kind subscription whenever a matching
// remote service is discovered or departs. It must not block; Manager
// dispatches it on a worker pool off the receive path.
type Callback func(event Event)

// EventKind distinguishes a discovery arrival from a departure.
type EventKind int

// Event kinds.
const (
	EventDiscovered EventKind = iota
	EventDeparted
)

// Record describes a single remote service, per spec §4.1's tracked state.
type Record struct {
	HostHash protocol.MD5Hash
	Address  net.IP
	Port     uint16
	Kind     protocol.ServiceKind
	LastSeen time.Time
}

// Event is delivered to a subscribed Callback.
type Event struct {
	Kind   EventKind
	Record Record
}

type peerKey struct {
	host protocol.MD5Hash
	kind protocol.ServiceKind
}

// Manager owns the discovery socket for one satellite or controller
// process: it advertises the services this process offers, listens for
// peer offers and requests, and maintains the table of discovered remote
// services.
type Manager struct {
	groupHash protocol.MD5Hash
	hostHash  protocol.MD5Hash

	conn      *net.UDPConn
	groupAddr *net.UDPAddr

	mu        sync.RWMutex
	offered   map[protocol.ServiceKind]uint16
	discovered map[peerKey]Record
	callbacks map[protocol.ServiceKind][]Callback

	dispatch chan func()

	closeOnce sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

const dispatchQueueSize = 256
const dispatchWorkers = 4

// NewManager binds the discovery socket for groupName/canonicalName on
// ifaceName (empty string selects all interfaces). It does not yet send
// any traffic; call Start for that.
func NewManager(groupName, canonicalName, ifaceName string) (*Manager, error) {
	groupAddr := &net.UDPAddr{IP: net.ParseIP(protocol.CHIRPMulticastGroup), Port: protocol.CHIRPUDPPort}

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}
	packetConn, err := lc.ListenPacket(nil, "udp4", fmt.Sprintf(":%d", protocol.CHIRPUDPPort))
	if err != nil {
		return nil, fmt.Errorf("binding chirp socket: %w", err)
	}
	conn := packetConn.(*net.UDPConn)

	pc := ipv4.NewPacketConn(conn)
	var iface *net.Interface
	if ifaceName != "" {
		iface, err = net.InterfaceByName(ifaceName)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("resolving chirp interface %q: %w", ifaceName, err)
		}
	}
	if err := pc.JoinGroup(iface, groupAddr); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("joining chirp multicast group: %w", err)
	}

	return &Manager{
		groupHash:  protocol.HashGroup(groupName),
		hostHash:   protocol.HashHost(canonicalName),
		conn:       conn,
		groupAddr:  groupAddr,
		offered:    make(map[protocol.ServiceKind]uint16),
		discovered: make(map[peerKey]Record),
		callbacks:  make(map[protocol.ServiceKind][]Callback),
		dispatch:   make(chan func(), dispatchQueueSize),
		stopCh:     make(chan struct{}),
	}, nil
}

// Start begins the receive loop and the dispatch worker pool, then
// broadcasts one REQUEST so already-running peers answer immediately.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.receiveLoop()

	for i := 0; i < dispatchWorkers; i++ {
		m.wg.Add(1)
		go m.dispatchWorker()
	}

	// The service-kind field is a closed enum even on REQUEST; a request
	// is answered with every advertised service regardless of which kind
	// is named here, so ServiceControl is used as a fixed placeholder.
	if err := m.send(protocol.CHIRPRequest, protocol.ServiceControl, 0); err != nil {
		log.WithError(err).Warn("chirp: failed to broadcast initial request")
	}
}

// RegisterService advertises kind on port: it is remembered so future
// REQUESTs are answered, and an immediate OFFER is broadcast.
func (m *Manager) RegisterService(kind protocol.ServiceKind, port uint16) error {
	m.mu.Lock()
	m.offered[kind] = port
	m.mu.Unlock()
	return m.send(protocol.CHIRPOffer, kind, port)
}

// UnregisterService stops advertising kind and broadcasts a DEPART.
func (m *Manager) UnregisterService(kind protocol.ServiceKind) error {
	m.mu.Lock()
	port, ok := m.offered[kind]
	delete(m.offered, kind)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.send(protocol.CHIRPDepart, kind, port)
}

// Subscribe registers cb to be invoked for every discovered/departed
// service of kind.
func (m *Manager) Subscribe(kind protocol.ServiceKind, cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks[kind] = append(m.callbacks[kind], cb)
}

// Discovered returns a snapshot of currently known remote services of
// kind.
func (m *Manager) Discovered(kind protocol.ServiceKind) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for key, rec := range m.discovered {
		if key.kind == kind {
			out = append(out, rec)
		}
	}
	return out
}

// Close broadcasts a DEPART for every advertised service and releases the
// socket. It is idempotent.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.mu.RLock()
		offered := make(map[protocol.ServiceKind]uint16, len(m.offered))
		for k, v := range m.offered {
			offered[k] = v
		}
		m.mu.RUnlock()
		for kind, port := range offered {
			if sendErr := m.send(protocol.CHIRPDepart, kind, port); sendErr != nil {
				log.WithError(sendErr).Warn("chirp: failed to broadcast depart")
			}
		}
		close(m.stopCh)
		err = m.conn.Close()
		m.wg.Wait()
	})
	return err
}

func (m *Manager) send(msgType protocol.CHIRPMsgType, kind protocol.ServiceKind, port uint16) error {
	raw := message.CHIRPMessage{
		Type:      msgType,
		GroupHash: m.groupHash,
		HostHash:  m.hostHash,
		Service:   kind,
		Port:      port,
	}.Assemble()
	_, err := m.conn.WriteToUDP(raw[:], m.groupAddr)
	return err
}

func (m *Manager) receiveLoop() {
	defer m.wg.Done()
	buf := make([]byte, protocol.CHIRPMessageLength+16)
	for {
		n, addr, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-m.stopCh:
				return
			default:
				log.WithError(err).Trace("chirp: read error")
				continue
			}
		}
		msg, err := message.DisassembleCHIRP(buf[:n])
		if err != nil {
			log.WithError(err).Trace("chirp: dropping malformed datagram")
			continue
		}
		m.handle(msg, addr)
	}
}

func (m *Manager) handle(msg message.CHIRPMessage, addr *net.UDPAddr) {
	if msg.GroupHash != m.groupHash {
		return
	}
	if msg.HostHash == m.hostHash {
		return
	}

	switch msg.Type {
	case protocol.CHIRPRequest:
		m.mu.RLock()
		offered := make(map[protocol.ServiceKind]uint16, len(m.offered))
		for k, v := range m.offered {
			offered[k] = v
		}
		m.mu.RUnlock()
		for kind, port := range offered {
			if err := m.send(protocol.CHIRPOffer, kind, port); err != nil {
				log.WithError(err).Trace("chirp: failed to answer request")
			}
		}
	case protocol.CHIRPOffer:
		if msg.Port == 0 {
			log.Trace("chirp: dropping offer with port 0")
			return
		}
		m.upsert(msg, addr)
	case protocol.CHIRPDepart:
		m.remove(msg)
	}
}

func (m *Manager) upsert(msg message.CHIRPMessage, addr *net.UDPAddr) {
	key := peerKey{host: msg.HostHash, kind: msg.Service}
	rec := Record{
		HostHash: msg.HostHash,
		Address:  addr.IP,
		Port:     msg.Port,
		Kind:     msg.Service,
		LastSeen: time.Now(),
	}
	m.mu.Lock()
	m.discovered[key] = rec
	cbs := append([]Callback(nil), m.callbacks[msg.Service]...)
	m.mu.Unlock()

	m.enqueue(cbs, Event{Kind: EventDiscovered, Record: rec})
}

func (m *Manager) remove(msg message.CHIRPMessage) {
	key := peerKey{host: msg.HostHash, kind: msg.Service}
	m.mu.Lock()
	rec, ok := m.discovered[key]
	if ok {
		delete(m.discovered, key)
	}
	cbs := append([]Callback(nil), m.callbacks[msg.Service]...)
	m.mu.Unlock()

	if ok {
		m.enqueue(cbs, Event{Kind: EventDeparted, Record: rec})
	}
}

func (m *Manager) enqueue(cbs []Callback, ev Event) {
	for _, cb := range cbs {
		cb := cb
		select {
		case m.dispatch <- func() { cb(ev) }:
		default:
			log.Warn("chirp: dispatch queue full, dropping callback invocation")
		}
	}
}

func (m *Manager) dispatchWorker() {
	defer m.wg.Done()
	for {
		select {
		case fn := <-m.dispatch:
			fn()
		case <-m.stopCh:
			return
		}
	}
}
